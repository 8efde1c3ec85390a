package sharing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/storage"
	"github.com/carevault/record-access-backend/tablestore"
)

type stubBackend struct {
	up    bool
	blobs map[string][]byte
}

func newStubBackend() *stubBackend {
	return &stubBackend{up: true, blobs: make(map[string][]byte)}
}

func (b *stubBackend) key(id interfaces.ContentID, ns interfaces.ContentNamespace) string {
	return fmt.Sprintf("%s/%s", ns, id)
}

func (b *stubBackend) Fetch(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace) ([]byte, error) {
	if !b.up {
		return nil, interfaces.ErrBackendUnavailable
	}
	data, ok := b.blobs[b.key(id, ns)]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return data, nil
}

func (b *stubBackend) Store(ctx context.Context, data []byte, ns interfaces.ContentNamespace) (interfaces.ContentID, error) {
	if !b.up {
		return interfaces.ContentID{}, interfaces.ErrBackendUnavailable
	}
	id := interfaces.ComputeID(data)
	b.blobs[b.key(id, ns)] = data
	return id, nil
}

func (b *stubBackend) Available(ctx context.Context) bool { return b.up }
func (b *stubBackend) Name() string                       { return "stub" }
func (b *stubBackend) LocationURI() string                { return "stub:" }

type logFixture struct {
	log     *Log
	backend *stubBackend
	store   *tablestore.MemoryStore
	journal *tablestore.DegradedJournal
}

func newLogFixture(t *testing.T) *logFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := newStubBackend()
	store := tablestore.NewMemoryStore()
	journal, err := tablestore.OpenDegradedJournal(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	return &logFixture{
		log:     NewLog(store, storage.NewContentStore(backend, logger), journal, logger),
		backend: backend,
		store:   store,
		journal: journal,
	}
}

func TestShareFile(t *testing.T) {
	fx := newLogFixture(t)
	ctx := context.Background()

	doctorID := uuid.New()
	patientID := uuid.New()
	data := []byte("discharge summary")

	file, err := fx.log.ShareFile(ctx, doctorID, patientID, Upload{
		FileName: "discharge.pdf",
		MimeType: "application/pdf",
		Data:     data,
	}, "post-op summary")
	require.NoError(t, err)
	assert.False(t, file.Degraded)
	assert.False(t, file.Viewed)
	assert.Equal(t, interfaces.ComputeID(data), file.ContentID)
	assert.Equal(t, "post-op summary", file.Description)

	// A push requires no grant from the patient; it shows up in both views.
	forDoctor, err := fx.log.ListForDoctor(ctx, doctorID)
	require.NoError(t, err)
	require.Len(t, forDoctor, 1)

	forPatient, err := fx.log.ListForPatient(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, forPatient, 1)
	assert.Equal(t, file.ID, forPatient[0].ID)
}

func TestShareFile_Validation(t *testing.T) {
	fx := newLogFixture(t)
	ctx := context.Background()

	_, err := fx.log.ShareFile(ctx, uuid.Nil, uuid.New(), Upload{FileName: "a", Data: []byte("x")}, "")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = fx.log.ShareFile(ctx, uuid.New(), uuid.New(), Upload{Data: []byte("x")}, "")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = fx.log.ShareFile(ctx, uuid.New(), uuid.New(), Upload{FileName: "a"}, "")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestShareFile_Degraded(t *testing.T) {
	fx := newLogFixture(t)
	ctx := context.Background()

	fx.backend.up = false

	file, err := fx.log.ShareFile(ctx, uuid.New(), uuid.New(), Upload{
		FileName: "scan.jpg",
		Data:     []byte("scan bytes"),
	}, "")
	require.NoError(t, err, "blob store outage must not fail the push")
	assert.True(t, file.Degraded)

	entries, err := fx.journal.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tablestore.JournalKindSharedFile, entries[0].Kind)
	assert.Equal(t, file.ID, entries[0].EntityID)
}

func TestMarkViewed(t *testing.T) {
	fx := newLogFixture(t)
	ctx := context.Background()

	doctorID := uuid.New()
	patientID := uuid.New()

	file, err := fx.log.ShareFile(ctx, doctorID, patientID, Upload{
		FileName: "results.pdf",
		Data:     []byte("results"),
	}, "")
	require.NoError(t, err)

	// Only the receiving patient acknowledges, not the doctor.
	err = fx.log.MarkViewed(ctx, file.ID, doctorID)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	require.NoError(t, fx.log.MarkViewed(ctx, file.ID, patientID))

	got, err := fx.store.GetSharedFile(ctx, file.ID)
	require.NoError(t, err)
	assert.True(t, got.Viewed)

	// Idempotent.
	require.NoError(t, fx.log.MarkViewed(ctx, file.ID, patientID))

	err = fx.log.MarkViewed(ctx, uuid.New(), patientID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestGetSharedContent_PartiesOnly(t *testing.T) {
	fx := newLogFixture(t)
	ctx := context.Background()

	doctorID := uuid.New()
	patientID := uuid.New()
	data := []byte("imaging report")

	file, err := fx.log.ShareFile(ctx, doctorID, patientID, Upload{
		FileName: "imaging.pdf",
		Data:     data,
	}, "")
	require.NoError(t, err)

	got, err := fx.log.GetSharedContent(ctx, file.ID, patientID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = fx.log.GetSharedContent(ctx, file.ID, doctorID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = fx.log.GetSharedContent(ctx, file.ID, uuid.New(), time.Now())
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestGetSharedContent_Expiry(t *testing.T) {
	fx := newLogFixture(t)
	ctx := context.Background()

	doctorID := uuid.New()
	patientID := uuid.New()
	expiry := time.Now().Add(time.Hour).UTC()

	file, err := fx.log.ShareFile(ctx, doctorID, patientID, Upload{
		FileName:  "temp.pdf",
		Data:      []byte("time limited"),
		ExpiresAt: &expiry,
	}, "")
	require.NoError(t, err)

	_, err = fx.log.GetSharedContent(ctx, file.ID, patientID, expiry.Add(-time.Second))
	require.NoError(t, err)

	// At and past the expiry instant the share is closed.
	_, err = fx.log.GetSharedContent(ctx, file.ID, patientID, expiry)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	_, err = fx.log.GetSharedContent(ctx, file.ID, patientID, expiry.Add(time.Second))
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}
