package grants

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/tablestore"
)

func newTestLedger() *Ledger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedger(tablestore.NewMemoryStore(), logger)
}

func TestCreateGrant_AuthorizesDoctor(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorID := uuid.New()
	recordID := uuid.New()

	grant, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, grant.GrantID)
	assert.Nil(t, grant.ExpiresAt)

	ok, err := ledger.IsAuthorized(ctx, doctorID, patientID, recordID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// A grant never authorizes a different doctor or patient.
	ok, err = ledger.IsAuthorized(ctx, uuid.New(), patientID, recordID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ledger.IsAuthorized(ctx, doctorID, uuid.New(), recordID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateGrant_RecordScope(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorID := uuid.New()
	coveredID := uuid.New()
	otherID := uuid.New()

	_, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.NewRecordScope(coveredID), nil)
	require.NoError(t, err)

	ok, err := ledger.IsAuthorized(ctx, doctorID, patientID, coveredID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.IsAuthorized(ctx, doctorID, patientID, otherID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "record-scoped grant must not cover other records")
}

func TestCreateGrant_Validation(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()
	patientID := uuid.New()

	tests := []struct {
		name      string
		patientID uuid.UUID
		doctorID  uuid.UUID
		scope     interfaces.GrantScope
		expiresAt *time.Time
	}{
		{
			name:      "nil patient",
			patientID: uuid.Nil,
			doctorID:  uuid.New(),
			scope:     interfaces.ScopeAllRecords,
		},
		{
			name:      "nil doctor",
			patientID: patientID,
			doctorID:  uuid.Nil,
			scope:     interfaces.ScopeAllRecords,
		},
		{
			name:      "self grant",
			patientID: patientID,
			doctorID:  patientID,
			scope:     interfaces.ScopeAllRecords,
		},
		{
			name:      "malformed scope",
			patientID: patientID,
			doctorID:  uuid.New(),
			scope:     interfaces.GrantScope("not-a-record-id"),
		},
		{
			name:      "expiry in the past",
			patientID: patientID,
			doctorID:  uuid.New(),
			scope:     interfaces.ScopeAllRecords,
			expiresAt: timePtr(time.Now().Add(-time.Hour)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.CreateGrant(ctx, tt.patientID, tt.doctorID, tt.scope, tt.expiresAt)
			assert.ErrorIs(t, err, interfaces.ErrValidation)
		})
	}
}

func TestCreateGrant_ExtendsExistingTuple(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorID := uuid.New()

	shorter := time.Now().Add(time.Hour).UTC()
	longer := time.Now().Add(24 * time.Hour).UTC()

	first, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, &shorter)
	require.NoError(t, err)

	// Re-granting the same tuple with a later expiry extends the existing
	// grant instead of creating a second one.
	second, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, &longer)
	require.NoError(t, err)
	assert.Equal(t, first.GrantID, second.GrantID)
	require.NotNil(t, second.ExpiresAt)
	assert.True(t, second.ExpiresAt.Equal(longer))

	// A shorter expiry never narrows the grant.
	third, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, &shorter)
	require.NoError(t, err)
	assert.Equal(t, first.GrantID, third.GrantID)
	require.NotNil(t, third.ExpiresAt)
	assert.True(t, third.ExpiresAt.Equal(longer))

	// Unbounded dominates any expiry.
	fourth, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, nil)
	require.NoError(t, err)
	assert.Equal(t, first.GrantID, fourth.GrantID)
	assert.Nil(t, fourth.ExpiresAt)

	history, err := ledger.ListGrantsForPatient(ctx, patientID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "tuple re-grant must not append ledger entries")
}

func TestGrantExpiry_LazyAndBoundary(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorID := uuid.New()
	recordID := uuid.New()

	expiry := time.Now().Add(time.Hour).UTC()
	_, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, &expiry)
	require.NoError(t, err)

	// Just before expiry the grant is live.
	ok, err := ledger.IsAuthorized(ctx, doctorID, patientID, recordID, expiry.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// At exactly the expiry instant access is denied.
	ok, err = ledger.IsAuthorized(ctx, doctorID, patientID, recordID, expiry)
	require.NoError(t, err)
	assert.False(t, ok)

	// And after.
	ok, err = ledger.IsAuthorized(ctx, doctorID, patientID, recordID, expiry.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeGrant(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorID := uuid.New()
	recordID := uuid.New()

	grant, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, nil)
	require.NoError(t, err)

	// Only the granting patient may revoke.
	err = ledger.RevokeGrant(ctx, grant.GrantID, doctorID)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	err = ledger.RevokeGrant(ctx, grant.GrantID, patientID)
	require.NoError(t, err)

	ok, err := ledger.IsAuthorized(ctx, doctorID, patientID, recordID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "revoked grant must never authorize again")

	// Revoking twice succeeds without effect.
	err = ledger.RevokeGrant(ctx, grant.GrantID, patientID)
	require.NoError(t, err)

	revoked, err := ledger.GetGrant(ctx, grant.GrantID)
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)
	firstRevokedAt := *revoked.RevokedAt

	err = ledger.RevokeGrant(ctx, grant.GrantID, patientID)
	require.NoError(t, err)
	again, err := ledger.GetGrant(ctx, grant.GrantID)
	require.NoError(t, err)
	assert.True(t, again.RevokedAt.Equal(firstRevokedAt), "RevokedAt must be set at most once")

	// Revocation outlives expiry semantics: re-granting after revocation
	// creates a fresh grant rather than resurrecting the revoked one.
	fresh, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, nil)
	require.NoError(t, err)
	assert.NotEqual(t, grant.GrantID, fresh.GrantID)
}

func TestRevokeGrant_NotFound(t *testing.T) {
	ledger := newTestLedger()
	err := ledger.RevokeGrant(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCreateGrant_ConcurrentSameTuple(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorID := uuid.New()

	const writers = 100
	var wg sync.WaitGroup
	wg.Add(writers)
	grantIDs := make([]uuid.UUID, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			expiry := time.Now().Add(time.Duration(i+1) * time.Minute).UTC()
			grant, err := ledger.CreateGrant(ctx, patientID, doctorID, interfaces.ScopeAllRecords, &expiry)
			if err != nil {
				errs[i] = err
				return
			}
			grantIDs[i] = grant.GrantID
		}(i)
	}
	wg.Wait()

	// Every writer succeeded and folded into a single ledger entry.
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
	}
	for _, id := range grantIDs[1:] {
		assert.Equal(t, grantIDs[0], id)
	}

	history, err := ledger.ListGrantsForPatient(ctx, patientID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].RevokedAt)
}

func TestListGrants_AuditTrail(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	patientID := uuid.New()
	doctorA := uuid.New()
	doctorB := uuid.New()

	grantA, err := ledger.CreateGrant(ctx, patientID, doctorA, interfaces.ScopeAllRecords, nil)
	require.NoError(t, err)
	_, err = ledger.CreateGrant(ctx, patientID, doctorB, interfaces.ScopeAllRecords, nil)
	require.NoError(t, err)

	require.NoError(t, ledger.RevokeGrant(ctx, grantA.GrantID, patientID))

	// Revoked entries stay in the history.
	history, err := ledger.ListGrantsForPatient(ctx, patientID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	forA, err := ledger.ListGrantsForDoctor(ctx, doctorA)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.NotNil(t, forA[0].RevokedAt)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
