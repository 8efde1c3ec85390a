package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/record-access-backend/grants"
	"github.com/carevault/record-access-backend/identity"
	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/registry"
	"github.com/carevault/record-access-backend/sharing"
	"github.com/carevault/record-access-backend/storage"
	"github.com/carevault/record-access-backend/tablestore"
)

// memBackend is a minimal in-memory blob backend for handler tests.
type memBackend struct {
	blobs map[string][]byte
}

func (b *memBackend) key(id interfaces.ContentID, ns interfaces.ContentNamespace) string {
	return fmt.Sprintf("%s/%s", ns, id)
}

func (b *memBackend) Fetch(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace) ([]byte, error) {
	data, ok := b.blobs[b.key(id, ns)]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return data, nil
}

func (b *memBackend) Store(ctx context.Context, data []byte, ns interfaces.ContentNamespace) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	b.blobs[b.key(id, ns)] = data
	return id, nil
}

func (b *memBackend) Available(ctx context.Context) bool { return true }
func (b *memBackend) Name() string                       { return "mem" }
func (b *memBackend) LocationURI() string                { return "mem:" }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := tablestore.NewMemoryStore()
	content := storage.NewContentStore(&memBackend{blobs: make(map[string][]byte)}, logger)
	ledger := grants.NewLedger(store, logger)
	reg := registry.NewRegistry(store, content, ledger, nil, logger)
	shares := sharing.NewLog(store, content, nil, logger)
	ident := identity.NewService(store, &identity.EthereumVerifier{}, identity.DefaultChallengeMaxAge, logger)

	handler := NewHandler(reg, ledger, shares, ident, logger)

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		MetricsAddr:              "",
		Log:                      logger,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)

	return srv.getRouter()
}

func doJSON(t *testing.T, router http.Handler, method, path string, callerID uuid.UUID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if callerID != uuid.Nil {
		req.Header.Set(ProfileHeader, callerID.String())
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeMutation(t *testing.T, w *httptest.ResponseRecorder, data interface{}) bool {
	t.Helper()
	var resp struct {
		Data     json.RawMessage `json:"data"`
		Degraded bool            `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, data))
	return resp.Degraded
}

func uploadBody(fileName string, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"file_name":      fileName,
		"mime_type":      "text/plain",
		"content_base64": base64.StdEncoding.EncodeToString(data),
	}
}

func TestHandler_RecordLifecycle(t *testing.T) {
	router := newTestRouter(t)
	patientID := uuid.New()

	w := doJSON(t, router, http.MethodPost, "/api/records/"+patientID.String(), patientID,
		uploadBody("labs.txt", []byte("lab values")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var record interfaces.Record
	degraded := decodeMutation(t, w, &record)
	assert.False(t, degraded)
	assert.Equal(t, patientID, record.PatientID)

	// Owner reads the content back.
	w = doJSON(t, router, http.MethodGet, "/api/records/"+record.RecordID.String()+"/content", patientID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lab values", w.Body.String())

	// Listing is public within the patient's own namespace.
	w = doJSON(t, router, http.MethodGet, "/api/records/"+patientID.String(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []interfaces.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.Len(t, records, 1)

	// Metadata update by the owner.
	w = doJSON(t, router, http.MethodPost, "/api/records/"+record.RecordID.String()+"/meta", patientID,
		map[string]interface{}{"tags": []string{"labs", "2026"}, "description": "august panel"})
	require.Equal(t, http.StatusOK, w.Code)

	// And not by anyone else.
	w = doJSON(t, router, http.MethodPost, "/api/records/"+record.RecordID.String()+"/meta", uuid.New(),
		map[string]interface{}{"tags": []string{"x"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The catalog entry reflects the update.
	w = doJSON(t, router, http.MethodGet, "/api/records/"+record.RecordID.String()+"/meta", patientID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var updated interfaces.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, []string{"labs", "2026"}, updated.Tags)
	assert.Equal(t, "august panel", updated.Description)
}

func TestHandler_RecordContent_RequiresGrant(t *testing.T) {
	router := newTestRouter(t)
	patientID := uuid.New()
	doctorID := uuid.New()

	w := doJSON(t, router, http.MethodPost, "/api/records/"+patientID.String(), patientID,
		uploadBody("mri.txt", []byte("scan data")))
	require.Equal(t, http.StatusCreated, w.Code)
	var record interfaces.Record
	decodeMutation(t, w, &record)

	contentPath := "/api/records/" + record.RecordID.String() + "/content"

	// No grant: denied.
	w = doJSON(t, router, http.MethodGet, contentPath, doctorID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The patient issues a grant.
	w = doJSON(t, router, http.MethodPost, "/api/grants", patientID, map[string]interface{}{
		"doctor_id": doctorID.String(),
		"scope":     "*",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var grant interfaces.AccessGrant
	decodeMutation(t, w, &grant)

	w = doJSON(t, router, http.MethodGet, contentPath, doctorID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "scan data", w.Body.String())

	// Revocation by the doctor is refused, by the patient it sticks.
	w = doJSON(t, router, http.MethodPost, "/api/grants/"+grant.GrantID.String()+"/revoke", doctorID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/grants/"+grant.GrantID.String()+"/revoke", patientID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, contentPath, doctorID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The authorization probe agrees.
	probe := fmt.Sprintf("/api/grants/authorized?doctor_id=%s&patient_id=%s&record_id=%s",
		doctorID, patientID, record.RecordID)
	w = doJSON(t, router, http.MethodGet, probe, uuid.Nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verdict map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verdict))
	assert.False(t, verdict["authorized"])
}

func TestHandler_Shares(t *testing.T) {
	router := newTestRouter(t)
	doctorID := uuid.New()
	patientID := uuid.New()

	w := doJSON(t, router, http.MethodPost, "/api/shares/"+patientID.String(), doctorID,
		uploadBody("summary.txt", []byte("discharge summary")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var file interfaces.SharedFile
	degraded := decodeMutation(t, w, &file)
	assert.False(t, degraded)
	assert.Equal(t, doctorID, file.DoctorID)

	// Both parties read the content; outsiders do not.
	contentPath := "/api/shares/" + file.ID.String() + "/content"
	for _, caller := range []uuid.UUID{doctorID, patientID} {
		w = doJSON(t, router, http.MethodGet, contentPath, caller, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "discharge summary", w.Body.String())
	}
	w = doJSON(t, router, http.MethodGet, contentPath, uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Viewed acknowledgement belongs to the patient.
	viewedPath := "/api/shares/" + file.ID.String() + "/viewed"
	w = doJSON(t, router, http.MethodPost, viewedPath, doctorID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodPost, viewedPath, patientID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/shares/patient/"+patientID.String(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var files []interfaces.SharedFile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.True(t, files[0].Viewed)
}

func TestHandler_Identity(t *testing.T) {
	router := newTestRouter(t)
	profileID := uuid.New()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := doJSON(t, router, http.MethodPost, "/api/identity/bind", uuid.Nil, map[string]interface{}{
		"profile_id":     profileID.String(),
		"wallet_address": address,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/identity/challenge", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var challengeResp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challengeResp))
	challenge := challengeResp["challenge"]
	require.NotEmpty(t, challenge)

	sig, err := crypto.Sign(accounts.TextHash([]byte(challenge)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	w = doJSON(t, router, http.MethodPost, "/api/identity/authenticate", uuid.Nil, map[string]interface{}{
		"wallet_address": address,
		"signature":      hex.EncodeToString(sig),
		"challenge":      challenge,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var authResp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &authResp))
	assert.Equal(t, profileID.String(), authResp["profile_id"])

	// A garbage signature maps to 401.
	w = doJSON(t, router, http.MethodPost, "/api/identity/authenticate", uuid.Nil, map[string]interface{}{
		"wallet_address": address,
		"signature":      hex.EncodeToString(bytes.Repeat([]byte{0x01}, 65)),
		"challenge":      challenge,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	router := newTestRouter(t)
	callerID := uuid.New()

	// Malformed path ID.
	w := doJSON(t, router, http.MethodGet, "/api/records/not-a-uuid", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing caller header on an endpoint that needs one.
	w = doJSON(t, router, http.MethodGet, "/api/records/"+uuid.New().String()+"/content", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown entity.
	w = doJSON(t, router, http.MethodPost, "/api/grants/"+uuid.New().String()+"/revoke", callerID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed JSON body.
	req := httptest.NewRequest(http.MethodPost, "/api/grants", bytes.NewBufferString("{nope"))
	req.Header.Set(ProfileHeader, callerID.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Self-grant is a validation error.
	w = doJSON(t, router, http.MethodPost, "/api/grants", callerID, map[string]interface{}{
		"doctor_id": callerID.String(),
		"scope":     "*",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_HealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/livez", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/drain", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", uuid.Nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doJSON(t, router, http.MethodGet, "/undrain", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
