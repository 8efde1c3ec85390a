package httpserver

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/record-access-backend/grants"
	"github.com/carevault/record-access-backend/identity"
	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/metrics"
	"github.com/carevault/record-access-backend/registry"
	"github.com/carevault/record-access-backend/sharing"
)

// Header constants used in HTTP requests and responses.
const (
	// ProfileHeader carries the authenticated caller's profile ID. It is set
	// by the API gateway after wallet authentication.
	ProfileHeader = "X-Carevault-Profile"

	// maxBodySize is the maximum allowed request body size (32MB, uploads
	// included).
	maxBodySize = 32 * 1024 * 1024
)

// Handler processes HTTP requests for the record registry, grant ledger,
// sharing log, and identity binding services.
type Handler struct {
	registry *registry.Registry
	ledger   *grants.Ledger
	sharing  *sharing.Log
	identity *identity.Service
	log      *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified services.
func NewHandler(reg *registry.Registry, ledger *grants.Ledger, shares *sharing.Log, ident *identity.Service, log *slog.Logger) *Handler {
	return &Handler{
		registry: reg,
		ledger:   ledger,
		sharing:  shares,
		identity: ident,
		log:      log,
	}
}

// uploadRequest is the JSON body for record uploads and file shares.
type uploadRequest struct {
	FileName      string   `json:"file_name"`
	MimeType      string   `json:"mime_type"`
	ContentBase64 string   `json:"content_base64"`
	Tags          []string `json:"tags,omitempty"`
	Description   string   `json:"description,omitempty"`
	ExpiresAt     *string  `json:"expires_at,omitempty"`
}

func (req *uploadRequest) decodeContent() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: content must be base64", interfaces.ErrValidation)
	}
	return data, nil
}

// mutationResponse wraps a mutation result with its degraded flag so callers
// can warn the user when the blob store was down.
type mutationResponse struct {
	Data     interface{} `json:"data"`
	Degraded bool        `json:"degraded"`
}

// HandleCreateRecord handles POST /api/records/{patient_id}.
func (h *Handler) HandleCreateRecord(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathUUID(r, "patient_id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	data, err := req.decodeContent()
	if err != nil {
		h.writeError(w, err)
		return
	}

	record, err := h.registry.CreateRecord(r.Context(), patientID, registry.Upload{
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		Data:        data,
		Tags:        req.Tags,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.RecordsCreated.Inc()
	if record.Degraded {
		metrics.RecordsDegraded.Inc()
	}
	h.writeJSON(w, http.StatusCreated, mutationResponse{Data: record, Degraded: record.Degraded})
}

// HandleListRecords handles GET /api/records/{patient_id}.
func (h *Handler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathUUID(r, "patient_id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.registry.ListRecords(r.Context(), patientID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// HandleGetRecord handles GET /api/records/{record_id}/meta.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := pathUUID(r, "record_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	record, err := h.registry.GetRecord(r.Context(), recordID, callerID, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleUpdateTags handles POST /api/records/{record_id}/meta.
func (h *Handler) HandleUpdateTags(w http.ResponseWriter, r *http.Request) {
	recordID, err := pathUUID(r, "record_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		Tags        []string `json:"tags"`
		Description string   `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.registry.UpdateTags(r.Context(), recordID, callerID, req.Tags, req.Description); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// HandleRecordContent handles GET /api/records/{record_id}/content.
func (h *Handler) HandleRecordContent(w http.ResponseWriter, r *http.Request) {
	recordID, err := pathUUID(r, "record_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data, err := h.registry.GetRecordContent(r.Context(), recordID, callerID, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleRecordURL handles GET /api/records/{record_id}/url?ttl_seconds=N.
func (h *Handler) HandleRecordURL(w http.ResponseWriter, r *http.Request) {
	recordID, err := pathUUID(r, "record_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ttl := 15 * time.Minute
	if raw := r.URL.Query().Get("ttl_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			h.writeError(w, fmt.Errorf("%w: invalid ttl_seconds", interfaces.ErrValidation))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	url, err := h.registry.SignedContentURL(r.Context(), recordID, callerID, time.Now().UTC(), ttl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// HandleCreateGrant handles POST /api/grants. The caller must be the granting
// patient.
func (h *Handler) HandleCreateGrant(w http.ResponseWriter, r *http.Request) {
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		DoctorID  string  `json:"doctor_id"`
		Scope     string  `json:"scope"`
		ExpiresAt *string `json:"expires_at,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid doctor ID", interfaces.ErrValidation))
		return
	}

	expiresAt, err := parseOptionalTime(req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}

	grant, err := h.ledger.CreateGrant(r.Context(), callerID, doctorID, interfaces.GrantScope(req.Scope), expiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.GrantsCreated.Inc()
	h.writeJSON(w, http.StatusCreated, mutationResponse{Data: grant})
}

// HandleRevokeGrant handles POST /api/grants/{grant_id}/revoke.
func (h *Handler) HandleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	grantID, err := pathUUID(r, "grant_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.ledger.RevokeGrant(r.Context(), grantID, callerID); err != nil {
		h.writeError(w, err)
		return
	}

	metrics.GrantsRevoked.Inc()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleIsAuthorized handles GET /api/grants/authorized.
func (h *Handler) HandleIsAuthorized(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doctorID, err := uuid.Parse(q.Get("doctor_id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid doctor_id", interfaces.ErrValidation))
		return
	}
	patientID, err := uuid.Parse(q.Get("patient_id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid patient_id", interfaces.ErrValidation))
		return
	}
	recordID, err := uuid.Parse(q.Get("record_id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid record_id", interfaces.ErrValidation))
		return
	}

	ok, err := h.ledger.IsAuthorized(r.Context(), doctorID, patientID, recordID, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		metrics.AuthDenied.Inc()
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"authorized": ok})
}

// HandleListGrantsForPatient handles GET /api/grants/patient/{patient_id}.
func (h *Handler) HandleListGrantsForPatient(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathUUID(r, "patient_id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	grantList, err := h.ledger.ListGrantsForPatient(r.Context(), patientID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, grantList)
}

// HandleListGrantsForDoctor handles GET /api/grants/doctor/{doctor_id}.
func (h *Handler) HandleListGrantsForDoctor(w http.ResponseWriter, r *http.Request) {
	doctorID, err := pathUUID(r, "doctor_id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	grantList, err := h.ledger.ListGrantsForDoctor(r.Context(), doctorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, grantList)
}

// HandleShareFile handles POST /api/shares/{patient_id}. The caller is the
// sharing doctor.
func (h *Handler) HandleShareFile(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathUUID(r, "patient_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	data, err := req.decodeContent()
	if err != nil {
		h.writeError(w, err)
		return
	}
	expiresAt, err := parseOptionalTime(req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}

	file, err := h.sharing.ShareFile(r.Context(), callerID, patientID, sharing.Upload{
		FileName:  req.FileName,
		MimeType:  req.MimeType,
		Data:      data,
		ExpiresAt: expiresAt,
	}, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.FilesShared.Inc()
	h.writeJSON(w, http.StatusCreated, mutationResponse{Data: file, Degraded: file.Degraded})
}

// HandleMarkViewed handles POST /api/shares/{shared_file_id}/viewed.
func (h *Handler) HandleMarkViewed(w http.ResponseWriter, r *http.Request) {
	sharedFileID, err := pathUUID(r, "shared_file_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.sharing.MarkViewed(r.Context(), sharedFileID, callerID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "viewed"})
}

// HandleListSharesForDoctor handles GET /api/shares/doctor/{doctor_id}.
func (h *Handler) HandleListSharesForDoctor(w http.ResponseWriter, r *http.Request) {
	doctorID, err := pathUUID(r, "doctor_id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	files, err := h.sharing.ListForDoctor(r.Context(), doctorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, files)
}

// HandleListSharesForPatient handles GET /api/shares/patient/{patient_id}.
func (h *Handler) HandleListSharesForPatient(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathUUID(r, "patient_id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	files, err := h.sharing.ListForPatient(r.Context(), patientID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, files)
}

// HandleSharedContent handles GET /api/shares/{shared_file_id}/content.
func (h *Handler) HandleSharedContent(w http.ResponseWriter, r *http.Request) {
	sharedFileID, err := pathUUID(r, "shared_file_id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	callerID, err := callerProfile(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data, err := h.sharing.GetSharedContent(r.Context(), sharedFileID, callerID, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleBindWallet handles POST /api/identity/bind.
func (h *Handler) HandleBindWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID     string `json:"profile_id"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	profileID, err := uuid.Parse(req.ProfileID)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid profile ID", interfaces.ErrValidation))
		return
	}

	binding, err := h.identity.BindWallet(r.Context(), profileID, req.WalletAddress)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, binding)
}

// HandleChallenge handles GET /api/identity/challenge.
func (h *Handler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.identity.Challenge(time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
}

// HandleAuthenticate handles POST /api/identity/authenticate.
func (h *Handler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"wallet_address"`
		SignatureHex  string `json:"signature"`
		Challenge     string `json:"challenge"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	signature, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: signature must be hex", interfaces.ErrValidation))
		return
	}

	profileID, err := h.identity.AuthenticateByWallet(r.Context(), req.WalletAddress, signature, req.Challenge, time.Now().UTC())
	if err != nil {
		metrics.WalletAuthFailure.Inc()
		h.writeError(w, err)
		return
	}

	metrics.WalletAuthSuccess.Inc()
	h.writeJSON(w, http.StatusOK, map[string]string{"profile_id": profileID.String()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps sentinel error kinds to HTTP status codes. Unknown errors
// surface as 500 without leaking internals.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	var kind string

	switch {
	case errors.Is(err, interfaces.ErrValidation):
		status, kind = http.StatusBadRequest, "validation_error"
	case errors.Is(err, interfaces.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, interfaces.ErrForbidden):
		status, kind = http.StatusForbidden, "forbidden"
	case errors.Is(err, interfaces.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, interfaces.ErrInvalidSignature):
		status, kind = http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, interfaces.ErrNoSuchBinding):
		status, kind = http.StatusUnauthorized, "no_such_binding"
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	default:
		h.log.Error("Internal error", "err", err)
		status, kind = http.StatusInternalServerError, "internal"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": kind})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": err.Error()})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", interfaces.ErrValidation)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: missing %s in URL", interfaces.ErrValidation, name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", interfaces.ErrValidation, name)
	}
	return id, nil
}

func callerProfile(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(ProfileHeader)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: missing %s header", interfaces.ErrValidation, ProfileHeader)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s header", interfaces.ErrValidation, ProfileHeader)
	}
	return id, nil
}

func parseOptionalTime(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamps must be RFC3339", interfaces.ErrValidation)
	}
	utc := t.UTC()
	return &utc, nil
}
