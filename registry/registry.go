package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/storage"
	"github.com/carevault/record-access-backend/tablestore"
)

// Authorizer decides whether a doctor may read a patient's record at a given
// instant. Satisfied by the grant ledger.
type Authorizer interface {
	IsAuthorized(ctx context.Context, doctorID, patientID, recordID uuid.UUID, now time.Time) (bool, error)
}

// Upload is the caller-supplied input for a new record.
type Upload struct {
	FileName    string
	MimeType    string
	Data        []byte
	Tags        []string
	Description string
}

// Registry owns the patient record catalog.
type Registry struct {
	records    interfaces.RecordStore
	content    *storage.ContentStore
	authorizer Authorizer
	journal    *tablestore.DegradedJournal
	log        *slog.Logger
}

// NewRegistry creates a record registry. The journal may be nil, in which
// case degraded records are still created but cannot be healed automatically.
func NewRegistry(records interfaces.RecordStore, content *storage.ContentStore, authorizer Authorizer, journal *tablestore.DegradedJournal, log *slog.Logger) *Registry {
	return &Registry{
		records:    records,
		content:    content,
		authorizer: authorizer,
		journal:    journal,
		log:        log,
	}
}

// CreateRecord stores the uploaded content and registers a catalog entry
// referencing it.
//
// The operation succeeds locally even when the blob store is unavailable: the
// returned record then carries Degraded=true and a content ID computed from
// the bytes, and the bytes are journaled for reconciliation. It fails only on
// invalid input.
func (r *Registry) CreateRecord(ctx context.Context, patientID uuid.UUID, upload Upload) (*interfaces.Record, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient ID is required", interfaces.ErrValidation)
	}
	if upload.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", interfaces.ErrValidation)
	}
	if len(upload.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", interfaces.ErrValidation)
	}

	obj, err := r.content.Put(ctx, upload.Data, upload.MimeType, interfaces.RecordContent)
	degraded := false
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		degraded = true
	default:
		return nil, err
	}

	record := &interfaces.Record{
		RecordID:    uuid.New(),
		PatientID:   patientID,
		ContentID:   obj.ID,
		FileName:    upload.FileName,
		Tags:        append([]string(nil), upload.Tags...),
		Description: upload.Description,
		CreatedAt:   time.Now().UTC(),
		Degraded:    degraded,
	}

	if err := r.records.InsertRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to register record: %w", err)
	}

	if degraded && r.journal != nil {
		if jerr := r.journal.Append(&tablestore.JournalEntry{
			Kind:      tablestore.JournalKindRecord,
			EntityID:  record.RecordID,
			ContentID: obj.ID,
			Namespace: int(interfaces.RecordContent),
			MimeType:  upload.MimeType,
			Content:   upload.Data,
			LoggedAt:  record.CreatedAt,
		}); jerr != nil {
			// The record stays degraded; reconciliation will need the caller
			// to re-upload.
			r.log.Error("Failed to journal degraded record", "err", jerr,
				slog.String("record_id", record.RecordID.String()))
		}
	}

	r.log.Info("Record created",
		slog.String("record_id", record.RecordID.String()),
		slog.String("patient_id", patientID.String()),
		slog.String("content_id", record.ContentID.String()),
		slog.Bool("degraded", degraded))

	return record, nil
}

// GetRecord returns a single catalog entry, restricted to the owning patient
// or a doctor holding an active grant covering it.
func (r *Registry) GetRecord(ctx context.Context, recordID, callerID uuid.UUID, now time.Time) (*interfaces.Record, error) {
	record, err := r.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if err := r.authorizeRead(ctx, record, callerID, now); err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns the patient's records, newest first with a stable
// record-ID tie-break.
func (r *Registry) ListRecords(ctx context.Context, patientID uuid.UUID) ([]*interfaces.Record, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient ID is required", interfaces.ErrValidation)
	}
	return r.records.ListRecordsByPatient(ctx, patientID)
}

// UpdateTags replaces the tags and description of a record. Only the owning
// patient may mutate record metadata.
func (r *Registry) UpdateTags(ctx context.Context, recordID, callerID uuid.UUID, tags []string, description string) error {
	record, err := r.records.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}

	if record.PatientID != callerID {
		return fmt.Errorf("%w: only the owner may update record metadata", interfaces.ErrForbidden)
	}

	return r.records.UpdateRecordMeta(ctx, recordID, tags, description)
}

// GetRecordContent returns the record's raw content bytes.
//
// The caller must be the owning patient or a doctor with an active grant
// whose scope covers the record. The authorization check happens before any
// storage access and is never bypassed when storage fails.
func (r *Registry) GetRecordContent(ctx context.Context, recordID, callerID uuid.UUID, now time.Time) ([]byte, error) {
	record, err := r.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if err := r.authorizeRead(ctx, record, callerID, now); err != nil {
		return nil, err
	}

	return r.content.Get(ctx, record.ContentID, interfaces.RecordContent)
}

// SignedContentURL returns a time-limited download URL for the record's
// content, under the same authorization rule as GetRecordContent.
func (r *Registry) SignedContentURL(ctx context.Context, recordID, callerID uuid.UUID, now time.Time, ttl time.Duration) (string, error) {
	record, err := r.records.GetRecord(ctx, recordID)
	if err != nil {
		return "", err
	}

	if err := r.authorizeRead(ctx, record, callerID, now); err != nil {
		return "", err
	}

	return r.content.SignedURL(ctx, record.ContentID, interfaces.RecordContent, ttl)
}

func (r *Registry) authorizeRead(ctx context.Context, record *interfaces.Record, callerID uuid.UUID, now time.Time) error {
	if record.PatientID == callerID {
		return nil
	}

	ok, err := r.authorizer.IsAuthorized(ctx, callerID, record.PatientID, record.RecordID, now)
	if err != nil {
		return fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no active grant covers record %s", interfaces.ErrForbidden, record.RecordID)
	}
	return nil
}
