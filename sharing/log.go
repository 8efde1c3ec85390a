// Package sharing implements the doctor-to-patient delivery log: a push
// channel through which a doctor hands a file directly to a patient.
//
// This channel is deliberately distinct from the grant ledger. A push does
// not consult or require a grant; it is coarser-grained, and the log is an
// audit trail the doctor cannot retract from. The patient's only mutation is
// acknowledging a file as viewed.
package sharing

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

// Upload is the caller-supplied input for a pushed file.
type Upload struct {
	FileName  string
	MimeType  string
	Data      []byte
	ExpiresAt *time.Time
}

// Log owns the shared-file delivery log.
type Log struct {
	shared  interfaces.SharedFileStore
	content *storage.ContentStore
	journal *tablestore.DegradedJournal
	log     *slog.Logger
}

// NewLog creates a sharing log. The journal may be nil.
func NewLog(shared interfaces.SharedFileStore, content *storage.ContentStore, journal *tablestore.DegradedJournal, log *slog.Logger) *Log {
	return &Log{
		shared:  shared,
		content: content,
		journal: journal,
		log:     log,
	}
}

// ShareFile pushes a file from doctor to patient.
//
// Same degraded contract as record creation: blob-store unavailability does
// not fail the push; the entry is persisted degraded and journaled for
// reconciliation.
func (s *Log) ShareFile(ctx context.Context, doctorID, patientID uuid.UUID, upload Upload, description string) (*interfaces.SharedFile, error) {
	if doctorID == uuid.Nil || patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctor and patient IDs are required", interfaces.ErrValidation)
	}
	if upload.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", interfaces.ErrValidation)
	}
	if len(upload.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", interfaces.ErrValidation)
	}

	obj, err := s.content.Put(ctx, upload.Data, upload.MimeType, interfaces.SharedContent)
	degraded := false
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		degraded = true
	default:
		return nil, err
	}

	file := &interfaces.SharedFile{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		PatientID:   patientID,
		FileName:    upload.FileName,
		ContentID:   obj.ID,
		Description: description,
		SharedAt:    time.Now().UTC(),
		ExpiresAt:   upload.ExpiresAt,
		Degraded:    degraded,
	}

	if err := s.shared.InsertSharedFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to log shared file: %w", err)
	}

	if degraded && s.journal != nil {
		if jerr := s.journal.Append(&tablestore.JournalEntry{
			Kind:      tablestore.JournalKindSharedFile,
			EntityID:  file.ID,
			ContentID: obj.ID,
			Namespace: int(interfaces.SharedContent),
			MimeType:  upload.MimeType,
			Content:   upload.Data,
			LoggedAt:  file.SharedAt,
		}); jerr != nil {
			s.log.Error("Failed to journal degraded shared file", "err", jerr,
				slog.String("shared_file_id", file.ID.String()))
		}
	}

	s.log.Info("File shared",
		slog.String("shared_file_id", file.ID.String()),
		slog.String("doctor_id", doctorID.String()),
		slog.String("patient_id", patientID.String()),
		slog.Bool("degraded", degraded))

	return file, nil
}

// MarkViewed acknowledges a shared file on behalf of the receiving patient.
// Idempotent: marking an already-viewed file succeeds without effect.
func (s *Log) MarkViewed(ctx context.Context, sharedFileID, callerID uuid.UUID) error {
	file, err := s.shared.GetSharedFile(ctx, sharedFileID)
	if err != nil {
		return err
	}

	if file.PatientID != callerID {
		return fmt.Errorf("%w: only the receiving patient may mark a file viewed", interfaces.ErrForbidden)
	}

	if file.Viewed {
		return nil
	}
	return s.shared.MarkViewed(ctx, sharedFileID)
}

// ListForDoctor returns files the doctor has pushed, newest first.
func (s *Log) ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]*interfaces.SharedFile, error) {
	if doctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctor ID is required", interfaces.ErrValidation)
	}
	return s.shared.ListSharedByDoctor(ctx, doctorID)
}

// ListForPatient returns files pushed to the patient, newest first.
func (s *Log) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.SharedFile, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient ID is required", interfaces.ErrValidation)
	}
	return s.shared.ListSharedByPatient(ctx, patientID)
}

// GetSharedContent returns the pushed file's bytes. Only the sharing doctor
// or the receiving patient may read it, and an expired share is no longer
// readable by the patient-facing path.
func (s *Log) GetSharedContent(ctx context.Context, sharedFileID, callerID uuid.UUID, now time.Time) ([]byte, error) {
	file, err := s.shared.GetSharedFile(ctx, sharedFileID)
	if err != nil {
		return nil, err
	}

	if callerID != file.DoctorID && callerID != file.PatientID {
		return nil, fmt.Errorf("%w: caller is not a party to this share", interfaces.ErrForbidden)
	}
	if file.Expired(now) {
		return nil, fmt.Errorf("%w: share expired", interfaces.ErrForbidden)
	}

	return s.content.Get(ctx, file.ContentID, interfaces.SharedContent)
}
