package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordStore persists the patient record catalog. The catalog is append-only:
// implementations expose no delete.
type RecordStore interface {
	// InsertRecord adds a new record to the catalog.
	InsertRecord(ctx context.Context, record *Record) error

	// GetRecord retrieves a record by ID. Returns ErrNotFound if absent.
	GetRecord(ctx context.Context, recordID uuid.UUID) (*Record, error)

	// ListRecordsByPatient returns the patient's records newest first, with a
	// stable tie-break on record ID when timestamps collide.
	ListRecordsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error)

	// UpdateRecordMeta replaces the tags and description of a record.
	UpdateRecordMeta(ctx context.Context, recordID uuid.UUID, tags []string, description string) error

	// MarkRecordHealed clears the degraded flag once content is durably stored.
	MarkRecordHealed(ctx context.Context, recordID uuid.UUID) error
}

// GrantStore persists the access-grant ledger. Grants are an append-mostly
// audit trail: rows are never deleted, and the only mutations are revocation
// and expiry extension.
//
// Implementations must enforce uniqueness of the active (doctor, patient,
// scope) tuple: InsertGrant returns ErrConflict if an active grant for the
// same tuple already exists. The ledger layers per-tuple serialization on top,
// but the store constraint is the backstop under concurrency.
type GrantStore interface {
	// InsertGrant appends a new grant. Returns ErrConflict if an active grant
	// for the same (doctor, patient, scope) tuple exists.
	InsertGrant(ctx context.Context, grant *AccessGrant) error

	// GetGrant retrieves a grant by ID. Returns ErrNotFound if absent.
	GetGrant(ctx context.Context, grantID uuid.UUID) (*AccessGrant, error)

	// FindActiveGrant returns the active grant for the exact tuple, or
	// ErrNotFound. Expiry is evaluated against now.
	FindActiveGrant(ctx context.Context, doctorID, patientID uuid.UUID, scope GrantScope, now time.Time) (*AccessGrant, error)

	// ListGrantsByPair returns every grant, active or not, between the doctor
	// and the patient, newest first.
	ListGrantsByPair(ctx context.Context, doctorID, patientID uuid.UUID) ([]*AccessGrant, error)

	// ListGrantsByPatient returns the patient's full grant history, newest first.
	ListGrantsByPatient(ctx context.Context, patientID uuid.UUID) ([]*AccessGrant, error)

	// ListGrantsByDoctor returns the doctor's full grant history, newest first.
	ListGrantsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*AccessGrant, error)

	// SetGrantExpiry updates ExpiresAt on an existing grant. A nil expiry makes
	// the grant unbounded.
	SetGrantExpiry(ctx context.Context, grantID uuid.UUID, expiresAt *time.Time) error

	// RevokeGrant sets RevokedAt if not already set. Revoking a revoked grant
	// is a no-op, not an error.
	RevokeGrant(ctx context.Context, grantID uuid.UUID, revokedAt time.Time) error
}

// SharedFileStore persists the doctor-to-patient delivery log. Entries are
// never deleted (audit integrity); the only mutation is the viewed flag.
type SharedFileStore interface {
	// InsertSharedFile appends a delivery-log entry.
	InsertSharedFile(ctx context.Context, file *SharedFile) error

	// GetSharedFile retrieves an entry by ID. Returns ErrNotFound if absent.
	GetSharedFile(ctx context.Context, id uuid.UUID) (*SharedFile, error)

	// ListSharedByDoctor returns files the doctor has pushed, newest first.
	ListSharedByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*SharedFile, error)

	// ListSharedByPatient returns files pushed to the patient, newest first.
	ListSharedByPatient(ctx context.Context, patientID uuid.UUID) ([]*SharedFile, error)

	// MarkViewed sets the viewed flag. Marking an already-viewed file is a
	// no-op.
	MarkViewed(ctx context.Context, id uuid.UUID) error

	// MarkSharedFileHealed clears the degraded flag once content is durably stored.
	MarkSharedFileHealed(ctx context.Context, id uuid.UUID) error
}

// BindingStore persists wallet-to-profile bindings. Addresses are stored
// lowercase and are unique across profiles.
type BindingStore interface {
	// InsertBinding stores a binding. Returns ErrConflict if the address is
	// already bound to a different profile.
	InsertBinding(ctx context.Context, binding *IdentityBinding) error

	// GetBindingByAddress resolves an address to its binding. Returns
	// ErrNotFound if the address is unbound.
	GetBindingByAddress(ctx context.Context, address WalletAddress) (*IdentityBinding, error)

	// GetBindingByProfile returns the profile's binding, or ErrNotFound.
	GetBindingByProfile(ctx context.Context, profileID uuid.UUID) (*IdentityBinding, error)
}
