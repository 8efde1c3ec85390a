package interfaces

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// WalletAddress is a lowercase-normalized hex wallet address. At most one
// profile may be bound to a given address at any time.
type WalletAddress string

// NewWalletAddress validates and normalizes a hex wallet address.
// Comparison is case-insensitive, so the address is always lowercased.
func NewWalletAddress(addr string) (WalletAddress, error) {
	if !ethcommon.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: invalid wallet address %q", ErrValidation, addr)
	}
	clean := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return WalletAddress("0x" + clean), nil
}

// String returns the normalized address string.
func (a WalletAddress) String() string {
	return string(a)
}

// EthAddress returns the address in go-ethereum's native form.
func (a WalletAddress) EthAddress() ethcommon.Address {
	return ethcommon.HexToAddress(string(a))
}

// ScopeAllRecords is the GrantScope covering every record a patient owns,
// present and future.
const ScopeAllRecords = GrantScope("*")

// GrantScope is the breadth of an access grant: a single record ID, or
// ScopeAllRecords.
type GrantScope string

// NewRecordScope creates a scope limited to a single record.
func NewRecordScope(recordID uuid.UUID) GrantScope {
	return GrantScope(recordID.String())
}

// IsAllRecords reports whether the scope covers every record of the patient.
func (s GrantScope) IsAllRecords() bool {
	return s == ScopeAllRecords
}

// Covers reports whether the scope includes the given record.
func (s GrantScope) Covers(recordID uuid.UUID) bool {
	return s.IsAllRecords() || string(s) == recordID.String()
}

// Validate checks the scope is either ScopeAllRecords or a well-formed record ID.
func (s GrantScope) Validate() error {
	if s.IsAllRecords() {
		return nil
	}
	if _, err := uuid.Parse(string(s)); err != nil {
		return fmt.Errorf("%w: invalid grant scope %q", ErrValidation, string(s))
	}
	return nil
}

// String returns the scope in its wire form.
func (s GrantScope) String() string {
	return string(s)
}

// ContentObject describes a stored blob. The ID is derived from the blob's
// bytes, so identical uploads always resolve to the same object.
type ContentObject struct {
	ID       ContentID `json:"id"`
	ByteSize int64     `json:"byte_size"`
	MimeType string    `json:"mime_type"`

	// Locator is a dereferenceable backend URI for the blob.
	Locator string `json:"locator"`

	// Degraded marks an object whose bytes were not durably persisted because
	// the backing store was unavailable. The ID is still content-derived, so a
	// later re-upload of the same bytes heals to the same object.
	Degraded bool `json:"degraded,omitempty"`
}

// Record is one entry in a patient's catalog. Records are owned exclusively by
// the patient and reference exactly one ContentObject. The catalog is
// append-only; there is no delete operation.
type Record struct {
	RecordID    uuid.UUID `json:"record_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	ContentID   ContentID `json:"content_id"`
	FileName    string    `json:"file_name"`
	Tags        []string  `json:"tags,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// AccessGrant is one entry in the grant ledger: a time-bounded permission for a
// doctor to read a patient's record(s). Grants are never deleted; revocation
// sets RevokedAt exactly once and expiry is evaluated lazily against ExpiresAt.
type AccessGrant struct {
	GrantID   uuid.UUID  `json:"grant_id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	PatientID uuid.UUID  `json:"patient_id"`
	Scope     GrantScope `json:"scope"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the grant authorizes access at the given instant.
func (g *AccessGrant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Authorizes reports whether the grant permits the doctor to read the given
// record of the patient at the given instant.
func (g *AccessGrant) Authorizes(doctorID, patientID, recordID uuid.UUID, now time.Time) bool {
	return g.DoctorID == doctorID && g.PatientID == patientID &&
		g.Active(now) && g.Scope.Covers(recordID)
}

// SharedFile is one entry in the doctor-to-patient delivery log. It is a push
// channel, distinct from the grant ledger: the doctor may not delete the entry
// after sharing, and the patient may only flip the Viewed flag.
type SharedFile struct {
	ID          uuid.UUID  `json:"id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	FileName    string     `json:"file_name"`
	ContentID   ContentID  `json:"content_id"`
	Description string     `json:"description,omitempty"`
	SharedAt    time.Time  `json:"shared_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Viewed      bool       `json:"viewed"`
	Degraded    bool       `json:"degraded,omitempty"`
}

// Expired reports whether the shared file is past its expiry at the given
// instant. Files without an expiry never expire.
func (f *SharedFile) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

// IdentityBinding associates a profile with a wallet address. A profile may
// exist without a binding; an address binds to at most one profile.
type IdentityBinding struct {
	ProfileID     uuid.UUID     `json:"profile_id"`
	WalletAddress WalletAddress `json:"wallet_address"`
	BoundAt       time.Time     `json:"bound_at"`
}

// SignatureVerifier checks a wallet signature over a challenge message.
// Implementations delegate to an external cryptographic library; the core does
// not implement signature schemes.
type SignatureVerifier interface {
	// Verify reports whether signature is a valid signature by address over
	// message. A malformed signature is an error, not a false result.
	Verify(address WalletAddress, message []byte, signature []byte) (bool, error)
}

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller lacks ownership or authority
	// over the entity it is trying to read or mutate.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned on duplicate wallet bindings and on concurrent
	// inserts that would violate the single-active-grant constraint.
	ErrConflict = errors.New("conflict")

	// ErrStoreUnavailable is returned when the backing blob or table store is
	// unreachable. It is recoverable: mutating callers enter degraded mode
	// rather than failing outright.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidSignature is returned when a wallet signature does not verify
	// or the signed challenge is stale.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNoSuchBinding is returned when authenticating a wallet address that
	// has no bound profile.
	ErrNoSuchBinding = errors.New("no such wallet binding")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")
)
