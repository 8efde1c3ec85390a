// Package grants implements the access-grant ledger: creation, lazy expiry
// evaluation, and revocation of doctor-patient-record permissions.
//
// The ledger is an append-mostly audit trail. Grants are never deleted;
// revocation sets RevokedAt exactly once and expiry is a pure comparison of
// ExpiresAt against the caller-supplied clock at authorization time. There is
// no stored "expired" state and no background sweep.
//
// Writes to a given (doctor, patient, scope) tuple are totally ordered by a
// per-tuple lock, and the grant store's uniqueness constraint on the active
// tuple backstops the ordering under concurrency: at most one active grant
// exists per tuple at any instant.
package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/record-access-backend/interfaces"
)

// Ledger owns the grant lifecycle and the central authorization predicate.
type Ledger struct {
	store interfaces.GrantStore
	log   *slog.Logger

	mu         sync.Mutex
	tupleLocks map[string]*sync.Mutex
}

// NewLedger creates a grant ledger backed by the given store.
func NewLedger(store interfaces.GrantStore, log *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		log:        log,
		tupleLocks: make(map[string]*sync.Mutex),
	}
}

// lockTuple returns the mutex serializing writes for one (doctor, patient,
// scope) tuple. Locks are retained for the process lifetime; the set is
// bounded by the number of distinct tuples ever written.
func (l *Ledger) lockTuple(doctorID, patientID uuid.UUID, scope interfaces.GrantScope) *sync.Mutex {
	key := fmt.Sprintf("%s|%s|%s", doctorID, patientID, scope)

	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.tupleLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.tupleLocks[key] = lock
	}
	return lock
}

// IsAuthorized reports whether the doctor may read the patient's record at
// the given instant: an unrevoked, unexpired grant must exist whose scope is
// the record itself or all records.
//
// Expiry is evaluated lazily against now on every call; clock correctness is
// an external dependency of this predicate.
func (l *Ledger) IsAuthorized(ctx context.Context, doctorID, patientID, recordID uuid.UUID, now time.Time) (bool, error) {
	grantList, err := l.store.ListGrantsByPair(ctx, doctorID, patientID)
	if err != nil {
		// Never authorize on error paths.
		return false, fmt.Errorf("failed to load grants for authorization: %w", err)
	}

	for _, grant := range grantList {
		if grant.Authorizes(doctorID, patientID, recordID, now) {
			return true, nil
		}
	}
	return false, nil
}

// CreateGrant issues a time-bounded permission for the doctor over the
// patient's record(s).
//
// Tuple policy: if an active grant already exists for the exact (doctor,
// patient, scope) tuple, the existing grant is reused and extended rather
// than duplicated or rejected. The resulting expiry is the later of the two;
// a nil expiry (unbounded) always wins. The policy is extend, consistently —
// callers never receive an AlreadyGranted error.
func (l *Ledger) CreateGrant(ctx context.Context, patientID, doctorID uuid.UUID, scope interfaces.GrantScope, expiresAt *time.Time) (*interfaces.AccessGrant, error) {
	if patientID == uuid.Nil || doctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient and doctor IDs are required", interfaces.ErrValidation)
	}
	if patientID == doctorID {
		return nil, fmt.Errorf("%w: a patient cannot grant access to themselves", interfaces.ErrValidation)
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", interfaces.ErrValidation)
	}

	lock := l.lockTuple(doctorID, patientID, scope)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := l.store.FindActiveGrant(ctx, doctorID, patientID, scope, now); err == nil {
		return l.extendGrant(ctx, existing, expiresAt)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for active grant: %w", err)
	}

	grant := &interfaces.AccessGrant{
		GrantID:   uuid.New(),
		DoctorID:  doctorID,
		PatientID: patientID,
		Scope:     scope,
		GrantedAt: now,
		ExpiresAt: expiresAt,
	}

	if err := l.store.InsertGrant(ctx, grant); err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			// A racing writer on another node inserted first; fold into the
			// winning grant instead of surfacing the conflict.
			existing, findErr := l.store.FindActiveGrant(ctx, doctorID, patientID, scope, now)
			if findErr != nil {
				return nil, fmt.Errorf("grant insert conflicted but active grant not found: %w", findErr)
			}
			return l.extendGrant(ctx, existing, expiresAt)
		}
		return nil, fmt.Errorf("failed to insert grant: %w", err)
	}

	l.log.Info("Access grant created",
		slog.String("grant_id", grant.GrantID.String()),
		slog.String("doctor_id", doctorID.String()),
		slog.String("patient_id", patientID.String()),
		slog.String("scope", scope.String()))

	return grant, nil
}

// extendGrant widens the expiry of an existing active grant to cover the
// requested one. The grant row itself is reused; the operation never produces
// a second active grant for the tuple.
func (l *Ledger) extendGrant(ctx context.Context, existing *interfaces.AccessGrant, requested *time.Time) (*interfaces.AccessGrant, error) {
	extended := laterExpiry(existing.ExpiresAt, requested)

	if !sameExpiry(existing.ExpiresAt, extended) {
		if err := l.store.SetGrantExpiry(ctx, existing.GrantID, extended); err != nil {
			return nil, fmt.Errorf("failed to extend grant expiry: %w", err)
		}
		existing.ExpiresAt = extended

		l.log.Info("Access grant extended",
			slog.String("grant_id", existing.GrantID.String()),
			slog.Any("expires_at", extended))
	}

	return existing, nil
}

// laterExpiry picks the wider of two expiries; nil (unbounded) dominates.
func laterExpiry(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if b.After(*a) {
		return b
	}
	return a
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RevokeGrant revokes a grant on behalf of its patient.
//
// Only the patient that issued the grant may revoke it. Revocation is
// idempotent: revoking an already-revoked grant succeeds without effect.
// Once revoked, IsAuthorized returns false for the grant on every subsequent
// evaluation.
func (l *Ledger) RevokeGrant(ctx context.Context, grantID, callerID uuid.UUID) error {
	grant, err := l.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}

	if grant.PatientID != callerID {
		return fmt.Errorf("%w: only the granting patient may revoke", interfaces.ErrForbidden)
	}

	lock := l.lockTuple(grant.DoctorID, grant.PatientID, grant.Scope)
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.RevokeGrant(ctx, grantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	l.log.Info("Access grant revoked",
		slog.String("grant_id", grantID.String()),
		slog.String("patient_id", callerID.String()))
	return nil
}

// GetGrant returns a single ledger entry.
func (l *Ledger) GetGrant(ctx context.Context, grantID uuid.UUID) (*interfaces.AccessGrant, error) {
	return l.store.GetGrant(ctx, grantID)
}

// ListGrantsForPatient returns the patient's full grant history, newest
// first, including revoked and expired entries (the ledger is an audit
// trail).
func (l *Ledger) ListGrantsForPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return l.store.ListGrantsByPatient(ctx, patientID)
}

// ListGrantsForDoctor returns the doctor's full grant history, newest first.
func (l *Ledger) ListGrantsForDoctor(ctx context.Context, doctorID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return l.store.ListGrantsByDoctor(ctx, doctorID)
}
