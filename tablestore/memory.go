package tablestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/record-access-backend/interfaces"
)

// MemoryStore is an in-memory implementation of every table-store interface.
// All access is synchronized; no shared mutable state leaks out (returned
// entities are copies).
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*interfaces.Record
	grants   map[uuid.UUID]*interfaces.AccessGrant
	shared   map[uuid.UUID]*interfaces.SharedFile
	bindings map[interfaces.WalletAddress]*interfaces.IdentityBinding
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[uuid.UUID]*interfaces.Record),
		grants:   make(map[uuid.UUID]*interfaces.AccessGrant),
		shared:   make(map[uuid.UUID]*interfaces.SharedFile),
		bindings: make(map[interfaces.WalletAddress]*interfaces.IdentityBinding),
	}
}

var (
	_ interfaces.RecordStore     = (*MemoryStore)(nil)
	_ interfaces.GrantStore      = (*MemoryStore)(nil)
	_ interfaces.SharedFileStore = (*MemoryStore)(nil)
	_ interfaces.BindingStore    = (*MemoryStore)(nil)
)

// InsertRecord adds a new record to the catalog.
func (s *MemoryStore) InsertRecord(ctx context.Context, record *interfaces.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.RecordID]; exists {
		return fmt.Errorf("%w: record %s already exists", interfaces.ErrConflict, record.RecordID)
	}

	clone := cloneRecord(record)
	s.records[record.RecordID] = clone
	return nil
}

// GetRecord retrieves a record by ID.
func (s *MemoryStore) GetRecord(ctx context.Context, recordID uuid.UUID) (*interfaces.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneRecord(record), nil
}

// ListRecordsByPatient returns the patient's records newest first with a
// stable record-ID tie-break.
func (s *MemoryStore) ListRecordsByPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.Record
	for _, record := range s.records {
		if record.PatientID == patientID {
			out = append(out, cloneRecord(record))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RecordID.String() > out[j].RecordID.String()
	})
	return out, nil
}

// UpdateRecordMeta replaces the tags and description of a record.
func (s *MemoryStore) UpdateRecordMeta(ctx context.Context, recordID uuid.UUID, tags []string, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordID]
	if !ok {
		return interfaces.ErrNotFound
	}
	record.Tags = append([]string(nil), tags...)
	record.Description = description
	return nil
}

// MarkRecordHealed clears the degraded flag.
func (s *MemoryStore) MarkRecordHealed(ctx context.Context, recordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordID]
	if !ok {
		return interfaces.ErrNotFound
	}
	record.Degraded = false
	return nil
}

// InsertGrant appends a new grant, refusing a duplicate active tuple.
func (s *MemoryStore) InsertGrant(ctx context.Context, grant *interfaces.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.GrantID]; exists {
		return fmt.Errorf("%w: grant %s already exists", interfaces.ErrConflict, grant.GrantID)
	}

	// The active-tuple constraint mirrors the Postgres partial unique index.
	for _, existing := range s.grants {
		if existing.DoctorID == grant.DoctorID &&
			existing.PatientID == grant.PatientID &&
			existing.Scope == grant.Scope &&
			existing.RevokedAt == nil {
			return fmt.Errorf("%w: active grant exists for tuple (%s, %s, %s)",
				interfaces.ErrConflict, grant.DoctorID, grant.PatientID, grant.Scope)
		}
	}

	s.grants[grant.GrantID] = cloneGrant(grant)
	return nil
}

// GetGrant retrieves a grant by ID.
func (s *MemoryStore) GetGrant(ctx context.Context, grantID uuid.UUID) (*interfaces.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[grantID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneGrant(grant), nil
}

// FindActiveGrant returns the unrevoked, unexpired grant for the exact tuple.
func (s *MemoryStore) FindActiveGrant(ctx context.Context, doctorID, patientID uuid.UUID, scope interfaces.GrantScope, now time.Time) (*interfaces.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, grant := range s.grants {
		if grant.DoctorID == doctorID &&
			grant.PatientID == patientID &&
			grant.Scope == scope &&
			grant.Active(now) {
			return cloneGrant(grant), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

// ListGrantsByPair returns all grants between a doctor and patient, newest first.
func (s *MemoryStore) ListGrantsByPair(ctx context.Context, doctorID, patientID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return s.listGrants(func(g *interfaces.AccessGrant) bool {
		return g.DoctorID == doctorID && g.PatientID == patientID
	})
}

// ListGrantsByPatient returns the patient's grant history, newest first.
func (s *MemoryStore) ListGrantsByPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return s.listGrants(func(g *interfaces.AccessGrant) bool {
		return g.PatientID == patientID
	})
}

// ListGrantsByDoctor returns the doctor's grant history, newest first.
func (s *MemoryStore) ListGrantsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return s.listGrants(func(g *interfaces.AccessGrant) bool {
		return g.DoctorID == doctorID
	})
}

func (s *MemoryStore) listGrants(match func(*interfaces.AccessGrant) bool) ([]*interfaces.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.AccessGrant
	for _, grant := range s.grants {
		if match(grant) {
			out = append(out, cloneGrant(grant))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.After(out[j].GrantedAt)
		}
		return out[i].GrantID.String() > out[j].GrantID.String()
	})
	return out, nil
}

// SetGrantExpiry updates ExpiresAt on an existing grant.
func (s *MemoryStore) SetGrantExpiry(ctx context.Context, grantID uuid.UUID, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[grantID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if expiresAt == nil {
		grant.ExpiresAt = nil
	} else {
		t := *expiresAt
		grant.ExpiresAt = &t
	}
	return nil
}

// RevokeGrant sets RevokedAt once; revoking again is a no-op.
func (s *MemoryStore) RevokeGrant(ctx context.Context, grantID uuid.UUID, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[grantID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if grant.RevokedAt != nil {
		return nil
	}
	t := revokedAt
	grant.RevokedAt = &t
	return nil
}

// InsertSharedFile appends a delivery-log entry.
func (s *MemoryStore) InsertSharedFile(ctx context.Context, file *interfaces.SharedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.shared[file.ID]; exists {
		return fmt.Errorf("%w: shared file %s already exists", interfaces.ErrConflict, file.ID)
	}
	s.shared[file.ID] = cloneSharedFile(file)
	return nil
}

// GetSharedFile retrieves an entry by ID.
func (s *MemoryStore) GetSharedFile(ctx context.Context, id uuid.UUID) (*interfaces.SharedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, ok := s.shared[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneSharedFile(file), nil
}

// ListSharedByDoctor returns files the doctor has pushed, newest first.
func (s *MemoryStore) ListSharedByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*interfaces.SharedFile, error) {
	return s.listShared(func(f *interfaces.SharedFile) bool {
		return f.DoctorID == doctorID
	})
}

// ListSharedByPatient returns files pushed to the patient, newest first.
func (s *MemoryStore) ListSharedByPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.SharedFile, error) {
	return s.listShared(func(f *interfaces.SharedFile) bool {
		return f.PatientID == patientID
	})
}

func (s *MemoryStore) listShared(match func(*interfaces.SharedFile) bool) ([]*interfaces.SharedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.SharedFile
	for _, file := range s.shared {
		if match(file) {
			out = append(out, cloneSharedFile(file))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SharedAt.Equal(out[j].SharedAt) {
			return out[i].SharedAt.After(out[j].SharedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

// MarkViewed sets the viewed flag; already-viewed is a no-op.
func (s *MemoryStore) MarkViewed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.shared[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	file.Viewed = true
	return nil
}

// MarkSharedFileHealed clears the degraded flag.
func (s *MemoryStore) MarkSharedFileHealed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.shared[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	file.Degraded = false
	return nil
}

// InsertBinding stores a wallet binding, refusing an address bound elsewhere.
// Re-binding the identical (profile, address) pair is a no-op.
func (s *MemoryStore) InsertBinding(ctx context.Context, binding *interfaces.IdentityBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bindings[binding.WalletAddress]; ok {
		if existing.ProfileID == binding.ProfileID {
			return nil
		}
		return fmt.Errorf("%w: address %s already bound", interfaces.ErrConflict, binding.WalletAddress)
	}

	for _, existing := range s.bindings {
		if existing.ProfileID == binding.ProfileID {
			return fmt.Errorf("%w: profile %s already has a bound wallet", interfaces.ErrConflict, binding.ProfileID)
		}
	}

	clone := *binding
	s.bindings[binding.WalletAddress] = &clone
	return nil
}

// GetBindingByAddress resolves an address to its binding.
func (s *MemoryStore) GetBindingByAddress(ctx context.Context, address interfaces.WalletAddress) (*interfaces.IdentityBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.bindings[address]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *binding
	return &clone, nil
}

// GetBindingByProfile returns the profile's binding.
func (s *MemoryStore) GetBindingByProfile(ctx context.Context, profileID uuid.UUID) (*interfaces.IdentityBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, binding := range s.bindings {
		if binding.ProfileID == profileID {
			clone := *binding
			return &clone, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func cloneRecord(r *interfaces.Record) *interfaces.Record {
	clone := *r
	clone.Tags = append([]string(nil), r.Tags...)
	return &clone
}

func cloneGrant(g *interfaces.AccessGrant) *interfaces.AccessGrant {
	clone := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		clone.ExpiresAt = &t
	}
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		clone.RevokedAt = &t
	}
	return &clone
}

func cloneSharedFile(f *interfaces.SharedFile) *interfaces.SharedFile {
	clone := *f
	if f.ExpiresAt != nil {
		t := *f.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}
