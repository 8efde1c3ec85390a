package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carevault/record-access-backend/interfaces"
)

// GormStore is the PostgreSQL implementation of the table-store interfaces.
//
// The single-active-grant invariant is enforced by a partial unique index on
// (doctor_id, patient_id, scope) WHERE revoked_at IS NULL, so concurrent
// inserts racing past the ledger's per-tuple lock still cannot produce two
// active grants.
type GormStore struct {
	db *gorm.DB
}

// recordRow is the patient_records table. The catalog is append-only; no delete.
type recordRow struct {
	RecordID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	PatientID   uuid.UUID `gorm:"type:uuid;index;not null"`
	ContentID   string    `gorm:"size:64;not null;index"`
	FileName    string    `gorm:"size:255;not null"`
	Tags        string    `gorm:"type:jsonb;default:'[]'"`
	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;index"`
	Degraded    bool      `gorm:"not null;default:false"`
}

func (recordRow) TableName() string { return "patient_records" }

// grantRow is the access_grants ledger table. Rows are never deleted.
type grantRow struct {
	GrantID   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DoctorID  uuid.UUID  `gorm:"type:uuid;index;not null"`
	PatientID uuid.UUID  `gorm:"type:uuid;index;not null"`
	Scope     string     `gorm:"size:40;not null"`
	GrantedAt time.Time  `gorm:"not null"`
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

func (grantRow) TableName() string { return "access_grants" }

// sharedFileRow is the shared_files delivery-log table.
type sharedFileRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	DoctorID    uuid.UUID `gorm:"type:uuid;index;not null"`
	PatientID   uuid.UUID `gorm:"type:uuid;index;not null"`
	FileName    string    `gorm:"size:255;not null"`
	ContentID   string    `gorm:"size:64;not null"`
	Description string    `gorm:"type:text"`
	SharedAt    time.Time `gorm:"not null;index"`
	ExpiresAt   *time.Time
	Viewed      bool `gorm:"not null;default:false"`
	Degraded    bool `gorm:"not null;default:false"`
}

func (sharedFileRow) TableName() string { return "shared_files" }

// bindingRow is the wallet_bindings table.
type bindingRow struct {
	WalletAddress string    `gorm:"size:42;primaryKey"`
	ProfileID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	BoundAt       time.Time `gorm:"not null"`
}

func (bindingRow) TableName() string { return "wallet_bindings" }

// NewGormStore opens a PostgreSQL connection, migrates the schema, and
// installs the active-grant partial unique index.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(&recordRow{}, &grantRow{}, &sharedFileRow{}, &bindingRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Partial unique index: at most one active grant per tuple.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_grant_tuple
		ON access_grants (doctor_id, patient_id, scope)
		WHERE revoked_at IS NULL`).Error; err != nil {
		return nil, fmt.Errorf("failed to create active-grant index: %w", err)
	}

	return &GormStore{db: db}, nil
}

var (
	_ interfaces.RecordStore     = (*GormStore)(nil)
	_ interfaces.GrantStore      = (*GormStore)(nil)
	_ interfaces.SharedFileStore = (*GormStore)(nil)
	_ interfaces.BindingStore    = (*GormStore)(nil)
)

// translateStoreErr maps driver errors to the shared sentinel kinds.
func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return interfaces.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "duplicate key"):
		return fmt.Errorf("%w: %v", interfaces.ErrConflict, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset"):
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	default:
		return err
	}
}

// InsertRecord adds a new record to the catalog.
func (s *GormStore) InsertRecord(ctx context.Context, record *interfaces.Record) error {
	row, err := recordToRow(record)
	if err != nil {
		return err
	}
	return translateStoreErr(s.db.WithContext(ctx).Create(row).Error)
}

// GetRecord retrieves a record by ID.
func (s *GormStore) GetRecord(ctx context.Context, recordID uuid.UUID) (*interfaces.Record, error) {
	var row recordRow
	if err := s.db.WithContext(ctx).First(&row, "record_id = ?", recordID).Error; err != nil {
		return nil, translateStoreErr(err)
	}
	return rowToRecord(&row)
}

// ListRecordsByPatient returns the patient's records newest first, tie-broken
// by record ID.
func (s *GormStore) ListRecordsByPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.Record, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at DESC, record_id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, translateStoreErr(err)
	}

	out := make([]*interfaces.Record, 0, len(rows))
	for i := range rows {
		record, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// UpdateRecordMeta replaces the tags and description of a record.
func (s *GormStore) UpdateRecordMeta(ctx context.Context, recordID uuid.UUID, tags []string, description string) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{"tags": string(tagsJSON), "description": description})
	if res.Error != nil {
		return translateStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// MarkRecordHealed clears the degraded flag.
func (s *GormStore) MarkRecordHealed(ctx context.Context, recordID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("record_id = ?", recordID).
		Update("degraded", false)
	if res.Error != nil {
		return translateStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// InsertGrant appends a new grant. The partial unique index turns a racing
// duplicate insert into ErrConflict.
func (s *GormStore) InsertGrant(ctx context.Context, grant *interfaces.AccessGrant) error {
	row := grantToRow(grant)
	return translateStoreErr(s.db.WithContext(ctx).Create(row).Error)
}

// GetGrant retrieves a grant by ID.
func (s *GormStore) GetGrant(ctx context.Context, grantID uuid.UUID) (*interfaces.AccessGrant, error) {
	var row grantRow
	if err := s.db.WithContext(ctx).First(&row, "grant_id = ?", grantID).Error; err != nil {
		return nil, translateStoreErr(err)
	}
	return rowToGrant(&row), nil
}

// FindActiveGrant returns the active grant for the exact tuple.
func (s *GormStore) FindActiveGrant(ctx context.Context, doctorID, patientID uuid.UUID, scope interfaces.GrantScope, now time.Time) (*interfaces.AccessGrant, error) {
	var row grantRow
	err := s.db.WithContext(ctx).
		Where("doctor_id = ? AND patient_id = ? AND scope = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)",
			doctorID, patientID, scope.String(), now).
		First(&row).Error
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return rowToGrant(&row), nil
}

// ListGrantsByPair returns every grant between the doctor and patient, newest first.
func (s *GormStore) ListGrantsByPair(ctx context.Context, doctorID, patientID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return s.listGrants(ctx, "doctor_id = ? AND patient_id = ?", doctorID, patientID)
}

// ListGrantsByPatient returns the patient's grant history, newest first.
func (s *GormStore) ListGrantsByPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return s.listGrants(ctx, "patient_id = ?", patientID)
}

// ListGrantsByDoctor returns the doctor's grant history, newest first.
func (s *GormStore) ListGrantsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*interfaces.AccessGrant, error) {
	return s.listGrants(ctx, "doctor_id = ?", doctorID)
}

func (s *GormStore) listGrants(ctx context.Context, query string, args ...interface{}) ([]*interfaces.AccessGrant, error) {
	var rows []grantRow
	err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("granted_at DESC, grant_id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, translateStoreErr(err)
	}

	out := make([]*interfaces.AccessGrant, 0, len(rows))
	for i := range rows {
		out = append(out, rowToGrant(&rows[i]))
	}
	return out, nil
}

// SetGrantExpiry updates ExpiresAt on an existing grant.
func (s *GormStore) SetGrantExpiry(ctx context.Context, grantID uuid.UUID, expiresAt *time.Time) error {
	res := s.db.WithContext(ctx).Model(&grantRow{}).
		Where("grant_id = ?", grantID).
		Update("expires_at", expiresAt)
	if res.Error != nil {
		return translateStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// RevokeGrant sets RevokedAt if unset; the WHERE guard makes it idempotent.
func (s *GormStore) RevokeGrant(ctx context.Context, grantID uuid.UUID, revokedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&grantRow{}).
		Where("grant_id = ? AND revoked_at IS NULL", grantID).
		Update("revoked_at", revokedAt)
	if res.Error != nil {
		return translateStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		// Either already revoked (no-op) or missing.
		var count int64
		if err := s.db.WithContext(ctx).Model(&grantRow{}).
			Where("grant_id = ?", grantID).Count(&count).Error; err != nil {
			return translateStoreErr(err)
		}
		if count == 0 {
			return interfaces.ErrNotFound
		}
	}
	return nil
}

// InsertSharedFile appends a delivery-log entry.
func (s *GormStore) InsertSharedFile(ctx context.Context, file *interfaces.SharedFile) error {
	return translateStoreErr(s.db.WithContext(ctx).Create(sharedFileToRow(file)).Error)
}

// GetSharedFile retrieves an entry by ID.
func (s *GormStore) GetSharedFile(ctx context.Context, id uuid.UUID) (*interfaces.SharedFile, error) {
	var row sharedFileRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateStoreErr(err)
	}
	return rowToSharedFile(&row), nil
}

// ListSharedByDoctor returns files the doctor has pushed, newest first.
func (s *GormStore) ListSharedByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*interfaces.SharedFile, error) {
	return s.listShared(ctx, "doctor_id = ?", doctorID)
}

// ListSharedByPatient returns files pushed to the patient, newest first.
func (s *GormStore) ListSharedByPatient(ctx context.Context, patientID uuid.UUID) ([]*interfaces.SharedFile, error) {
	return s.listShared(ctx, "patient_id = ?", patientID)
}

func (s *GormStore) listShared(ctx context.Context, query string, arg interface{}) ([]*interfaces.SharedFile, error) {
	var rows []sharedFileRow
	err := s.db.WithContext(ctx).
		Where(query, arg).
		Order("shared_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, translateStoreErr(err)
	}

	out := make([]*interfaces.SharedFile, 0, len(rows))
	for i := range rows {
		out = append(out, rowToSharedFile(&rows[i]))
	}
	return out, nil
}

// MarkViewed sets the viewed flag; already-viewed is a no-op.
func (s *GormStore) MarkViewed(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&sharedFileRow{}).
		Where("id = ?", id).
		Update("viewed", true)
	if res.Error != nil {
		return translateStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// MarkSharedFileHealed clears the degraded flag.
func (s *GormStore) MarkSharedFileHealed(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&sharedFileRow{}).
		Where("id = ?", id).
		Update("degraded", false)
	if res.Error != nil {
		return translateStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// InsertBinding stores a wallet binding. Re-binding the identical pair is a
// no-op; any other duplicate is ErrConflict.
func (s *GormStore) InsertBinding(ctx context.Context, binding *interfaces.IdentityBinding) error {
	row := &bindingRow{
		WalletAddress: binding.WalletAddress.String(),
		ProfileID:     binding.ProfileID,
		BoundAt:       binding.BoundAt,
	}

	err := translateStoreErr(s.db.WithContext(ctx).Create(row).Error)
	if errors.Is(err, interfaces.ErrConflict) {
		existing, getErr := s.GetBindingByAddress(ctx, binding.WalletAddress)
		if getErr == nil && existing.ProfileID == binding.ProfileID {
			return nil
		}
	}
	return err
}

// GetBindingByAddress resolves an address to its binding.
func (s *GormStore) GetBindingByAddress(ctx context.Context, address interfaces.WalletAddress) (*interfaces.IdentityBinding, error) {
	var row bindingRow
	if err := s.db.WithContext(ctx).First(&row, "wallet_address = ?", address.String()).Error; err != nil {
		return nil, translateStoreErr(err)
	}
	return rowToBinding(&row)
}

// GetBindingByProfile returns the profile's binding.
func (s *GormStore) GetBindingByProfile(ctx context.Context, profileID uuid.UUID) (*interfaces.IdentityBinding, error) {
	var row bindingRow
	if err := s.db.WithContext(ctx).First(&row, "profile_id = ?", profileID).Error; err != nil {
		return nil, translateStoreErr(err)
	}
	return rowToBinding(&row)
}

func recordToRow(record *interfaces.Record) (*recordRow, error) {
	tagsJSON, err := json.Marshal(record.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	if record.Tags == nil {
		tagsJSON = []byte("[]")
	}

	return &recordRow{
		RecordID:    record.RecordID,
		PatientID:   record.PatientID,
		ContentID:   record.ContentID.String(),
		FileName:    record.FileName,
		Tags:        string(tagsJSON),
		Description: record.Description,
		CreatedAt:   record.CreatedAt,
		Degraded:    record.Degraded,
	}, nil
}

func rowToRecord(row *recordRow) (*interfaces.Record, error) {
	contentID, err := interfaces.NewContentIDFromHex(row.ContentID)
	if err != nil {
		return nil, fmt.Errorf("corrupt content ID in row %s: %w", row.RecordID, err)
	}

	var tags []string
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return nil, fmt.Errorf("corrupt tags in row %s: %w", row.RecordID, err)
		}
	}

	return &interfaces.Record{
		RecordID:    row.RecordID,
		PatientID:   row.PatientID,
		ContentID:   contentID,
		FileName:    row.FileName,
		Tags:        tags,
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
		Degraded:    row.Degraded,
	}, nil
}

func grantToRow(grant *interfaces.AccessGrant) *grantRow {
	return &grantRow{
		GrantID:   grant.GrantID,
		DoctorID:  grant.DoctorID,
		PatientID: grant.PatientID,
		Scope:     grant.Scope.String(),
		GrantedAt: grant.GrantedAt,
		ExpiresAt: grant.ExpiresAt,
		RevokedAt: grant.RevokedAt,
	}
}

func rowToGrant(row *grantRow) *interfaces.AccessGrant {
	return &interfaces.AccessGrant{
		GrantID:   row.GrantID,
		DoctorID:  row.DoctorID,
		PatientID: row.PatientID,
		Scope:     interfaces.GrantScope(row.Scope),
		GrantedAt: row.GrantedAt,
		ExpiresAt: row.ExpiresAt,
		RevokedAt: row.RevokedAt,
	}
}

func sharedFileToRow(file *interfaces.SharedFile) *sharedFileRow {
	return &sharedFileRow{
		ID:          file.ID,
		DoctorID:    file.DoctorID,
		PatientID:   file.PatientID,
		FileName:    file.FileName,
		ContentID:   file.ContentID.String(),
		Description: file.Description,
		SharedAt:    file.SharedAt,
		ExpiresAt:   file.ExpiresAt,
		Viewed:      file.Viewed,
		Degraded:    file.Degraded,
	}
}

func rowToSharedFile(row *sharedFileRow) *interfaces.SharedFile {
	contentID, _ := interfaces.NewContentIDFromHex(row.ContentID)
	return &interfaces.SharedFile{
		ID:          row.ID,
		DoctorID:    row.DoctorID,
		PatientID:   row.PatientID,
		FileName:    row.FileName,
		ContentID:   contentID,
		Description: row.Description,
		SharedAt:    row.SharedAt,
		ExpiresAt:   row.ExpiresAt,
		Viewed:      row.Viewed,
		Degraded:    row.Degraded,
	}
}

func rowToBinding(row *bindingRow) (*interfaces.IdentityBinding, error) {
	address, err := interfaces.NewWalletAddress(row.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("corrupt wallet address in row: %w", err)
	}
	return &interfaces.IdentityBinding{
		ProfileID:     row.ProfileID,
		WalletAddress: address,
		BoundAt:       row.BoundAt,
	}, nil
}
