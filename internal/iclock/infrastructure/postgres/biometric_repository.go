package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	iclock "iclock-cloud/internal/iclock/domain"
)

// BiometricRepository stores employee templates. Non-fingerprint rows use
// finger index 0.
type BiometricRepository struct {
	db    DBTX
	table string
}

// BiometricOption configures the repository.
type BiometricOption func(*BiometricRepository)

// WithBiometricTable overrides the default table name.
func WithBiometricTable(table string) BiometricOption {
	return func(r *BiometricRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewBiometricRepository constructs a repository.
func NewBiometricRepository(db DBTX, opts ...BiometricOption) *BiometricRepository {
	r := &BiometricRepository{db: db, table: defaultBiometricTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Find returns the current record for (employee, type, finger) or nil, nil.
func (r *BiometricRepository) Find(ctx context.Context, employeeID string, kind iclock.BiometricType, fingerIndex int) (*iclock.BiometricRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("biometric repo: nil db")
	}
	if employeeID == "" {
		return nil, errors.New("biometric repo: empty employee id")
	}

	query := fmt.Sprintf(`
SELECT uuid, employee_uuid, biometric_type, finger_index, template, remarks, created_at, updated_at
FROM %s
WHERE employee_uuid = $1 AND biometric_type = $2 AND finger_index = $3
ORDER BY created_at DESC
LIMIT 1`, r.table)

	record, err := scanBiometric(r.db.QueryRowContext(ctx, query, employeeID, string(kind), fingerIndex))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// Insert stores a new record, assigning an id when missing.
func (r *BiometricRepository) Insert(ctx context.Context, record *iclock.BiometricRecord) error {
	if r == nil || r.db == nil {
		return errors.New("biometric repo: nil db")
	}
	if record == nil {
		return errors.New("biometric repo: nil record")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (uuid, employee_uuid, template, biometric_type, finger_index, created_at, remarks)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.EmployeeID,
		record.Template,
		string(record.Type),
		record.FingerIndex,
		record.CreatedAt.UTC(),
		nullString(record.Remarks),
	)
	return err
}

// Update replaces the template of an existing record in place.
func (r *BiometricRepository) Update(ctx context.Context, record *iclock.BiometricRecord) error {
	if r == nil || r.db == nil {
		return errors.New("biometric repo: nil db")
	}
	if record == nil || record.ID == "" {
		return errors.New("biometric repo: record id required")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET template = $2, updated_at = $3, remarks = $4
WHERE uuid = $1`, r.table)

	res, err := r.db.ExecContext(ctx, query, record.ID, record.Template, record.UpdatedAt.UTC(), nullString(record.Remarks))
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("biometric repo: record %s not found", record.ID)
	}
	return nil
}

func scanBiometric(row rowScanner) (*iclock.BiometricRecord, error) {
	var record iclock.BiometricRecord
	var kind string
	var finger sql.NullInt64
	var remarks sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(
		&record.ID,
		&record.EmployeeID,
		&kind,
		&finger,
		&record.Template,
		&remarks,
		&record.CreatedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	record.Type = iclock.BiometricType(kind)
	if finger.Valid {
		record.FingerIndex = int(finger.Int64)
	}
	record.Remarks = remarks.String
	record.CreatedAt = record.CreatedAt.UTC()
	if updatedAt.Valid {
		record.UpdatedAt = updatedAt.Time.UTC()
	}
	record.ContentHash = iclock.HashTemplate(record.Template)
	return &record, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Table returns the table the repository reads.
func (r *BiometricRepository) Table() string {
	return r.table
}
