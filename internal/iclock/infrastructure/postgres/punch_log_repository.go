package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	iclock "iclock-cloud/internal/iclock/domain"
)

// DefaultPunchBatchSize bounds rows per INSERT; five parameters per row keeps
// a statement well under the 65535 bind parameter limit.
const DefaultPunchBatchSize = 1000

// PunchLogRepository appends attendance rows.
type PunchLogRepository struct {
	db        DBTX
	table     string
	batchSize int
}

// PunchLogOption configures the repository.
type PunchLogOption func(*PunchLogRepository)

// WithPunchLogTable overrides the default table name.
func WithPunchLogTable(table string) PunchLogOption {
	return func(r *PunchLogRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// WithPunchBatchSize overrides the rows written per statement.
func WithPunchBatchSize(size int) PunchLogOption {
	return func(r *PunchLogRepository) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// NewPunchLogRepository constructs a repository.
func NewPunchLogRepository(db DBTX, opts ...PunchLogOption) *PunchLogRepository {
	r := &PunchLogRepository{db: db, table: defaultPunchLogTable, batchSize: DefaultPunchBatchSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InsertPunches writes entries in batches and returns the number stored. A
// failing batch or an incomplete entry does not stop the remaining batches;
// their errors are joined into the returned error.
func (r *PunchLogRepository) InsertPunches(ctx context.Context, entries []iclock.AttendanceLogEntry) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("punch log repo: nil db")
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var errs []error
	valid := make([]iclock.AttendanceLogEntry, 0, len(entries))
	for i, entry := range entries {
		if entry.EmployeeID == "" || entry.DeviceID == "" {
			errs = append(errs, fmt.Errorf("punch log repo: entry %d: employee and device required", i))
			continue
		}
		valid = append(valid, entry)
	}

	stored := 0
	for start := 0; start < len(valid); start += r.batchSize {
		end := start + r.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		n, err := r.insertBatch(ctx, valid[start:end])
		if err != nil {
			errs = append(errs, fmt.Errorf("punch log repo: rows %d-%d: %w", start, end-1, err))
			continue
		}
		stored += n
	}
	return stored, errors.Join(errs...)
}

func (r *PunchLogRepository) insertBatch(ctx context.Context, entries []iclock.AttendanceLogEntry) (int, error) {
	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*5)
	for i, entry := range entries {
		id := entry.ID
		if id == "" {
			id = uuid.NewString()
		}
		base := i * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5))
		args = append(args, id, entry.EmployeeID, entry.DeviceID, string(entry.PunchType), entry.PunchTime)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (uuid, employee_uuid, device_list_uuid, punch_type, punch_time)
VALUES %s`, r.table, strings.Join(values, ",\n"))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return len(entries), nil
	}
	return int(affected), nil
}
