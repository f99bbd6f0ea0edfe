package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	iclock "iclock-cloud/internal/iclock/domain"
)

// EmployeeDirectory resolves terminal PINs against the employee table.
type EmployeeDirectory struct {
	db    DBTX
	table string
}

// EmployeeOption configures the directory.
type EmployeeOption func(*EmployeeDirectory)

// WithEmployeeTable overrides the default table name.
func WithEmployeeTable(table string) EmployeeOption {
	return func(d *EmployeeDirectory) {
		if table != "" {
			d.table = table
		}
	}
}

// NewEmployeeDirectory constructs a directory.
func NewEmployeeDirectory(db DBTX, opts ...EmployeeOption) *EmployeeDirectory {
	d := &EmployeeDirectory{db: db, table: defaultEmployeeTable}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FindByPIN returns nil, nil when no employee carries the PIN.
func (d *EmployeeDirectory) FindByPIN(ctx context.Context, pin string) (*iclock.Employee, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("employee directory: nil db")
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
SELECT uuid, pin
FROM %s
WHERE pin = $1
LIMIT 1`, d.table)

	var employee iclock.Employee
	if err := d.db.QueryRowContext(ctx, query, pin).Scan(&employee.ID, &employee.PIN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &employee, nil
}
