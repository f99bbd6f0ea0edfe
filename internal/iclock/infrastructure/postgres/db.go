package postgres

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Default HR schema tables.
const (
	defaultEmployeeTable  = "hr.employee"
	defaultDeviceTable    = "hr.device_list"
	defaultPunchLogTable  = "hr.punch_log"
	defaultBiometricTable = "hr.employee_biometric"
)
