package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	iclock "iclock-cloud/internal/iclock/domain"
)

// DeviceRegistry is a Postgres implementation of the terminal registry.
type DeviceRegistry struct {
	db    DBTX
	table string
}

// DeviceOption configures the registry.
type DeviceOption func(*DeviceRegistry)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(r *DeviceRegistry) {
		if table != "" {
			r.table = table
		}
	}
}

// NewDeviceRegistry constructs a registry.
func NewDeviceRegistry(db DBTX, opts ...DeviceOption) *DeviceRegistry {
	r := &DeviceRegistry{db: db, table: defaultDeviceTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindBySerial loads a device by its identifier. A miss returns nil, nil.
func (r *DeviceRegistry) FindBySerial(ctx context.Context, serial string) (*iclock.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device registry: nil db")
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, errors.New("device registry: empty serial")
	}

	query := fmt.Sprintf(`
SELECT uuid, identifier::text
FROM %s
WHERE identifier::text = $1
LIMIT 1`, r.table)

	var device iclock.Device
	if err := r.db.QueryRowContext(ctx, query, serial).Scan(&device.ID, &device.Identifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// List loads every registered terminal ordered by identifier.
func (r *DeviceRegistry) List(ctx context.Context) ([]iclock.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device registry: nil db")
	}

	query := fmt.Sprintf(`
SELECT uuid, identifier::text
FROM %s
ORDER BY identifier ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []iclock.Device
	for rows.Next() {
		var device iclock.Device
		if err := rows.Scan(&device.ID, &device.Identifier); err != nil {
			return nil, err
		}
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Table returns the table the repository reads.
func (r *DeviceRegistry) Table() string {
	return r.table
}
