package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	iclock "iclock-cloud/internal/iclock/domain"
)

// EmployeeDirectory is an in-memory PIN directory for demo/testing.
type EmployeeDirectory struct {
	mu    sync.RWMutex
	byPIN map[string]iclock.Employee
}

// NewEmployeeDirectory constructs a directory seeded with employees.
func NewEmployeeDirectory(employees ...iclock.Employee) *EmployeeDirectory {
	d := &EmployeeDirectory{byPIN: make(map[string]iclock.Employee)}
	for _, e := range employees {
		d.Put(e)
	}
	return d
}

// Put adds or replaces an employee.
func (d *EmployeeDirectory) Put(e iclock.Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byPIN[e.PIN] = e
}

// FindByPIN returns nil, nil when the PIN is unknown.
func (d *EmployeeDirectory) FindByPIN(ctx context.Context, pin string) (*iclock.Employee, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byPIN[pin]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// DeviceRegistry is an in-memory device list.
type DeviceRegistry struct {
	mu       sync.RWMutex
	bySerial map[string]iclock.Device
}

// NewDeviceRegistry constructs a registry seeded with devices.
func NewDeviceRegistry(devices ...iclock.Device) *DeviceRegistry {
	r := &DeviceRegistry{bySerial: make(map[string]iclock.Device)}
	for _, d := range devices {
		r.bySerial[d.Identifier] = d
	}
	return r
}

// FindBySerial returns nil, nil when the serial is not registered.
func (r *DeviceRegistry) FindBySerial(ctx context.Context, serial string) (*iclock.Device, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.bySerial[serial]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// PunchLogRepository appends punches to a slice.
type PunchLogRepository struct {
	mu      sync.Mutex
	entries []iclock.AttendanceLogEntry
}

// NewPunchLogRepository constructs an empty punch log.
func NewPunchLogRepository() *PunchLogRepository {
	return &PunchLogRepository{}
}

// InsertPunches appends entries, assigning ids where missing.
func (r *PunchLogRepository) InsertPunches(ctx context.Context, entries []iclock.AttendanceLogEntry) (int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		r.entries = append(r.entries, e)
	}
	return len(entries), nil
}

// Entries returns a copy of stored punches.
func (r *PunchLogRepository) Entries() []iclock.AttendanceLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]iclock.AttendanceLogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

var errBiometricNotFound = errors.New("memory: biometric record not found")

// BiometricRepository keeps one template per (employee, type, finger).
type BiometricRepository struct {
	mu      sync.RWMutex
	records map[string]iclock.BiometricRecord
}

// NewBiometricRepository constructs an empty repository.
func NewBiometricRepository() *BiometricRepository {
	return &BiometricRepository{records: make(map[string]iclock.BiometricRecord)}
}

func biometricKey(employeeID string, kind iclock.BiometricType, finger int) string {
	return fmt.Sprintf("%s|%s|%d", employeeID, kind, finger)
}

// Find returns nil, nil when no record exists.
func (r *BiometricRepository) Find(ctx context.Context, employeeID string, kind iclock.BiometricType, fingerIndex int) (*iclock.BiometricRecord, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[biometricKey(employeeID, kind, fingerIndex)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Insert stores a new record.
func (r *BiometricRepository) Insert(ctx context.Context, record *iclock.BiometricRecord) error {
	_ = ctx
	if record == nil {
		return errors.New("memory: nil biometric record")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	r.records[biometricKey(record.EmployeeID, record.Type, record.FingerIndex)] = *record
	return nil
}

// Update replaces an existing record.
func (r *BiometricRepository) Update(ctx context.Context, record *iclock.BiometricRecord) error {
	_ = ctx
	if record == nil {
		return errors.New("memory: nil biometric record")
	}
	key := biometricKey(record.EmployeeID, record.Type, record.FingerIndex)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; !ok {
		return errBiometricNotFound
	}
	r.records[key] = *record
	return nil
}

// Len returns the number of stored records.
func (r *BiometricRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
