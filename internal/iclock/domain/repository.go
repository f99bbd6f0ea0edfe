package iclock

import "context"

// Employee is the narrow view of an HR employee needed for resolution.
type Employee struct {
	ID  string
	PIN string
}

// Device is the registry entry of a terminal.
type Device struct {
	ID         string
	Identifier string
}

// EmployeeDirectory resolves terminal PINs to employees. A miss returns nil, nil.
type EmployeeDirectory interface {
	FindByPIN(ctx context.Context, pin string) (*Employee, error)
}

// DeviceRegistry resolves serial numbers to registered devices. A miss returns nil, nil.
type DeviceRegistry interface {
	FindBySerial(ctx context.Context, serial string) (*Device, error)
}

// PunchLogRepository appends attendance rows.
type PunchLogRepository interface {
	InsertPunches(ctx context.Context, entries []AttendanceLogEntry) (int, error)
}

// BiometricRepository stores the current template per (employee, type, finger).
type BiometricRepository interface {
	Find(ctx context.Context, employeeID string, kind BiometricType, fingerIndex int) (*BiometricRecord, error)
	Insert(ctx context.Context, record *BiometricRecord) error
	Update(ctx context.Context, record *BiometricRecord) error
}
