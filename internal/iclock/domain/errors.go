package iclock

import "errors"

var (
	ErrSerialRequired  = errors.New("iclock: serial number required")
	ErrCommandRequired = errors.New("iclock: command required")
	ErrPINRequired     = errors.New("iclock: pin required")
	ErrUnknownDevice   = errors.New("iclock: unknown device")
	ErrNoDevices       = errors.New("iclock: no devices connected")
	ErrInvalidSyntax   = errors.New("iclock: unknown attendance command syntax")
)
