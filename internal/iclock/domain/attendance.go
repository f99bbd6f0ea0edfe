package iclock

import (
	"strings"
	"time"
)

// PunchType is the verification method of an attendance event.
type PunchType string

const (
	PunchFingerprint PunchType = "fingerprint"
	PunchPassword    PunchType = "password"
	PunchRFID        PunchType = "rfid"
	PunchFace        PunchType = "face"
	PunchOther       PunchType = "other"
)

// PunchTypeFromVerify maps a terminal verify code to a punch type.
func PunchTypeFromVerify(verify string) PunchType {
	switch strings.ToLower(strings.TrimSpace(verify)) {
	case "0", "3", "password":
		return PunchPassword
	case "1", "fingerprint":
		return PunchFingerprint
	case "2", "4", "card", "rfid":
		return PunchRFID
	case "15", "face":
		return PunchFace
	default:
		return PunchOther
	}
}

// AttendanceLogEntry is one stored punch.
type AttendanceLogEntry struct {
	ID         string
	EmployeeID string
	DeviceID   string
	PunchType  PunchType
	PunchTime  time.Time
}
