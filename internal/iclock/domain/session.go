package iclock

import (
	"strconv"
	"strings"
	"time"
)

// PinField is the user identifier key a terminal uses in USER lines.
type PinField int

const (
	PinFieldUndetected PinField = iota
	PinFieldPIN
	PinFieldBadgenumber
	PinFieldEnrollNumber
	PinFieldCardNo
	PinFieldCard
)

var pinFieldPriority = []PinField{
	PinFieldPIN,
	PinFieldBadgenumber,
	PinFieldEnrollNumber,
	PinFieldCardNo,
	PinFieldCard,
}

// String returns the field key as the terminal spells it.
func (f PinField) String() string {
	switch f {
	case PinFieldPIN:
		return "PIN"
	case PinFieldBadgenumber:
		return "Badgenumber"
	case PinFieldEnrollNumber:
		return "EnrollNumber"
	case PinFieldCardNo:
		return "CardNo"
	case PinFieldCard:
		return "Card"
	default:
		return ""
	}
}

// Detected reports whether the field has been learned.
func (f PinField) Detected() bool {
	return f != PinFieldUndetected
}

// Label returns the key used when building commands, falling back to PIN.
func (f PinField) Label() string {
	if !f.Detected() {
		return "PIN"
	}
	return f.String()
}

// ParsePinField accepts a key name in any case.
func ParsePinField(name string) (PinField, bool) {
	name = strings.TrimSpace(name)
	for _, f := range pinFieldPriority {
		if strings.EqualFold(f.String(), name) {
			return f, true
		}
	}
	return PinFieldUndetected, false
}

// DetectPinField returns the highest priority identifier key carrying a value.
func DetectPinField(fields Fields) PinField {
	for _, f := range pinFieldPriority {
		if fields.Has(f.String()) {
			return f
		}
	}
	return PinFieldUndetected
}

// DeviceInfo holds the counters reported through devicecmd INFO.
type DeviceInfo struct {
	Stamp        string    `json:"stamp,omitempty"`
	Users        int       `json:"users"`
	Fingerprints int       `json:"fingerprints"`
	Logs         int       `json:"logs"`
	OpLogs       int       `json:"oplogs"`
	Photos       int       `json:"photos"`
	ReportedAt   time.Time `json:"reportedAt,omitempty"`
}

// ParseDeviceInfo decodes stamp~users~fingerprints~logs~oplog~photoCount.
// A plain numeric value is a status report and yields false.
func ParseDeviceInfo(raw string, at time.Time) (DeviceInfo, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.Contains(raw, "~") {
		return DeviceInfo{}, false
	}
	parts := strings.Split(raw, "~")
	info := DeviceInfo{Stamp: strings.TrimSpace(parts[0]), ReportedAt: at}
	counters := []*int{&info.Users, &info.Fingerprints, &info.Logs, &info.OpLogs, &info.Photos}
	for i, dst := range counters {
		if i+1 >= len(parts) {
			break
		}
		if v, err := strconv.Atoi(strings.TrimSpace(parts[i+1])); err == nil {
			*dst = v
		}
	}
	return info, true
}

// DeviceSession is the protocol state of one terminal.
type DeviceSession struct {
	Serial               string
	LastSeenAt           time.Time
	LastUserSyncAt       *time.Time
	LastAttendanceCursor *time.Time
	PinField             PinField
	Info                 DeviceInfo
}

// NewDeviceSession creates a session first seen at the given time.
func NewDeviceSession(serial string, at time.Time) *DeviceSession {
	return &DeviceSession{Serial: serial, LastSeenAt: at}
}

// Touch records activity.
func (s *DeviceSession) Touch(at time.Time) {
	if at.After(s.LastSeenAt) {
		s.LastSeenAt = at
	}
}

// LearnPinField adopts the detected key once; later detections are ignored.
func (s *DeviceSession) LearnPinField(fields Fields) bool {
	if s.PinField.Detected() {
		return false
	}
	detected := DetectPinField(fields)
	if !detected.Detected() {
		return false
	}
	s.PinField = detected
	return true
}

// AdvanceAttendanceCursor moves the cursor forward, never backward.
func (s *DeviceSession) AdvanceAttendanceCursor(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	if s.LastAttendanceCursor != nil && !at.After(*s.LastAttendanceCursor) {
		return false
	}
	t := at
	s.LastAttendanceCursor = &t
	return true
}

// MarkUserSync records the time of the last user upload.
func (s *DeviceSession) MarkUserSync(at time.Time) {
	t := at
	s.LastUserSyncAt = &t
}
