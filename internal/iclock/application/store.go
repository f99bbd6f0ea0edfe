package application

import (
	"time"

	iclock "iclock-cloud/internal/iclock/domain"
)

// Store serialises access to per-terminal state. Update and View hold only the
// lock of the addressed serial; callers must not block inside fn.
type Store interface {
	// Update runs fn with exclusive access, creating the state on first use.
	Update(sn string, fn func(*DeviceState))
	// View runs fn with the state locked and reports whether the serial is known.
	View(sn string, fn func(*DeviceState)) bool
	// Serials lists known terminals in lexical order.
	Serials() []string
}

// PollEvent is one entry of the poll history.
type PollEvent struct {
	At        time.Time `json:"at"`
	Endpoint  string    `json:"endpoint"`
	Remote    string    `json:"remote,omitempty"`
	Delivered int       `json:"delivered"`
	Bytes     int       `json:"bytes"`
}

// UploadEvent summarises one upload.
type UploadEvent struct {
	At       time.Time      `json:"at"`
	Endpoint string         `json:"endpoint"`
	Table    string         `json:"table,omitempty"`
	Bytes    int            `json:"bytes"`
	Lines    int            `json:"lines"`
	Dropped  int            `json:"dropped"`
	Counts   map[string]int `json:"counts,omitempty"`
}

// RawUpload keeps the head of an upload body for diagnostics.
type RawUpload struct {
	At        time.Time `json:"at"`
	Query     string    `json:"query,omitempty"`
	Lines     []string  `json:"lines"`
	Truncated bool      `json:"truncated"`
}

// Limits bounds the per-terminal rings.
type Limits struct {
	CommandHistory int
	PollHistory    int
	UploadHistory  int
	RawUploads     int
}

// DefaultLimits are the ring sizes used when none are configured.
var DefaultLimits = Limits{
	CommandHistory: 500,
	PollHistory:    200,
	UploadHistory:  300,
	RawUploads:     100,
}

// DeviceState is everything the process knows about one terminal.
type DeviceState struct {
	Session  *iclock.DeviceSession
	Pending  []iclock.CommandRecord
	Commands Ring[iclock.CommandRecord]
	Users    map[string]iclock.UserEntry
	Polls    Ring[PollEvent]
	Uploads  Ring[UploadEvent]
	Raw      Ring[RawUpload]
}

// NewDeviceState creates empty state for a serial.
func NewDeviceState(sn string, limits Limits) *DeviceState {
	return &DeviceState{
		Session:  iclock.NewDeviceSession(sn, time.Time{}),
		Commands: NewRing[iclock.CommandRecord](limits.CommandHistory),
		Users:    make(map[string]iclock.UserEntry),
		Polls:    NewRing[PollEvent](limits.PollHistory),
		Uploads:  NewRing[UploadEvent](limits.UploadHistory),
		Raw:      NewRing[RawUpload](limits.RawUploads),
	}
}

// HasPending reports whether an identical command is waiting for delivery.
func (s *DeviceState) HasPending(text string) bool {
	for _, cmd := range s.Pending {
		if cmd.Text == text {
			return true
		}
	}
	return false
}

// Ring keeps the most recent items up to a limit.
type Ring[T any] struct {
	items []T
	limit int
}

// NewRing creates a ring; a non-positive limit keeps nothing.
func NewRing[T any](limit int) Ring[T] {
	return Ring[T]{limit: limit}
}

// Push appends an item and evicts the oldest beyond the limit.
func (r *Ring[T]) Push(item T) {
	if r.limit <= 0 {
		return
	}
	r.items = append(r.items, item)
	if over := len(r.items) - r.limit; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	return len(r.items)
}

// Items returns a copy, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Mutate calls fn for every retained item, oldest first.
func (r *Ring[T]) Mutate(fn func(*T)) {
	for i := range r.items {
		fn(&r.items[i])
	}
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}
