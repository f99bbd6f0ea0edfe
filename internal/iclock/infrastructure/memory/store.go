package memory

import (
	"sort"
	"sync"

	"iclock-cloud/internal/iclock/application"
)

type deviceSlot struct {
	mu    sync.Mutex
	state *application.DeviceState
}

// Store keeps terminal state in process memory with one lock per serial.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceSlot
	limits  application.Limits
}

// NewStore constructs a store with the given ring limits.
func NewStore(limits application.Limits) *Store {
	return &Store{
		devices: make(map[string]*deviceSlot),
		limits:  limits,
	}
}

// Update runs fn with exclusive access to the serial's state.
func (s *Store) Update(sn string, fn func(*application.DeviceState)) {
	slot := s.slot(sn, true)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	fn(slot.state)
}

// View runs fn on existing state; unknown serials return false.
func (s *Store) View(sn string, fn func(*application.DeviceState)) bool {
	slot := s.slot(sn, false)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	fn(slot.state)
	return true
}

// Serials lists known terminals.
func (s *Store) Serials() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.devices))
	for sn := range s.devices {
		out = append(out, sn)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of known terminals.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func (s *Store) slot(sn string, create bool) *deviceSlot {
	s.mu.RLock()
	slot := s.devices[sn]
	s.mu.RUnlock()
	if slot != nil || !create {
		return slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot = s.devices[sn]; slot == nil {
		slot = &deviceSlot{state: application.NewDeviceState(sn, s.limits)}
		s.devices[sn] = slot
	}
	return slot
}
