package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"iclock-cloud/internal/iclock/application"
	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/iclock/infrastructure/memory"
)

type fixture struct {
	cfg        application.Config
	store      *memory.Store
	queue      *application.CommandQueue
	users      *application.UserCache
	biometrics *application.BiometricPipeline
	attendance *application.AttendanceIngestor
	protocol   *application.Protocol
	employees  *memory.EmployeeDirectory
	devices    *memory.DeviceRegistry
	punches    *memory.PunchLogRepository
	templates  *memory.BiometricRepository
}

func newFixture(t *testing.T, opts ...application.ProtocolOption) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, application.DefaultConfig(), opts...)
}

func newFixtureWithConfig(t *testing.T, cfg application.Config, opts ...application.ProtocolOption) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		cfg:       cfg,
		store:     memory.NewStore(cfg.Limits()),
		employees: memory.NewEmployeeDirectory(iclock.Employee{ID: "emp-17", PIN: "17"}, iclock.Employee{ID: "emp-18", PIN: "18"}),
		devices:   memory.NewDeviceRegistry(iclock.Device{ID: "dev-1", Identifier: "SN1"}),
		punches:   memory.NewPunchLogRepository(),
		templates: memory.NewBiometricRepository(),
	}
	var err error
	f.queue, err = application.NewCommandQueue(f.store, cfg, logger)
	require.NoError(t, err)
	f.users, err = application.NewUserCache(f.store, f.queue, cfg, logger)
	require.NoError(t, err)
	f.biometrics, err = application.NewBiometricPipeline(f.employees, f.templates, cfg, logger)
	require.NoError(t, err)
	f.attendance, err = application.NewAttendanceIngestor(f.store, f.queue, f.devices, f.employees, f.punches, cfg, logger)
	require.NoError(t, err)
	f.protocol, err = application.NewProtocol(f.store, f.queue, f.users, f.biometrics, f.attendance, cfg, logger, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) pendingTexts(sn string) []string {
	var out []string
	for _, cmd := range f.queue.Pending(sn) {
		out = append(out, cmd.Text)
	}
	return out
}

func (f *fixture) userPins(t *testing.T, sn string) map[string]iclock.UserEntry {
	t.Helper()
	users, _ := f.users.Users(sn)
	out := make(map[string]iclock.UserEntry, len(users))
	for _, u := range users {
		out[u.User.PIN] = u
	}
	return out
}

type fakeMirror struct {
	mu        sync.Mutex
	snapshots map[string]application.SessionSnapshot
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{snapshots: make(map[string]application.SessionSnapshot)}
}

func (m *fakeMirror) Save(_ context.Context, snapshot application.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.SN] = snapshot
	return nil
}

func (m *fakeMirror) Load(_ context.Context, sn string) (*application.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.snapshots[sn]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

func (m *fakeMirror) Serials(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.snapshots))
	for sn := range m.snapshots {
		out = append(out, sn)
	}
	return out, nil
}

var errStorage = errors.New("storage unavailable")

type slowBiometricRepo struct {
	*memory.BiometricRepository
}

func (r slowBiometricRepo) Find(ctx context.Context, employeeID string, kind iclock.BiometricType, fingerIndex int) (*iclock.BiometricRecord, error) {
	time.Sleep(20 * time.Millisecond)
	return r.BiometricRepository.Find(ctx, employeeID, kind, fingerIndex)
}

// partialPunchRepo stores all but the last fail entries.
type partialPunchRepo struct {
	fail int
}

func (r *partialPunchRepo) InsertPunches(_ context.Context, entries []iclock.AttendanceLogEntry) (int, error) {
	if r.fail >= len(entries) {
		return 0, errStorage
	}
	return len(entries) - r.fail, errStorage
}

type failingBiometricRepo struct {
	*memory.BiometricRepository
}

func (r failingBiometricRepo) Insert(context.Context, *iclock.BiometricRecord) error {
	return errStorage
}
