package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	iclock "iclock-cloud/internal/iclock/domain"
)

const (
	healthPreviewCommands = 5
	healthRecentEvents    = 10
)

// DeviceHealth is the diagnostic view of one terminal.
type DeviceHealth struct {
	SN                   string                 `json:"sn"`
	Source               string                 `json:"source"`
	LastSeenAt           *time.Time             `json:"lastSeenAt,omitempty"`
	LastUserSyncAt       *time.Time             `json:"lastUserSyncAt,omitempty"`
	LastAttendanceCursor *time.Time             `json:"lastAttendanceCursor,omitempty"`
	PinField             string                 `json:"pinField,omitempty"`
	Info                 iclock.DeviceInfo      `json:"info"`
	QueueDepth           int                    `json:"queueDepth"`
	QueuePreview         []string               `json:"queuePreview,omitempty"`
	UserCount            int                    `json:"userCount"`
	ProvisionalUsers     int                    `json:"provisionalUsers"`
	AwaitingCommands     int                    `json:"awaitingCommands"`
	StaleCommands        int                    `json:"staleCommands"`
	RecentCommands       []iclock.CommandRecord `json:"recentCommands,omitempty"`
	RecentPolls          []PollEvent            `json:"recentPolls,omitempty"`
	RecentUploads        []UploadEvent          `json:"recentUploads,omitempty"`
	RecentRaw            []RawUpload            `json:"recentRaw,omitempty"`
	UsersRequested       bool                   `json:"usersRequested,omitempty"`
}

// HealthReport lists device diagnostics.
type HealthReport struct {
	OK      bool           `json:"ok"`
	Devices []DeviceHealth `json:"devices"`
}

// Health reports diagnostics for one terminal or all known terminals. It only
// reads state unless ensureUsers asks for an empty cache to be refreshed. A
// serial unknown locally is looked up in the session mirror before failing
// with ErrUnknownDevice.
func (p *Protocol) Health(ctx context.Context, sn string, ensureUsers bool) (HealthReport, error) {
	report := HealthReport{OK: true, Devices: []DeviceHealth{}}
	targets := p.store.Serials()
	if sn != "" {
		targets = []string{sn}
	}
	for _, target := range targets {
		requested := false
		if ensureUsers && p.known(target) {
			_, requested = p.users.EnsureFetched(target)
		}
		var health DeviceHealth
		ok := p.store.View(target, func(state *DeviceState) {
			health = healthLocked(state)
		})
		if !ok {
			remote, err := p.mirrored(ctx, target)
			if err != nil {
				return HealthReport{}, err
			}
			health = remote
		}
		health.UsersRequested = requested
		report.Devices = append(report.Devices, health)
	}
	return report, nil
}

// SerialLister is implemented by session mirrors that can enumerate sessions.
type SerialLister interface {
	Serials(ctx context.Context) ([]string, error)
}

// Devices lists serials with local state plus any the mirror knows about.
func (p *Protocol) Devices(ctx context.Context) []string {
	serials := p.store.Serials()
	lister, ok := p.mirror.(SerialLister)
	if !ok {
		return serials
	}
	remote, err := lister.Serials(ctx)
	if err != nil {
		p.logger.Warn("session mirror scan failed", zap.Error(err))
		return serials
	}
	seen := make(map[string]struct{}, len(serials)+len(remote))
	for _, sn := range serials {
		seen[sn] = struct{}{}
	}
	for _, sn := range remote {
		if _, ok := seen[sn]; !ok {
			seen[sn] = struct{}{}
			serials = append(serials, sn)
		}
	}
	sort.Strings(serials)
	return serials
}

func (p *Protocol) known(sn string) bool {
	return p.store.View(sn, func(*DeviceState) {})
}

func (p *Protocol) mirrored(ctx context.Context, sn string) (DeviceHealth, error) {
	if p.mirror == nil {
		return DeviceHealth{}, fmt.Errorf("%w: %s", iclock.ErrUnknownDevice, sn)
	}
	snapshot, err := p.mirror.Load(ctx, sn)
	if err != nil {
		p.logger.Warn("session mirror load failed", zap.String("sn", sn), zap.Error(err))
		return DeviceHealth{}, fmt.Errorf("%w: %s", iclock.ErrUnknownDevice, sn)
	}
	if snapshot == nil {
		return DeviceHealth{}, fmt.Errorf("%w: %s", iclock.ErrUnknownDevice, sn)
	}
	health := DeviceHealth{
		SN:                   snapshot.SN,
		Source:               "mirror",
		LastUserSyncAt:       snapshot.LastUserSyncAt,
		LastAttendanceCursor: snapshot.LastAttendanceCursor,
		PinField:             snapshot.PinField,
		Info:                 snapshot.Info,
		QueueDepth:           snapshot.QueueDepth,
		UserCount:            snapshot.UserCount,
	}
	if !snapshot.LastSeenAt.IsZero() {
		seen := snapshot.LastSeenAt
		health.LastSeenAt = &seen
	}
	return health, nil
}

func healthLocked(state *DeviceState) DeviceHealth {
	session := state.Session
	health := DeviceHealth{
		SN:                   session.Serial,
		Source:               "local",
		LastUserSyncAt:       session.LastUserSyncAt,
		LastAttendanceCursor: session.LastAttendanceCursor,
		Info:                 session.Info,
		QueueDepth:           len(state.Pending),
		UserCount:            len(state.Users),
		RecentCommands:       tail(state.Commands.Items(), healthRecentEvents),
		RecentPolls:          tail(state.Polls.Items(), healthRecentEvents),
		RecentUploads:        tail(state.Uploads.Items(), healthRecentEvents),
		RecentRaw:            tail(state.Raw.Items(), 1),
	}
	if !session.LastSeenAt.IsZero() {
		seen := session.LastSeenAt
		health.LastSeenAt = &seen
	}
	if session.PinField.Detected() {
		health.PinField = session.PinField.String()
	}
	for i, cmd := range state.Pending {
		if i == healthPreviewCommands {
			break
		}
		health.QueuePreview = append(health.QueuePreview, cmd.Text)
	}
	for _, entry := range state.Users {
		if entry.Optimistic() {
			health.ProvisionalUsers++
		}
	}
	state.Commands.Mutate(func(record *iclock.CommandRecord) {
		if record.Awaiting() {
			health.AwaitingCommands++
		}
		if record.StaleAt != nil && record.RespondedAt == nil {
			health.StaleCommands++
		}
	})
	return health
}

func tail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
