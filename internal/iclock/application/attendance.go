package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/observability/metrics"
)

// AttendanceSummary aggregates one batch of punches.
type AttendanceSummary struct {
	Received   int        `json:"received"`
	Stored     int        `json:"stored"`
	Unresolved int        `json:"unresolved"`
	Errors     int        `json:"errors"`
	Cursor     *time.Time `json:"cursor,omitempty"`
}

// AttendanceIngestor stores punches against registered devices and employees.
type AttendanceIngestor struct {
	store       Store
	queue       *CommandQueue
	devices     iclock.DeviceRegistry
	employees   iclock.EmployeeDirectory
	punches     iclock.PunchLogRepository
	concurrency int
	syntax      iclock.FetchSyntax
	lookback    time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewAttendanceIngestor constructs the ingestor.
func NewAttendanceIngestor(store Store, queue *CommandQueue, devices iclock.DeviceRegistry, employees iclock.EmployeeDirectory, punches iclock.PunchLogRepository, cfg Config, logger *zap.Logger) (*AttendanceIngestor, error) {
	if store == nil {
		return nil, errors.New("iclock: nil store")
	}
	if queue == nil {
		return nil, errors.New("iclock: nil command queue")
	}
	if devices == nil {
		return nil, errors.New("iclock: nil device registry")
	}
	if employees == nil {
		return nil, errors.New("iclock: nil employee directory")
	}
	if punches == nil {
		return nil, errors.New("iclock: nil punch log repo")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	syntax, err := iclock.ParseFetchSyntax(cfg.AttendanceSyntax)
	if err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	concurrency := cfg.IngestConcurrency
	if concurrency <= 0 {
		concurrency = defaults.IngestConcurrency
	}
	lookback := cfg.AttendanceLookback
	if lookback <= 0 {
		lookback = defaults.AttendanceLookback
	}
	return &AttendanceIngestor{
		store:       store,
		queue:       queue,
		devices:     devices,
		employees:   employees,
		punches:     punches,
		concurrency: concurrency,
		syntax:      syntax,
		lookback:    lookback,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}, nil
}

// Ingest resolves and stores punches. Punches whose employee cannot be resolved
// are dropped and counted. An unregistered serial stores nothing.
func (a *AttendanceIngestor) Ingest(ctx context.Context, sn string, punches []iclock.Punch) (AttendanceSummary, error) {
	summary := AttendanceSummary{Received: len(punches)}
	if len(punches) == 0 {
		return summary, nil
	}

	device, err := a.devices.FindBySerial(ctx, sn)
	if err != nil {
		return summary, fmt.Errorf("find device: %w", err)
	}
	if device == nil {
		summary.Unresolved = len(punches)
		metrics.AddPunchOutcome("unregistered_device", len(punches))
		a.logger.Warn("punches from unregistered device dropped", zap.String("sn", sn), zap.Int("count", len(punches)))
		return summary, fmt.Errorf("%w: %s", iclock.ErrUnknownDevice, sn)
	}

	entries := make([]*iclock.AttendanceLogEntry, len(punches))
	failures := make([]error, len(punches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range punches {
		i := i
		g.Go(func() error {
			punch := punches[i]
			employee, err := a.employees.FindByPIN(gctx, punch.PIN)
			if err != nil {
				failures[i] = err
				return nil
			}
			if employee == nil {
				return nil
			}
			entries[i] = &iclock.AttendanceLogEntry{
				EmployeeID: employee.ID,
				DeviceID:   device.ID,
				PunchType:  punch.PunchType,
				PunchTime:  punch.Time,
			}
			return nil
		})
	}
	_ = g.Wait()

	var rows []iclock.AttendanceLogEntry
	var newest time.Time
	for i, entry := range entries {
		switch {
		case failures[i] != nil:
			summary.Errors++
			a.logger.Warn("employee lookup failed", zap.String("sn", sn), zap.String("pin", punches[i].PIN), zap.Error(failures[i]))
		case entry == nil:
			summary.Unresolved++
			a.logger.Debug("punch for unknown pin dropped", zap.String("sn", sn), zap.String("pin", punches[i].PIN))
		default:
			rows = append(rows, *entry)
			if entry.PunchTime.After(newest) {
				newest = entry.PunchTime
			}
		}
	}

	var insertErr error
	if len(rows) > 0 {
		stored, err := a.punches.InsertPunches(ctx, rows)
		summary.Stored = stored
		if err != nil {
			// the cursor stays put so the next pull covers the failed rows
			summary.Errors += len(rows) - stored
			insertErr = fmt.Errorf("insert punches: %w", err)
		} else {
			a.store.Update(sn, func(state *DeviceState) {
				state.Session.AdvanceAttendanceCursor(newest)
				summary.Cursor = state.Session.LastAttendanceCursor
			})
		}
	}

	metrics.AddPunchOutcome("stored", summary.Stored)
	metrics.AddPunchOutcome("unresolved", summary.Unresolved)
	metrics.AddPunchOutcome("error", summary.Errors)
	a.logger.Info("attendance ingested",
		zap.String("sn", sn),
		zap.Int("received", summary.Received),
		zap.Int("stored", summary.Stored),
		zap.Int("unresolved", summary.Unresolved),
		zap.Int("errors", summary.Errors),
	)
	return summary, insertErr
}

// RequestFetch queues an attendance pull starting just before the cursor.
// An empty syntax uses the configured one.
func (a *AttendanceIngestor) RequestFetch(sn, syntax string) (string, bool, error) {
	if strings.TrimSpace(sn) == "" {
		return "", false, iclock.ErrSerialRequired
	}
	chosen := a.syntax
	if syntax != "" {
		parsed, err := iclock.ParseFetchSyntax(syntax)
		if err != nil {
			return "", false, err
		}
		chosen = parsed
	}
	var command string
	queued := false
	now := a.now()
	a.store.Update(sn, func(state *DeviceState) {
		command = iclock.BuildFetchCommand(state.Session.LastAttendanceCursor, now, a.lookback, chosen)
		queued = a.queue.enqueueUniqueLocked(state, command)
	})
	if queued {
		a.queue.countQueued("fetch_attendance")
	}
	a.logger.Info("attendance fetch queued", zap.String("sn", sn), zap.String("command", command), zap.Bool("queued", queued))
	return command, queued, nil
}
