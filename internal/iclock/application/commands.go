package application

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/observability/metrics"
)

// CommandQueue manages per-terminal pending commands and their delivery history.
type CommandQueue struct {
	store      Store
	separator  string
	staleAfter time.Duration
	nextID     atomic.Int64
	now        func() time.Time
	logger     *zap.Logger
}

// NewCommandQueue constructs a queue over the store.
func NewCommandQueue(store Store, cfg Config, logger *zap.Logger) (*CommandQueue, error) {
	if store == nil {
		return nil, errors.New("iclock: nil store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultConfig().StaleAfter
	}
	return &CommandQueue{
		store:      store,
		separator:  cfg.Separator(),
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}, nil
}

// Enqueue appends a command verbatim.
func (q *CommandQueue) Enqueue(sn, text, origin string) (iclock.CommandRecord, error) {
	text, err := validateCommand(sn, text)
	if err != nil {
		return iclock.CommandRecord{}, err
	}
	var record iclock.CommandRecord
	q.store.Update(sn, func(state *DeviceState) {
		record = q.pushLocked(state, text)
	})
	metrics.IncCommandQueued(origin)
	q.logger.Info("command queued", zap.String("sn", sn), zap.Int64("id", record.ID), zap.String("command", text))
	return record, nil
}

// EnqueueUnique appends a command unless an identical one is pending.
func (q *CommandQueue) EnqueueUnique(sn, text, origin string) (bool, error) {
	text, err := validateCommand(sn, text)
	if err != nil {
		return false, err
	}
	queued := false
	q.store.Update(sn, func(state *DeviceState) {
		queued = q.enqueueUniqueLocked(state, text)
	})
	if queued {
		metrics.IncCommandQueued(origin)
		q.logger.Info("command queued", zap.String("sn", sn), zap.String("command", text))
	}
	return queued, nil
}

// Drain removes and returns every pending command in FIFO order.
func (q *CommandQueue) Drain(sn, remote string) []string {
	var cmds []string
	q.store.Update(sn, func(state *DeviceState) {
		cmds, _ = q.drainLocked(state, remote, q.now())
	})
	return cmds
}

// Frame joins commands with the separator and appends a trailing one.
func (q *CommandQueue) Frame(cmds []string) string {
	if len(cmds) == 0 {
		return ""
	}
	return strings.Join(cmds, q.separator) + q.separator
}

// SweepStale flags delivered, unanswered commands older than the threshold.
func (q *CommandQueue) SweepStale(sn string, now time.Time) int {
	marked := 0
	q.store.View(sn, func(state *DeviceState) {
		marked = q.sweepLocked(state, now)
	})
	return marked
}

// SweepAll runs SweepStale across every known terminal.
func (q *CommandQueue) SweepAll(now time.Time) int {
	total := 0
	for _, sn := range q.store.Serials() {
		total += q.SweepStale(sn, now)
	}
	return total
}

// ObserveUpload marks every delivered, unanswered command as answered by an
// upload at the given time. The pairing is a heuristic.
func (q *CommandQueue) ObserveUpload(sn string, at time.Time) int {
	matched := 0
	q.store.View(sn, func(state *DeviceState) {
		matched = observeUploadLocked(state, at)
	})
	return matched
}

// Clear drops pending commands and returns how many were removed.
func (q *CommandQueue) Clear(sn string) int {
	cleared := 0
	q.store.View(sn, func(state *DeviceState) {
		cleared = len(state.Pending)
		state.Pending = nil
	})
	if cleared > 0 {
		q.logger.Info("command queue cleared", zap.String("sn", sn), zap.Int("cleared", cleared))
	}
	return cleared
}

// Pending returns a copy of the pending queue.
func (q *CommandQueue) Pending(sn string) []iclock.CommandRecord {
	var out []iclock.CommandRecord
	q.store.View(sn, func(state *DeviceState) {
		out = append(out, state.Pending...)
	})
	return out
}

// History returns delivered commands oldest first.
func (q *CommandQueue) History(sn string) ([]iclock.CommandRecord, bool) {
	var out []iclock.CommandRecord
	ok := q.store.View(sn, func(state *DeviceState) {
		out = state.Commands.Items()
	})
	return out, ok
}

func (q *CommandQueue) countQueued(origin string) {
	metrics.IncCommandQueued(origin)
}

func validateCommand(sn, text string) (string, error) {
	if strings.TrimSpace(sn) == "" {
		return "", iclock.ErrSerialRequired
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", iclock.ErrCommandRequired
	}
	return text, nil
}

func (q *CommandQueue) pushLocked(state *DeviceState, text string) iclock.CommandRecord {
	record := iclock.CommandRecord{
		ID:       q.nextID.Add(1),
		Text:     text,
		QueuedAt: q.now(),
	}
	state.Pending = append(state.Pending, record)
	return record
}

func (q *CommandQueue) enqueueUniqueLocked(state *DeviceState, text string) bool {
	if state.HasPending(text) {
		return false
	}
	q.pushLocked(state, text)
	return true
}

func (q *CommandQueue) drainLocked(state *DeviceState, remote string, now time.Time) ([]string, string) {
	if len(state.Pending) == 0 {
		return nil, ""
	}
	pending := state.Pending
	state.Pending = nil

	cmds := make([]string, len(pending))
	for i, record := range pending {
		cmds[i] = record.Text
	}
	body := q.Frame(cmds)
	delivered := now
	for _, record := range pending {
		record.Remote = remote
		record.DeliveredAt = &delivered
		record.BytesSent = len(body)
		state.Commands.Push(record)
	}
	return cmds, body
}

func (q *CommandQueue) sweepLocked(state *DeviceState, now time.Time) int {
	marked := 0
	cutoff := now.Add(-q.staleAfter)
	state.Commands.Mutate(func(record *iclock.CommandRecord) {
		if !record.Awaiting() || record.StaleAt != nil {
			return
		}
		if record.DeliveredAt.Before(cutoff) {
			stale := now
			record.StaleAt = &stale
			marked++
		}
	})
	if marked > 0 {
		metrics.AddStaleCommands(marked)
	}
	return marked
}

func observeUploadLocked(state *DeviceState, at time.Time) int {
	matched := 0
	state.Commands.Mutate(func(record *iclock.CommandRecord) {
		if !record.Awaiting() || record.DeliveredAt.After(at) {
			return
		}
		responded := at
		record.RespondedAt = &responded
		matched++
	})
	return matched
}
