package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/observability/metrics"
)

// Device-facing endpoint names recorded in diagnostics.
const (
	EndpointCData      = "cdata"
	EndpointGetRequest = "getrequest"
	EndpointDeviceCmd  = "devicecmd"
	EndpointPing       = "ping"
	EndpointRoot       = "root"
)

// ResponseOK is the body of every acknowledgement.
const ResponseOK = "OK"

// SessionSnapshot is the shareable read model of a terminal session.
type SessionSnapshot struct {
	SN                   string            `json:"sn"`
	LastSeenAt           time.Time         `json:"lastSeenAt"`
	LastUserSyncAt       *time.Time        `json:"lastUserSyncAt,omitempty"`
	LastAttendanceCursor *time.Time        `json:"lastAttendanceCursor,omitempty"`
	PinField             string            `json:"pinField,omitempty"`
	Info                 iclock.DeviceInfo `json:"info"`
	QueueDepth           int               `json:"queueDepth"`
	UserCount            int               `json:"userCount"`
}

// SessionMirror publishes snapshots so other instances can answer health queries.
type SessionMirror interface {
	Save(ctx context.Context, snapshot SessionSnapshot) error
	Load(ctx context.Context, sn string) (*SessionSnapshot, error)
}

// UploadRequest is one POST from a terminal.
type UploadRequest struct {
	SN       string
	Table    string
	Query    string
	Body     string
	Remote   string
	Endpoint string
}

// UploadResult summarises how an upload was routed.
type UploadResult struct {
	Stats      iclock.ParseStats
	Counts     map[iclock.RecordType]int
	Users      MergeResult
	Biometrics BiometricSummary
	Attendance AttendanceSummary
	Responded  int
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithSessionMirror publishes session snapshots after each exchange.
func WithSessionMirror(mirror SessionMirror) ProtocolOption {
	return func(p *Protocol) {
		p.mirror = mirror
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProtocolOption {
	return func(p *Protocol) {
		if now != nil {
			p.now = now
		}
	}
}

// Protocol implements the terminal side of the push protocol.
type Protocol struct {
	store          Store
	queue          *CommandQueue
	users          *UserCache
	biometrics     *BiometricPipeline
	attendance     *AttendanceIngestor
	parser         iclock.Parser
	rawLines       int
	autoFetchUsers bool
	mirror         SessionMirror
	now            func() time.Time
	logger         *zap.Logger
}

// NewProtocol wires the protocol state machine.
func NewProtocol(store Store, queue *CommandQueue, users *UserCache, biometrics *BiometricPipeline, attendance *AttendanceIngestor, cfg Config, logger *zap.Logger, opts ...ProtocolOption) (*Protocol, error) {
	if store == nil {
		return nil, errors.New("iclock: nil store")
	}
	if queue == nil {
		return nil, errors.New("iclock: nil command queue")
	}
	if users == nil {
		return nil, errors.New("iclock: nil user cache")
	}
	if biometrics == nil {
		return nil, errors.New("iclock: nil biometric pipeline")
	}
	if attendance == nil {
		return nil, errors.New("iclock: nil attendance ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rawLines := cfg.RawUploadLines
	if rawLines <= 0 {
		rawLines = DefaultConfig().RawUploadLines
	}
	p := &Protocol{
		store:          store,
		queue:          queue,
		users:          users,
		biometrics:     biometrics,
		attendance:     attendance,
		parser:         iclock.NewParser(loc),
		rawLines:       rawLines,
		autoFetchUsers: cfg.AutoFetchUsers,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Touch records contact from ping and root requests.
func (p *Protocol) Touch(ctx context.Context, sn, endpoint string) string {
	if sn == "" {
		return ResponseOK
	}
	now := p.now()
	var snapshot SessionSnapshot
	p.store.Update(sn, func(state *DeviceState) {
		state.Session.Touch(now)
		snapshot = snapshotLocked(state)
	})
	p.publish(ctx, snapshot)
	p.logger.Debug("terminal contact", zap.String("sn", sn), zap.String("endpoint", endpoint))
	return ResponseOK
}

// Poll drains pending commands. The body is the framed commands or OK.
func (p *Protocol) Poll(ctx context.Context, sn, remote, endpoint string) string {
	if sn == "" {
		return ResponseOK
	}
	now := p.now()
	var (
		cmds     []string
		body     string
		snapshot SessionSnapshot
	)
	requested := false
	p.store.Update(sn, func(state *DeviceState) {
		state.Session.Touch(now)
		if p.autoFetchUsers && len(state.Users) == 0 && state.Session.LastUserSyncAt == nil {
			requested = p.queue.enqueueUniqueLocked(state, QueryUsersCommand)
		}
		cmds, body = p.queue.drainLocked(state, remote, now)
		state.Polls.Push(PollEvent{At: now, Endpoint: endpoint, Remote: remote, Delivered: len(cmds), Bytes: len(body)})
		p.queue.sweepLocked(state, now)
		snapshot = snapshotLocked(state)
	})
	if requested {
		p.queue.countQueued("auto_fetch_users")
	}
	p.publish(ctx, snapshot)
	metrics.IncPoll(len(cmds))
	if len(cmds) == 0 {
		return ResponseOK
	}
	p.logger.Info("commands delivered", zap.String("sn", sn), zap.String("endpoint", endpoint), zap.Int("count", len(cmds)), zap.Int("bytes", len(body)))
	return body
}

// Upload parses and routes a payload. The terminal is always answered OK.
func (p *Protocol) Upload(ctx context.Context, req UploadRequest) UploadResult {
	start := time.Now()
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = EndpointCData
	}
	now := p.now()
	records, stats := p.parser.ParseLines(req.Body)
	result := UploadResult{Stats: stats, Counts: make(map[iclock.RecordType]int)}

	var (
		users      []iclock.TerminalUser
		bioItems   []iclock.BiometricItem
		punches    []iclock.Punch
		userFields []iclock.Fields
	)
	for _, record := range records {
		result.Counts[record.Type]++
		switch record.Type {
		case iclock.RecordAttendance:
			punches = append(punches, *record.Punch)
		case iclock.RecordUser:
			users = append(users, *record.User)
			userFields = append(userFields, record.Fields)
			if item, ok := iclock.BiometricItemFromUser(*record.User); ok {
				bioItems = append(bioItems, item)
			}
		case iclock.RecordBioData, iclock.RecordBioPhoto, iclock.RecordUserPic:
			bioItems = append(bioItems, *record.Biometric)
		}
	}
	for kind, count := range result.Counts {
		metrics.AddUploadLines(string(kind), count)
	}
	metrics.AddUploadLines("dropped", stats.Dropped)

	if req.SN == "" {
		p.logger.Warn("upload without serial ignored", zap.Int("lines", stats.Lines))
		metrics.ObserveUpload(req.Table, metrics.ResultError, time.Since(start))
		return result
	}

	counts := make(map[string]int, len(result.Counts))
	for kind, count := range result.Counts {
		counts[string(kind)] = count
	}
	var snapshot SessionSnapshot
	p.store.Update(req.SN, func(state *DeviceState) {
		state.Session.Touch(now)
		state.Uploads.Push(UploadEvent{
			At:       now,
			Endpoint: endpoint,
			Table:    req.Table,
			Bytes:    len(req.Body),
			Lines:    stats.Lines,
			Dropped:  stats.Dropped,
			Counts:   counts,
		})
		state.Raw.Push(p.rawUpload(now, req))
		result.Responded = observeUploadLocked(state, now)
		p.queue.sweepLocked(state, now)
		for _, fields := range userFields {
			if state.Session.LearnPinField(fields) {
				p.logger.Info("pin field learned", zap.String("sn", req.SN), zap.String("field", state.Session.PinField.String()))
			}
		}
		if len(users) > 0 {
			result.Users = mergeUsersLocked(state, users, now)
		}
		snapshot = snapshotLocked(state)
	})

	if len(bioItems) > 0 {
		result.Biometrics = p.biometrics.Ingest(ctx, bioItems)
	}
	outcome := metrics.ResultSuccess
	if len(punches) > 0 {
		summary, err := p.attendance.Ingest(ctx, req.SN, punches)
		result.Attendance = summary
		if err != nil {
			outcome = metrics.ResultError
			p.logger.Warn("attendance ingest failed", zap.String("sn", req.SN), zap.Error(err))
		}
		if summary.Cursor != nil {
			snapshot.LastAttendanceCursor = summary.Cursor
		}
	}
	p.publish(ctx, snapshot)

	metrics.ObserveUpload(req.Table, outcome, time.Since(start))
	p.logger.Info("upload processed",
		zap.String("sn", req.SN),
		zap.String("endpoint", endpoint),
		zap.String("table", req.Table),
		zap.Int("lines", stats.Lines),
		zap.Int("parsed", stats.Parsed),
		zap.Int("dropped", stats.Dropped),
		zap.Int("users_added", result.Users.Added),
		zap.Int("responded", result.Responded),
	)
	return result
}

// DeviceCmd serves the legacy devicecmd endpoint. A numeric INFO is a status
// report and is acknowledged without touching state.
func (p *Protocol) DeviceCmd(ctx context.Context, sn, info, body, remote string) string {
	info = strings.TrimSpace(info)
	if isNumeric(info) {
		p.logger.Debug("devicecmd status report", zap.String("sn", sn), zap.String("info", info))
		return ResponseOK
	}
	if strings.TrimSpace(body) != "" {
		p.Upload(ctx, UploadRequest{SN: sn, Body: body, Remote: remote, Endpoint: EndpointDeviceCmd})
	}
	if sn != "" {
		if parsed, ok := iclock.ParseDeviceInfo(info, p.now()); ok {
			p.store.Update(sn, func(state *DeviceState) {
				state.Session.Info = parsed
			})
		}
	}
	return p.Poll(ctx, sn, remote, EndpointDeviceCmd)
}

func (p *Protocol) rawUpload(at time.Time, req UploadRequest) RawUpload {
	normalized := strings.ReplaceAll(req.Body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	var lines []string
	truncated := false
	for _, line := range strings.Split(normalized, "\n") {
		if line == "" {
			continue
		}
		if len(lines) == p.rawLines {
			truncated = true
			break
		}
		lines = append(lines, line)
	}
	return RawUpload{At: at, Query: req.Query, Lines: lines, Truncated: truncated}
}

func (p *Protocol) publish(ctx context.Context, snapshot SessionSnapshot) {
	if p.mirror == nil || snapshot.SN == "" {
		return
	}
	if err := p.mirror.Save(ctx, snapshot); err != nil {
		p.logger.Warn("session mirror save failed", zap.String("sn", snapshot.SN), zap.Error(err))
	}
}

func snapshotLocked(state *DeviceState) SessionSnapshot {
	session := state.Session
	pinField := ""
	if session.PinField.Detected() {
		pinField = session.PinField.String()
	}
	return SessionSnapshot{
		SN:                   session.Serial,
		LastSeenAt:           session.LastSeenAt,
		LastUserSyncAt:       session.LastUserSyncAt,
		LastAttendanceCursor: session.LastAttendanceCursor,
		PinField:             pinField,
		Info:                 session.Info,
		QueueDepth:           len(state.Pending),
		UserCount:            len(state.Users),
	}
}

func isNumeric(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
