package http

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"iclock-cloud/internal/audit"
	"iclock-cloud/internal/auth"
	"iclock-cloud/internal/iclock/application"
	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/observability/metrics"
)

const maxAdminBodyBytes = 4 << 20

//go:embed schemas/bulk_enroll.schema.json
var bulkEnrollSchema string

// AdminHandler serves the operator API under /api/v1/iclock/.
type AdminHandler struct {
	protocol    *application.Protocol
	queue       *application.CommandQueue
	users       *application.UserCache
	attendance  *application.AttendanceIngestor
	validator   *gojsonschema.Schema
	auditLogger audit.Logger
	now         func() time.Time
	logger      *zap.Logger
}

// NewAdminHandler constructs a handler. auditLogger may be nil.
func NewAdminHandler(protocol *application.Protocol, queue *application.CommandQueue, users *application.UserCache, attendance *application.AttendanceIngestor, auditLogger audit.Logger, logger *zap.Logger) (*AdminHandler, error) {
	if protocol == nil {
		return nil, errors.New("iclock admin handler: nil protocol")
	}
	if queue == nil {
		return nil, errors.New("iclock admin handler: nil command queue")
	}
	if users == nil {
		return nil, errors.New("iclock admin handler: nil user cache")
	}
	if attendance == nil {
		return nil, errors.New("iclock admin handler: nil attendance ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(bulkEnrollSchema))
	if err != nil {
		return nil, err
	}
	return &AdminHandler{
		protocol:    protocol,
		queue:       queue,
		users:       users,
		attendance:  attendance,
		validator:   validator,
		auditLogger: auditLogger,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}, nil
}

// ServeHTTP routes the operator endpoints.
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/iclock/commands":
		switch r.Method {
		case http.MethodPost:
			h.handleEnqueue(w, r)
		case http.MethodGet:
			h.handleHistory(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "/api/v1/iclock/users":
		switch r.Method {
		case http.MethodGet:
			h.handleListUsers(w, r)
		case http.MethodDelete:
			h.handleDeleteUser(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "/api/v1/iclock/users/bulk":
		h.onlyPost(w, r, h.handleBulkEnroll)
	case "/api/v1/iclock/devices/clear-queue":
		h.onlyPost(w, r, h.handleClearQueue)
	case "/api/v1/iclock/devices/refresh-users":
		h.onlyPost(w, r, h.handleRefreshUsers)
	case "/api/v1/iclock/devices/fetch-attendance":
		h.onlyPost(w, r, h.handleFetchAttendance)
	case "/api/v1/iclock/health":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleHealth(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *AdminHandler) onlyPost(w http.ResponseWriter, r *http.Request, fn http.HandlerFunc) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fn(w, r)
}

type enqueueRequest struct {
	SN      string `json:"sn"`
	Command string `json:"command"`
}

type enqueueResponse struct {
	OK        bool     `json:"ok"`
	ID        int64    `json:"id"`
	Enqueued  []string `json:"enqueued"`
	QueueSize int      `json:"queueSize"`
}

func (h *AdminHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	body, ok := readAdminBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	sn := r.URL.Query().Get("sn")
	if sn == "" {
		sn = req.SN
	}

	record, err := h.queue.Enqueue(sn, req.Command, "operator")
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{
		OK:        true,
		ID:        record.ID,
		Enqueued:  []string{record.Text},
		QueueSize: len(h.queue.Pending(sn)),
	})
	h.logAudit(r, "command.enqueue", sn, strconv.FormatInt(record.ID, 10), map[string]any{"command": record.Text})
}

func (h *AdminHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sn := r.URL.Query().Get("sn")
	if sn == "" {
		writeError(w, http.StatusBadRequest, "sn is required")
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = FormatJSON
	}
	records, ok := h.queue.History(sn)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var (
		payload     []byte
		contentType string
		err         error
	)
	switch format {
	case FormatJSON:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sn": sn, "commands": records})
		metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))
		return
	case FormatCSV:
		payload, err = BuildHistoryCSV(records)
		contentType = "text/csv; charset=utf-8"
	case FormatXLSX:
		payload, err = BuildHistoryXLSX(sn, records)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		payload, err = BuildHistoryPDF(sn, records, h.now())
		contentType = "application/pdf"
	default:
		writeError(w, http.StatusBadRequest, "format must be json, csv, xlsx or pdf")
		return
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		h.logger.Error("command history export failed", zap.String("sn", sn), zap.String("format", format), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"commands-"+sn+"."+format+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type userView struct {
	iclock.TerminalUser
	State string `json:"state"`
}

func (h *AdminHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("sn")
	if sn == "" {
		writeError(w, http.StatusBadRequest, "sn is required")
		return
	}
	entries, ok := h.users.Users(sn)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	views := make([]userView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, userView{TerminalUser: entry.User, State: entry.State.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sn": sn, "count": len(views), "users": views})
}

func (h *AdminHandler) handleBulkEnroll(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("sn")
	if sn == "" {
		writeError(w, http.StatusBadRequest, "sn is required")
		return
	}
	body, ok := readAdminBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := h.validator.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation failed")
		return
	}
	if !res.Valid() {
		details := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			details = append(details, e.String())
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": "schema_invalid", "details": details})
		return
	}
	var req application.BulkEnrollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	result, err := h.users.BulkEnroll(sn, req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
	h.logAudit(r, "users.bulk_enroll", sn, "", map[string]any{
		"processed": result.Processed,
		"errors":    result.ErrorCount,
		"requested": result.TotalRequested,
	})
}

func (h *AdminHandler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	sn := r.URL.Query().Get("sn")
	results, err := h.users.DeleteUser(pin, sn)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pin": pin, "results": results})
	h.logAudit(r, "users.delete", sn, pin, map[string]any{"devices": len(results)})
}

func (h *AdminHandler) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("sn")
	if sn == "" {
		writeError(w, http.StatusBadRequest, "sn is required")
		return
	}
	cleared := h.queue.Clear(sn)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sn": sn, "cleared": cleared})
	h.logAudit(r, "device.clear_queue", sn, "", map[string]any{"cleared": cleared})
}

func (h *AdminHandler) handleRefreshUsers(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("sn")
	cleared, queued, err := h.users.Refresh(sn)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sn": sn, "cleared": cleared, "queued": queued, "command": application.QueryUsersCommand})
	h.logAudit(r, "device.refresh_users", sn, "", map[string]any{"cleared": cleared, "queued": queued})
}

func (h *AdminHandler) handleFetchAttendance(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("sn")
	command, queued, err := h.attendance.RequestFetch(sn, r.URL.Query().Get("syntax"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sn": sn, "command": command, "queued": queued})
	h.logAudit(r, "device.fetch_attendance", sn, "", map[string]any{"command": command, "queued": queued})
}

func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	sn := r.URL.Query().Get("sn")
	ensureUsers, _ := strconv.ParseBool(r.URL.Query().Get("ensureUsers"))
	report, err := h.protocol.Health(r.Context(), sn, ensureUsers)
	if err != nil {
		if errors.Is(err, iclock.ErrUnknownDevice) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"ok":               false,
				"error":            "Device with SN '" + sn + "' not found",
				"availableDevices": h.protocol.Devices(r.Context()),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) logAudit(r *http.Request, action, sn, resourceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:      auth.SubjectFromContext(r.Context()),
		Role:       string(auth.RoleFromContext(r.Context())),
		Action:     action,
		DeviceSN:   sn,
		ResourceID: resourceID,
		Metadata:   payload,
		IP:         audit.ClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("audit log failed", zap.String("action", action), zap.String("sn", sn), zap.Error(err))
	}
}

// readAdminBody reads a bounded request body and writes the error response itself.
func readAdminBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body error")
		return nil, false
	}
	return body, true
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, iclock.ErrUnknownDevice), errors.Is(err, iclock.ErrNoDevices):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, iclock.ErrSerialRequired),
		errors.Is(err, iclock.ErrCommandRequired),
		errors.Is(err, iclock.ErrPINRequired),
		errors.Is(err, iclock.ErrInvalidSyntax),
		errors.Is(err, application.ErrEmptyBatch),
		errors.Is(err, application.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
