package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"iclock-cloud/internal/audit"
	"iclock-cloud/internal/iclock/application"
	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/iclock/infrastructure/memory"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, entry := range a.entries {
		out = append(out, entry.Action)
	}
	return out
}

type server struct {
	device  *DeviceHandler
	admin   *AdminHandler
	queue   *application.CommandQueue
	punches *memory.PunchLogRepository
	audit   *recordingAudit
}

func newServer(t *testing.T) *server {
	t.Helper()
	cfg := application.DefaultConfig()
	logger := zap.NewNop()
	store := memory.NewStore(cfg.Limits())
	employees := memory.NewEmployeeDirectory(iclock.Employee{ID: "emp-17", PIN: "17"})
	devices := memory.NewDeviceRegistry(iclock.Device{ID: "dev-1", Identifier: "SN1"})
	punches := memory.NewPunchLogRepository()

	queue, err := application.NewCommandQueue(store, cfg, logger)
	require.NoError(t, err)
	users, err := application.NewUserCache(store, queue, cfg, logger)
	require.NoError(t, err)
	biometrics, err := application.NewBiometricPipeline(employees, memory.NewBiometricRepository(), cfg, logger)
	require.NoError(t, err)
	attendance, err := application.NewAttendanceIngestor(store, queue, devices, employees, punches, cfg, logger)
	require.NoError(t, err)
	protocol, err := application.NewProtocol(store, queue, users, biometrics, attendance, cfg, logger)
	require.NoError(t, err)

	recorder := &recordingAudit{}
	device, err := NewDeviceHandler(protocol, logger)
	require.NoError(t, err)
	admin, err := NewAdminHandler(protocol, queue, users, attendance, recorder, logger)
	require.NoError(t, err)
	return &server{device: device, admin: admin, queue: queue, punches: punches, audit: recorder}
}

func (s *server) call(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	if strings.HasPrefix(req.URL.Path, "/api/") {
		s.admin.ServeHTTP(resp, req)
	} else {
		s.device.ServeHTTP(resp, req)
	}
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestConstructorsRejectNil(t *testing.T) {
	_, err := NewDeviceHandler(nil, nil)
	require.Error(t, err)
	_, err = NewAdminHandler(nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestEmptyPollAnswersOK(t *testing.T) {
	s := newServer(t)
	resp := s.call(http.MethodGet, "/iclock/cdata?SN=SN1", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "OK", resp.Body.String())
	assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/plain"))
}

func TestQueuedCommandDeliveredOnce(t *testing.T) {
	s := newServer(t)
	resp := s.call(http.MethodPost, "/api/v1/iclock/commands?sn=SN1", `{"command":"C:1:INFO"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["queueSize"])

	resp = s.call(http.MethodGet, "/iclock/getrequest?SN=SN1", "", "X-Forwarded-For", "10.1.1.1")
	assert.Equal(t, "C:1:INFO\n", resp.Body.String())
	resp = s.call(http.MethodGet, "/iclock/cdata?SN=SN1", "")
	assert.Equal(t, "OK", resp.Body.String())

	history, ok := s.queue.History("SN1")
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "10.1.1.1", history[0].Remote)
	assert.Equal(t, []string{"command.enqueue"}, s.audit.actions())
}

func TestEnqueueValidation(t *testing.T) {
	s := newServer(t)
	resp := s.call(http.MethodPost, "/api/v1/iclock/commands", `{"command":"C:1:INFO"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = s.call(http.MethodPost, "/api/v1/iclock/commands?sn=SN1", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = s.call(http.MethodPost, "/api/v1/iclock/commands?sn=SN1", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, s.audit.actions())
}

func TestUploadRoutesUsersAndPunches(t *testing.T) {
	s := newServer(t)
	payload := "USER PIN=17\tName=Alice\tPri=0\n" +
		"garbage line\n"
	resp := s.call(http.MethodPost, "/iclock/cdata?SN=SN1&table=OPERLOG", payload)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "OK", resp.Body.String())

	resp = s.call(http.MethodPost, "/iclock/cdata?SN=SN1&table=ATTLOG", "17\t2024-01-02 08:00:00\t0\t1\t0\n")
	assert.Equal(t, "OK", resp.Body.String())
	entries := s.punches.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "emp-17", entries[0].EmployeeID)
	assert.Equal(t, iclock.PunchFingerprint, entries[0].PunchType)

	resp = s.call(http.MethodGet, "/api/v1/iclock/users?sn=SN1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, float64(1), body["count"])
	users := body["users"].([]any)
	first := users[0].(map[string]any)
	assert.Equal(t, "17", first["pin"])
	assert.Equal(t, "Alice", first["name"])
	assert.Equal(t, "confirmed", first["state"])
}

func TestUploadWithoutSerialStillOK(t *testing.T) {
	s := newServer(t)
	resp := s.call(http.MethodPost, "/iclock/cdata", "17\t2024-01-02 08:00:00\t0\t1\n")
	assert.Equal(t, "OK", resp.Body.String())
	assert.Empty(t, s.punches.Entries())
}

func TestLegacyEndpoints(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, "OK", s.call(http.MethodGet, "/iclock/ping?SN=SN1", "").Body.String())
	assert.Equal(t, "OK", s.call(http.MethodGet, "/iclock/?SN=SN1", "").Body.String())
	assert.Equal(t, "OK", s.call(http.MethodGet, "/iclock/devicecmd?SN=SN2&INFO=1", "").Body.String())
	assert.Equal(t, http.StatusNotFound, s.call(http.MethodGet, "/iclock/unknown", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.call(http.MethodPut, "/iclock/cdata?SN=SN1", "").Code)

	resp := s.call(http.MethodGet, "/api/v1/iclock/health?sn=SN2", "")
	assert.Equal(t, http.StatusNotFound, resp.Code, "numeric INFO creates no session")
}

func TestBulkEnrollPartialSuccess(t *testing.T) {
	s := newServer(t)
	resp := s.call(http.MethodPost, "/api/v1/iclock/users/bulk?sn=SN1", `{"users":[{"name":"Alice"},{"name":""}]}`)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, float64(1), body["processed"])
	assert.Equal(t, float64(1), body["errorCount"])
	assert.Equal(t, float64(1), body["commands"])

	updates := 0
	for _, cmd := range s.queue.Pending("SN1") {
		if strings.Contains(cmd.Text, "DATA UPDATE USERINFO") {
			updates++
		}
	}
	assert.Equal(t, 1, updates)
	assert.Equal(t, []string{"users.bulk_enroll"}, s.audit.actions())
}

func TestBulkEnrollRejectsInvalidEnvelope(t *testing.T) {
	s := newServer(t)
	resp := s.call(http.MethodPost, "/api/v1/iclock/users/bulk?sn=SN1", `{"users":[{"name":"Alice","privilege":"admin"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "schema_invalid", decode(t, resp)["error"])

	resp = s.call(http.MethodPost, "/api/v1/iclock/users/bulk?sn=SN1", `{"users":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = s.call(http.MethodPost, "/api/v1/iclock/users/bulk", `{"users":[{"name":"A"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = s.call(http.MethodPost, "/api/v1/iclock/users/bulk?sn=SN1", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, s.queue.Pending("SN1"))
}

func TestAdminBodyTooLarge(t *testing.T) {
	s := newServer(t)
	oversized := `{"command":"` + strings.Repeat("x", maxAdminBodyBytes) + `"}`
	resp := s.call(http.MethodPost, "/api/v1/iclock/commands?sn=SN1", oversized)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Equal(t, false, decode(t, resp)["ok"])

	resp = s.call(http.MethodPost, "/api/v1/iclock/users/bulk?sn=SN1", `{"users":[{"name":"`+strings.Repeat("a", maxAdminBodyBytes)+`"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Empty(t, s.queue.Pending("SN1"))
	assert.Empty(t, s.audit.actions())
}

func TestDeleteUser(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusBadRequest, s.call(http.MethodDelete, "/api/v1/iclock/users?sn=SN1", "").Code)
	assert.Equal(t, http.StatusNotFound, s.call(http.MethodDelete, "/api/v1/iclock/users?pin=17", "").Code)

	s.call(http.MethodPost, "/iclock/cdata?SN=SN1", "USER PIN=17\tName=Alice\n")
	resp := s.call(http.MethodDelete, "/api/v1/iclock/users?pin=17", "")
	require.Equal(t, http.StatusOK, resp.Code)
	results := decode(t, resp)["results"].([]any)
	require.Len(t, results, 1)
	result := results[0].(map[string]any)
	assert.Equal(t, true, result["removedFromCache"])
	assert.Equal(t, "C:1:DATA DELETE USERINFO PIN=17", result["command"])
}

func TestDeviceMaintenanceEndpoints(t *testing.T) {
	s := newServer(t)
	s.call(http.MethodPost, "/api/v1/iclock/commands?sn=SN1", `{"command":"C:1:INFO"}`)

	resp := s.call(http.MethodPost, "/api/v1/iclock/devices/clear-queue?sn=SN1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, float64(1), decode(t, resp)["cleared"])
	assert.Empty(t, s.queue.Pending("SN1"))

	resp = s.call(http.MethodPost, "/api/v1/iclock/devices/refresh-users?sn=SN1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)["queued"])

	resp = s.call(http.MethodPost, "/api/v1/iclock/devices/fetch-attendance?sn=SN1&syntax=ATTLOG", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "C:1:ATTLOG", decode(t, resp)["command"])

	resp = s.call(http.MethodPost, "/api/v1/iclock/devices/fetch-attendance?sn=SN1&syntax=BOGUS", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.call(http.MethodGet, "/api/v1/iclock/devices/clear-queue?sn=SN1", "").Code)
	assert.Equal(t, []string{"command.enqueue", "device.clear_queue", "device.refresh_users", "device.fetch_attendance"}, s.audit.actions())
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	s.call(http.MethodGet, "/iclock/cdata?SN=SN1", "")

	resp := s.call(http.MethodGet, "/api/v1/iclock/health", "")
	require.Equal(t, http.StatusOK, resp.Code)
	devices := decode(t, resp)["devices"].([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, "SN1", devices[0].(map[string]any)["sn"])

	resp = s.call(http.MethodGet, "/api/v1/iclock/health?sn=NOPE", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, []any{"SN1"}, body["availableDevices"])

	resp = s.call(http.MethodGet, "/api/v1/iclock/health?sn=SN1&ensureUsers=true", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)["devices"].([]any)[0].(map[string]any)["usersRequested"])
}

func TestHistoryExports(t *testing.T) {
	s := newServer(t)
	s.call(http.MethodPost, "/api/v1/iclock/commands?sn=SN1", `{"command":"C:1:INFO"}`)
	s.call(http.MethodGet, "/iclock/cdata?SN=SN1", "")

	resp := s.call(http.MethodGet, "/api/v1/iclock/commands?sn=SN1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	commands := decode(t, resp)["commands"].([]any)
	require.Len(t, commands, 1)
	assert.Equal(t, "C:1:INFO", commands[0].(map[string]any)["command"])

	resp = s.call(http.MethodGet, "/api/v1/iclock/commands?sn=SN1&format=csv", "")
	require.Equal(t, http.StatusOK, resp.Code)
	lines := strings.Split(strings.TrimSpace(resp.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,command,status,remote,queued_at,delivered_at,responded_at,stale_at,bytes_sent", lines[0])
	assert.Contains(t, lines[1], "C:1:INFO,delivered,unknown")

	resp = s.call(http.MethodGet, "/api/v1/iclock/commands?sn=SN1&format=xlsx", "")
	require.Equal(t, http.StatusOK, resp.Code)
	book, err := excelize.OpenReader(bytes.NewReader(resp.Body.Bytes()))
	require.NoError(t, err)
	value, err := book.GetCellValue("commands", "B4")
	require.NoError(t, err)
	assert.Equal(t, "C:1:INFO", value)

	resp = s.call(http.MethodGet, "/api/v1/iclock/commands?sn=SN1&format=pdf", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")))

	assert.Equal(t, http.StatusBadRequest, s.call(http.MethodGet, "/api/v1/iclock/commands?sn=SN1&format=doc", "").Code)
	assert.Equal(t, http.StatusNotFound, s.call(http.MethodGet, "/api/v1/iclock/commands?sn=NOPE", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.call(http.MethodGet, "/api/v1/iclock/commands", "").Code)
}
