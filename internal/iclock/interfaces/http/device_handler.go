package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"iclock-cloud/internal/iclock/application"
)

// MaxUploadBytes caps device upload bodies.
const MaxUploadBytes = 50 << 20

// DeviceHandler serves the /iclock/ push endpoints polled by terminals.
type DeviceHandler struct {
	protocol *application.Protocol
	logger   *zap.Logger
}

// NewDeviceHandler constructs a handler.
func NewDeviceHandler(protocol *application.Protocol, logger *zap.Logger) (*DeviceHandler, error) {
	if protocol == nil {
		return nil, errors.New("iclock handler: nil protocol")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceHandler{protocol: protocol, logger: logger}, nil
}

// ServeHTTP routes /iclock/cdata, getrequest, devicecmd, ping and the root.
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimSuffix(r.URL.Path, "/") {
	case "/iclock/cdata":
		switch r.Method {
		case http.MethodGet:
			h.poll(w, r, application.EndpointCData)
		case http.MethodPost:
			h.upload(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "/iclock/getrequest":
		h.poll(w, r, application.EndpointGetRequest)
	case "/iclock/devicecmd":
		h.deviceCmd(w, r)
	case "/iclock/ping":
		writeText(w, h.protocol.Touch(r.Context(), serial(r), application.EndpointPing))
	case "/iclock":
		writeText(w, h.protocol.Touch(r.Context(), serial(r), application.EndpointRoot))
	default:
		http.NotFound(w, r)
	}
}

func (h *DeviceHandler) poll(w http.ResponseWriter, r *http.Request, endpoint string) {
	writeText(w, h.protocol.Poll(r.Context(), serial(r), deviceRemote(r), endpoint))
}

func (h *DeviceHandler) upload(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	table := query.Get("table")
	if table == "" {
		table = query.Get("options")
	}
	h.protocol.Upload(r.Context(), application.UploadRequest{
		SN:       serial(r),
		Table:    table,
		Query:    r.URL.RawQuery,
		Body:     body,
		Remote:   deviceRemote(r),
		Endpoint: application.EndpointCData,
	})
	writeText(w, application.ResponseOK)
}

func (h *DeviceHandler) deviceCmd(w http.ResponseWriter, r *http.Request) {
	var body string
	if r.Method == http.MethodPost {
		var ok bool
		if body, ok = h.readBody(w, r); !ok {
			return
		}
	}
	info := r.URL.Query().Get("INFO")
	if info == "" {
		info = r.URL.Query().Get("info")
	}
	writeText(w, h.protocol.DeviceCmd(r.Context(), serial(r), info, body, deviceRemote(r)))
}

func (h *DeviceHandler) readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("upload body too large", zap.String("sn", serial(r)), zap.Int64("limit", tooLarge.Limit))
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return "", false
		}
		// read failures are still acknowledged
		h.logger.Warn("upload body read failed", zap.String("sn", serial(r)), zap.Error(err))
		writeText(w, application.ResponseOK)
		return "", false
	}
	return string(data), true
}

func serial(r *http.Request) string {
	query := r.URL.Query()
	if sn := query.Get("SN"); sn != "" {
		return strings.TrimSpace(sn)
	}
	return strings.TrimSpace(query.Get("sn"))
}

func deviceRemote(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	return "unknown"
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}
