package http

import (
	"log/slog"
	"net/http"

	"github.com/carepulse/carepulse/internal/notifystore"
	"github.com/carepulse/carepulse/internal/session"
	"github.com/carepulse/carepulse/pkg/httputil"
)

// SessionReader is the read side of the session store.
type SessionReader interface {
	Snapshot() session.Session
	State() session.State
	Loading() bool
	LastError() error
}

// NotificationReader is the notification store as the status API sees it.
type NotificationReader interface {
	Snapshot() notifystore.Snapshot
	MarkRead()
}

// StreamStatus reports the notification stream connection.
type StreamStatus interface {
	IsConnected() bool
	Attempts() int
}

// SessionResponse is the body of GET /api/v1/session.
type SessionResponse struct {
	State     string             `json:"state"`
	Loading   bool               `json:"loading"`
	LastError string             `json:"lastError,omitempty"`
	Session   session.PublicView `json:"session"`
}

// StreamResponse is the body of GET /api/v1/stream.
type StreamResponse struct {
	Connected bool `json:"connected"`
	Attempts  int  `json:"attempts"`
}

// StatusHandler serves the local status API.
type StatusHandler struct {
	sessions      SessionReader
	notifications NotificationReader
	stream        StreamStatus
	logger        *slog.Logger
}

// NewStatusHandler creates a status handler. stream may be nil.
func NewStatusHandler(sessions SessionReader, notifications NotificationReader, stream StreamStatus, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		sessions:      sessions,
		notifications: notifications,
		stream:        stream,
		logger:        logger,
	}
}

// GetSession handles GET /api/v1/session. Tokens are never included.
func (h *StatusHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := SessionResponse{
		State:   h.sessions.State().String(),
		Loading: h.sessions.Loading(),
		Session: h.sessions.Snapshot().Public(),
	}
	if err := h.sessions.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	httputil.WriteData(w, http.StatusOK, resp)
}

// GetNotifications handles GET /api/v1/notifications.
func (h *StatusHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	httputil.WriteData(w, http.StatusOK, h.notifications.Snapshot())
}

// MarkRead handles POST /api/v1/notifications/read.
func (h *StatusHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.notifications.MarkRead()
	h.logger.InfoContext(r.Context(), "notifications marked read")
	httputil.WriteData(w, http.StatusOK, h.notifications.Snapshot())
}

// GetStream handles GET /api/v1/stream.
func (h *StatusHandler) GetStream(w http.ResponseWriter, r *http.Request) {
	var resp StreamResponse
	if h.stream != nil {
		resp.Connected = h.stream.IsConnected()
		resp.Attempts = h.stream.Attempts()
	}
	httputil.WriteData(w, http.StatusOK, resp)
}
