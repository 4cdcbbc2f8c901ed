// Package server exposes the coach controller over HTTP.
//
// Routes:
//
//	POST /api/connect     open a realtime session (502 on failure, 409 when already connected)
//	POST /api/disconnect  close the session
//	GET  /api/state       current snapshot as JSON
//	GET  /api/state/ws    WebSocket stream of snapshots
//	GET  /api/messages    recent saved messages of the current user
//	GET  /healthz, /readyz, /metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coachai/coach/internal/coach"
	"github.com/coachai/coach/internal/health"
	"github.com/coachai/coach/internal/observe"
	"github.com/coachai/coach/pkg/identity"
	"github.com/coachai/coach/pkg/store"
)

// MaxListLimit caps the limit query parameter of /api/messages.
const MaxListLimit = 200

// Controller is the part of [coach.Controller] the server drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	Snapshot() coach.Snapshot
	Subscribe(fn func(coach.Snapshot)) func()
	User() *identity.User
}

var _ Controller = (*coach.Controller)(nil)

// Option is a functional option for [New].
type Option func(*Server)

// WithMessages enables GET /api/messages.
func WithMessages(l store.MessageLister) Option {
	return func(s *Server) { s.messages = l }
}

// WithIdentity resolves the user for /api/messages through p instead of the
// user of the open session, so history is available while disconnected.
func WithIdentity(p identity.Provider) Option {
	return func(s *Server) { s.identity = p }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server routes HTTP requests to the controller.
type Server struct {
	ctrl           Controller
	messages       store.MessageLister
	identity       identity.Provider
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	logger         *slog.Logger

	mux *http.ServeMux
}

// New builds the route table for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/state/ws", s.handleStateStream)
	s.mux.HandleFunc("GET /api/messages", s.handleMessages)

	if s.health != nil {
		s.health.Register(s.mux)
	}
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
}

// Handler returns the routes wrapped in the tracing and metrics middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

type errorResponse struct {
	Error    string          `json:"error"`
	Snapshot *coach.Snapshot `json:"snapshot,omitempty"`
}

// handleConnect handles POST /api/connect.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Connect(r.Context())
	snap := s.ctrl.Snapshot()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, coach.ErrAlreadyConnected):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Snapshot: &snap})
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Snapshot: &snap})
	}
}

// handleDisconnect handles POST /api/disconnect.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleState handles GET /api/state.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type messagesResponse struct {
	UserID   string         `json:"user_id,omitempty"`
	Messages []store.Record `json:"messages"`
}

// handleMessages handles GET /api/messages?limit=N.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "message history is not available"})
		return
	}

	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxListLimit)
	}

	u, err := s.currentUser(r.Context())
	if err != nil {
		observe.LoggerFrom(r.Context(), s.logger).Warn("server: resolve user", "err", err)
	}
	if u == nil {
		writeJSON(w, http.StatusOK, messagesResponse{Messages: []store.Record{}})
		return
	}

	recs, err := s.messages.ListMessages(r.Context(), u.ID, limit)
	if err != nil {
		observe.LoggerFrom(r.Context(), s.logger).Error("server: list messages", "user_id", u.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not load messages"})
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{UserID: u.ID, Messages: recs})
}

func (s *Server) currentUser(ctx context.Context) (*identity.User, error) {
	if s.identity != nil {
		return s.identity.CurrentUser(ctx)
	}
	return s.ctrl.User(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
