// Package transport exposes the session over HTTP: a JSON API for typed
// input and history snapshots, a websocket event stream, Prometheus metrics,
// and health probes.
//
// The transport layer is read-mostly: it observes the session through store
// snapshots and the event broadcaster, and its only mutation path is
// submitting typed input through the multiplexer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/inputmux"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/session"
)

// Server serves the voxloop HTTP API for one session.
type Server struct {
	addr    string
	store   *conversation.Store
	mux     *inputmux.Mux
	coord   *session.Coordinator
	health  *health.Handler
	metrics *observe.Metrics
	logger  *slog.Logger

	httpSrv *http.Server
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithHealth sets the health probe handler. Defaults to a handler with no
// readiness checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// WithMetrics sets the metrics instance used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Server bound to addr, serving the given session.
func New(addr string, store *conversation.Store, mux *inputmux.Mux, coord *session.Coordinator, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		store:  store,
		mux:    mux,
		coord:  coord,
		health: health.New(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	router := http.NewServeMux()
	s.health.Register(router)
	router.Handle("GET /metrics", promhttp.Handler())
	router.HandleFunc("GET /v1/session", s.handleSession)
	router.HandleFunc("GET /v1/history", s.handleHistory)
	router.HandleFunc("POST /v1/input", s.handleInput)
	router.HandleFunc("GET /ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(s.metrics)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown is called or the
// listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// sessionInfo is the JSON body for GET /v1/session.
type sessionInfo struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	QueueLen  int    `json:"queue_len"`
	Turns     int    `json:"turns"`
}

// handleSession reports the session identity and current state.
func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionInfo{
		SessionID: s.coord.ID(),
		State:     s.coord.State().String(),
		QueueLen:  s.mux.Len(),
		Turns:     s.store.Len(),
	})
}

// turnJSON is the wire form of a conversation turn.
type turnJSON struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func toTurnJSON(t conversation.Turn) turnJSON {
	return turnJSON{
		ID:        t.ID,
		Role:      string(t.Role),
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
	}
}

// handleHistory returns an ordered snapshot of the conversation history.
func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.store.Snapshot()
	turns := make([]turnJSON, 0, len(snapshot))
	for _, t := range snapshot {
		turns = append(turns, toTurnJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// inputRequest is the JSON body for POST /v1/input.
type inputRequest struct {
	Text string `json:"text"`
}

// handleInput enqueues one typed submission.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.mux.Offer(inputmux.OriginTyped, req.Text); err != nil {
		if errors.Is(err, inputmux.ErrClosed) {
			writeError(w, http.StatusConflict, "session is closed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.RecordSubmission(r.Context(), string(inputmux.OriginTyped))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
