// Package health serves liveness and status endpoints for the bot.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"forgebot/internal/infra/middleware"
)

// StatusSource reports the live counters shown by /api/v1/status.
type StatusSource struct {
	ActiveRuns     func() int
	ActiveSessions func() int
	Ready          func() bool             // nil means always ready
	Events         func() map[string]int64 // optional, event counts by type
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Name           string           `json:"name"`
	Version        string           `json:"version"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	ActiveRuns     int              `json:"active_runs"`
	ActiveSessions int              `json:"active_sessions"`
	Ready          bool             `json:"ready"`
	Events         map[string]int64 `json:"events,omitempty"`
}

// Config configures the server.
type Config struct {
	Addr      string
	Version   string
	RateLimit middleware.RateLimitConfig
}

// Server is the health HTTP server.
type Server struct {
	cfg     Config
	source  StatusSource
	logger  *slog.Logger
	started time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a health server. Nothing listens until Start.
func NewServer(cfg Config, source StatusSource, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, source: source, logger: logger, started: time.Now()}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	var h http.Handler = mux
	if s.cfg.RateLimit.PerSecond > 0 {
		h = middleware.RateLimit(ctx, s.cfg.RateLimit)(h)
	}
	h = middleware.SecurityHeaders(h)
	return middleware.Recover(s.logger)(h)
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("health server started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Name:           "forgebot",
		Version:        s.cfg.Version,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ActiveRuns:     count(s.source.ActiveRuns),
		ActiveSessions: count(s.source.ActiveSessions),
		Ready:          s.ready(),
	}
	if s.source.Events != nil {
		resp.Events = s.source.Events()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encode status response", "error", err)
	}
}

func (s *Server) ready() bool {
	return s.source.Ready == nil || s.source.Ready()
}

func count(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}
