package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgebot/internal/infra/middleware"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{}, StatusSource{}, testLogger())
	rec := httptest.NewRecorder()
	s.Handler(context.Background()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReadyz(t *testing.T) {
	var ready atomic.Bool
	s := NewServer(Config{}, StatusSource{Ready: ready.Load}, testLogger())
	h := s.Handler(context.Background())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	s := NewServer(Config{Version: "1.2.3"}, StatusSource{
		ActiveRuns:     func() int { return 2 },
		ActiveSessions: func() int { return 5 },
		Events:         func() map[string]int64 { return map[string]int64{"run.started": 3} },
	}, testLogger())

	rec := httptest.NewRecorder()
	s.Handler(context.Background()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "forgebot", got.Name)
	assert.Equal(t, "1.2.3", got.Version)
	assert.Equal(t, 2, got.ActiveRuns)
	assert.Equal(t, 5, got.ActiveSessions)
	assert.True(t, got.Ready)
	assert.Equal(t, int64(3), got.Events["run.started"])
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(Config{}, StatusSource{}, testLogger())
	rec := httptest.NewRecorder()
	s.Handler(context.Background()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer(Config{RateLimit: middleware.RateLimitConfig{PerSecond: 0.001, Burst: 1}}, StatusSource{}, testLogger())
	h := s.Handler(ctx)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(Config{Addr: "127.0.0.1:0"}, StatusSource{}, testLogger())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.BoundAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.BoundAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
