package middleware

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	for header, want := range map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS set without TLS: %q", hsts)
	}
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestRecover(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recover(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func do(h http.Handler, remote string, hdr map[string]string) int {
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = remote
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitBurstThenReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{PerSecond: 0.001, Burst: 3})(okHandler)

	for i := 0; i < 3; i++ {
		if code := do(h, "192.168.1.1:1234", nil); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, code)
		}
	}
	if code := do(h, "192.168.1.1:1234", nil); code != http.StatusTooManyRequests {
		t.Errorf("over budget: status %d, want 429", code)
	}
	if code := do(h, "192.168.1.2:1234", nil); code != http.StatusOK {
		t.Errorf("other client: status %d, want 200", code)
	}
}

func TestRateLimitIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{PerSecond: 0.001, Burst: 1})(okHandler)

	do(h, "10.0.0.9:1", map[string]string{"X-Forwarded-For": "1.1.1.1"})
	// A spoofed header does not buy a fresh bucket.
	if code := do(h, "10.0.0.9:1", map[string]string{"X-Forwarded-For": "2.2.2.2"}); code != http.StatusTooManyRequests {
		t.Errorf("status %d, want 429", code)
	}
}

func TestRateLimitTrustedProxy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewClientLimiter(ctx, RateLimitConfig{PerSecond: 0.001, Burst: 1, TrustedProxies: []string{"10.0.0.1"}})
	h := l.Middleware(okHandler)

	if code := do(h, "10.0.0.1:1", map[string]string{"X-Forwarded-For": "1.1.1.1, 10.0.0.1"}); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if code := do(h, "10.0.0.1:1", map[string]string{"X-Real-IP": "3.3.3.3"}); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if code := do(h, "10.0.0.1:1", map[string]string{"X-Forwarded-For": "1.1.1.1"}); code != http.StatusTooManyRequests {
		t.Errorf("status %d, want 429", code)
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
}

func TestClientLimiterEvict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewClientLimiter(ctx, RateLimitConfig{PerSecond: 1, Burst: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(2 * time.Minute)
	l.Allow("b")
	now = now.Add(2 * time.Minute)
	l.Evict()

	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}
