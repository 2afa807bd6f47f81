package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientTTL is how long an idle client keeps its limiter.
const clientTTL = 3 * time.Minute

// SecurityHeaders sets restrictive response headers. The health server only
// serves JSON, so nothing is allowed to load.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Recover turns a handler panic into a 500 and logs the stack.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("http handler panic", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	PerSecond      float64
	Burst          int
	TrustedProxies []string // X-Forwarded-For is honoured only from these peers
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter hands out one token bucket per client IP.
type ClientLimiter struct {
	cfg     RateLimitConfig
	trusted map[string]struct{}
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// NewClientLimiter creates a limiter. Stale clients are evicted until ctx is done.
func NewClientLimiter(ctx context.Context, cfg RateLimitConfig) *ClientLimiter {
	l := &ClientLimiter{
		cfg:     cfg,
		trusted: make(map[string]struct{}, len(cfg.TrustedProxies)),
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, p := range cfg.TrustedProxies {
		l.trusted[p] = struct{}{}
	}
	go l.evictLoop(ctx)
	return l
}

// Allow reports whether a request from ip may proceed.
func (l *ClientLimiter) Allow(ip string) bool {
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.clients[ip] = c
	}
	c.lastSeen = l.now()
	lim := c.limiter
	l.mu.Unlock()
	return lim.Allow()
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Evict drops clients idle for longer than clientTTL.
func (l *ClientLimiter) Evict() {
	cutoff := l.now().Add(-clientTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

func (l *ClientLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evict()
		}
	}
}

// Middleware rejects requests over the client's budget with 429.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit is shorthand for NewClientLimiter(ctx, cfg).Middleware.
func RateLimit(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	return NewClientLimiter(ctx, cfg).Middleware
}

func (l *ClientLimiter) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if _, ok := l.trusted[peer]; !ok {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
