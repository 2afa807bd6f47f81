package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"forgebot/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// CircuitBreakerCompleter wraps a Completer with circuit breaker protection.
// Once the backend fails repeatedly, calls fail fast with domain.ErrCircuitOpen
// until the breaker half-opens.
type CircuitBreakerCompleter struct {
	inner   domain.Completer
	breaker *gobreaker.CircuitBreaker[*domain.CompletionResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerCompleter wraps inner with a circuit breaker. Zero config
// values use the defaults.
func NewCircuitBreakerCompleter(inner domain.Completer, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerCompleter {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResponse](gobreaker.Settings{
		Name:        "ai:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Invalid requests and cancellations do not count as failures.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrInvalidInput) ||
				errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerCompleter{inner: inner, breaker: cb, logger: logger}
}

// Complete implements domain.Completer through the breaker.
func (c *CircuitBreakerCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.CompletionResponse, error) {
		return c.inner.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("provider %q: %w: %v", c.inner.Name(), domain.ErrCircuitOpen, err)
	}
	return resp, err
}

// Name implements domain.Completer.
func (c *CircuitBreakerCompleter) Name() string { return c.inner.Name() }

// State returns the current circuit breaker state.
func (c *CircuitBreakerCompleter) State() gobreaker.State {
	return c.breaker.State()
}

var _ domain.Completer = (*CircuitBreakerCompleter)(nil)
