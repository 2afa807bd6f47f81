package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"forgebot/internal/domain"
)

// Audit logs every event on the bus. It returns the unsubscribe function.
func Audit(bus domain.EventBus, logger *slog.Logger) func() {
	return bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		attrs := []any{"event", string(e.Type), "at", e.Timestamp}
		if e.RunID != "" {
			attrs = append(attrs, "run_id", e.RunID)
		}
		if len(e.Payload) > 0 {
			attrs = append(attrs, "payload", string(e.Payload))
		}
		logger.InfoContext(ctx, "event", attrs...)
	})
}

// Counter tallies events by type.
type Counter struct {
	mu     sync.Mutex
	counts map[domain.EventType]int64
	unsub  func()
}

// NewCounter subscribes a counter to bus.
func NewCounter(bus domain.EventBus) *Counter {
	c := &Counter{counts: make(map[domain.EventType]int64)}
	c.unsub = bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		c.mu.Lock()
		c.counts[e.Type]++
		c.mu.Unlock()
	})
	return c
}

// Count returns how many events of typ were seen.
func (c *Counter) Count(typ domain.EventType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[typ]
}

// Snapshot returns a copy of all counts keyed by event type.
func (c *Counter) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[string(k)] = v
	}
	return out
}

// Stop unsubscribes the counter.
func (c *Counter) Stop() { c.unsub() }
