// Package eventbus fans run and session lifecycle events out to in-process
// subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"forgebot/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutine and never block the publisher.
type Bus struct {
	mu     sync.RWMutex
	typed  map[domain.EventType][]subscription
	all    []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish delivers event to the subscribers of its type and to every
// catch-all subscriber. Handlers see a context that outlives the publisher's
// cancellation, so a cancelled run still gets its completion recorded.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := slices.Concat(b.typed[event.Type], b.all)
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.dispatch(hctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked", "event", string(event.Type), "run_id", event.RunID, "panic", r)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = remove(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all = append(b.all, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Close stops accepting events and waits for in-flight handlers. It is
// idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// remove returns subs without id. The result never aliases subs, so
// snapshots taken by Publish stay valid.
func remove(subs []subscription, id uint64) []subscription {
	return slices.DeleteFunc(slices.Clone(subs), func(s subscription) bool { return s.id == id })
}

var _ domain.EventBus = (*Bus)(nil)
