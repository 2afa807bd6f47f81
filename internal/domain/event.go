package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Run lifecycle events.
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunPublished EventType = "run.published"

	// Process management events.
	EventProcessStarted EventType = "process.started"
	EventProcessExited  EventType = "process.exited"
	EventProcessKilled  EventType = "process.killed"

	// Prompt session events.
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
	EventSessionExpired EventType = "session.expired"

	// Scheduler events.
	EventWorkspacePruned EventType = "workspace.pruned"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event stamped with the current time. A payload that
// fails to marshal is dropped rather than failing the publish.
func NewEvent(typ EventType, runID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), RunID: runID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
