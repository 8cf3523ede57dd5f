// Package bus provides the event bus abstraction the Task Manager publishes
// task broadcast events to, alongside its direct delivery to SSE listeners.
// No component of the broker subscribes to the bus. The Event Log remains
// the system of record; the bus is an additional, best-effort sink.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an Event with a generated id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub fan-out abstraction. Subjects are
// dot-separated, NATS-style ("task.bot.r1.event"); Subscribe supports the
// "*" (single token) and ">" (remaining tokens) wildcards.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
