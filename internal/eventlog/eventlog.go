// Package eventlog provides the append-only per-session event log: the
// broker's system of record for every event emitted during a task's
// execution. The default Store is a per-session JSONL file; an alternate
// Postgres-backed Store lives in the pgstore subpackage.
package eventlog

import (
	"context"
	"time"
)

// Record is a single persisted event.
type Record struct {
	ID        int64          `json:"id"`
	ClientID  string         `json:"client_id"`
	RequestID string         `json:"request_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionSummary describes a persisted session for list_sessions.
type SessionSummary struct {
	ClientID      string `db:"client_id" json:"client_id"`
	RequestID     string `db:"request_id" json:"request_id"`
	EventCount    int64  `db:"event_count" json:"event_count"`
	LastEventType string `db:"last_event_type" json:"last_event_type"`
}

// Store is the append-only event log interface. Both the file-backed and
// Postgres-backed implementations satisfy it with identical semantics.
type Store interface {
	// Append allocates the next monotonic id for (clientID, requestID),
	// writes the record, and returns the assigned id. Fully durable writes
	// are not required, but the record must be fully written before this
	// returns.
	Append(ctx context.Context, clientID, requestID, eventType string, payload map[string]any) (int64, error)

	// ReadAll returns every record for the session in id order.
	ReadAll(ctx context.Context, clientID, requestID string) ([]Record, error)

	// ReadSince returns only records with id > afterID, in id order.
	ReadSince(ctx context.Context, clientID, requestID string, afterID int64) ([]Record, error)

	// CleanupSession drops the in-memory id counter and lock for a session
	// without touching its backing store.
	CleanupSession(clientID, requestID string)

	// DeleteSession removes the in-memory state and the backing store.
	DeleteSession(ctx context.Context, clientID, requestID string) error

	// ListSessions enumerates persisted sessions.
	ListSessions(ctx context.Context) ([]SessionSummary, error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrInvalidID is returned when a client or request id would escape the
// configured storage root once sanitized.
type ErrInvalidID struct {
	Field string
	Value string
}

func (e *ErrInvalidID) Error() string {
	return "eventlog: invalid " + e.Field + ": " + e.Value
}
