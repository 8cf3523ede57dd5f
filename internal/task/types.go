// Package task owns the process-wide task table and mediates every
// client-visible operation: creation, background execution, listener
// fan-out, intervention queuing, acknowledgement, and reconnect replay.
package task

import (
	"context"
	"time"

	"github.com/kandev/agentbroker/internal/engine"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// Intervention is a pending user message waiting to be delivered to a
// running task's agent.
type Intervention struct {
	Text            string   `json:"text"`
	User            string   `json:"user"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}

// Task is one unit of work keyed by (ClientID, RequestID). Fields below the
// persisted block are runtime-only and never serialized.
type Task struct {
	ClientID        string            `json:"client_id"`
	RequestID       string            `json:"request_id"`
	Prompt          string            `json:"prompt"`
	ResumeSessionID string            `json:"resume_session_id,omitempty"`
	ToolPolicy      engine.ToolPolicy `json:"tool_policy"`
	Status          Status            `json:"status"`
	Result          any               `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	AgentSessionID  string            `json:"agent_session_id,omitempty"`
	ResultDelivered bool              `json:"result_delivered"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`

	LastProgressText  string                  `json:"-"`
	Listeners         map[*Listener]struct{}  `json:"-"`
	InterventionQueue []Intervention          `json:"-"`
	cancel            context.CancelFunc
	running           bool
}

// Key returns the task table key for (clientID, requestID).
func Key(clientID, requestID string) string {
	return clientID + ":" + requestID
}

// Snapshot is the client-visible view of a task, safe to serialize without
// exposing runtime-only fields.
type Snapshot struct {
	ClientID        string     `json:"client_id"`
	RequestID       string     `json:"request_id"`
	Status          Status     `json:"status"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	AgentSessionID  string     `json:"agent_session_id,omitempty"`
	ResultDelivered bool       `json:"result_delivered"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		ClientID:        t.ClientID,
		RequestID:       t.RequestID,
		Status:          t.Status,
		Result:          t.Result,
		Error:           t.Error,
		AgentSessionID:  t.AgentSessionID,
		ResultDelivered: t.ResultDelivered,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
	}
}
