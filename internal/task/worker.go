package task

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/apierr"
	"github.com/kandev/agentbroker/internal/bus"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/resource"
)

// StartExecution spawns the background worker driving one task's agent run.
// It is idempotent: calling it again for a task that already has a live
// execution handle is a no-op.
func (m *Manager) StartExecution(clientID, requestID string, adapter *engine.Adapter, resourceMgr *resource.Manager, activeProfile string) error {
	m.mu.Lock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		m.mu.Unlock()
		return apierr.NotFound("task", Key(clientID, requestID))
	}
	if t.running {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true
	m.mu.Unlock()

	m.workers.Add(1)
	go m.runWorker(ctx, t, adapter, resourceMgr, activeProfile)
	return nil
}

func (m *Manager) runWorker(ctx context.Context, t *Task, adapter *engine.Adapter, resourceMgr *resource.Manager, activeProfile string) {
	defer m.workers.Done()
	defer m.clearExecutionHandle(t)

	release, err := resourceMgr.Acquire(ctx)
	if err != nil {
		m.log.Warn("admission denied for task execution",
			zap.String("client_id", t.ClientID), zap.String("request_id", t.RequestID))
		_ = m.ErrorTask(t.ClientID, t.RequestID, apierr.AdmissionDenied().Message)
		m.Broadcast(t.ClientID, t.RequestID, engine.Event{"type": "error", "message": apierr.AdmissionDenied().Message})
		return
	}
	defer release()

	cb := engine.Callbacks{
		OnEvent: func(ev engine.Event) { m.onEvent(ctx, t, ev) },
		OnSession: func(sessionID string) {
			if sessionID == "" {
				return
			}
			m.mu.Lock()
			t.AgentSessionID = sessionID
			m.sessionIndex[sessionID] = Key(t.ClientID, t.RequestID)
			m.dirty = true
			m.mu.Unlock()
		},
		OnIntervention: func() (*engine.Intervention, bool) {
			iv, ok := m.GetIntervention(t.ClientID, t.RequestID)
			if !ok {
				return nil, false
			}
			return &engine.Intervention{Text: iv.Text, User: iv.User, AttachmentPaths: iv.AttachmentPaths}, true
		},
	}

	req := engine.ExecuteRequest{
		Prompt:          t.Prompt,
		ResumeSessionID: t.ResumeSessionID,
		ToolPolicy:      t.ToolPolicy,
		ActiveProfile:   activeProfile,
	}

	if err := adapter.Execute(ctx, req, cb); err != nil {
		m.log.Error("engine execution failed",
			zap.String("client_id", t.ClientID), zap.String("request_id", t.RequestID), zap.Error(err))
		_ = m.ErrorTask(t.ClientID, t.RequestID, err.Error())
		m.Broadcast(t.ClientID, t.RequestID, engine.Event{"type": "error", "message": err.Error()})
	}
}

func (m *Manager) clearExecutionHandle(t *Task) {
	m.mu.Lock()
	t.cancel = nil
	t.running = false
	m.mu.Unlock()
}

// onEvent implements the worker's per-event contract: note session
// assignment, track last progress text, append to the event log annotating
// the broadcast copy with the assigned id, broadcast to listeners, publish
// to the secondary bus, and on a terminal event transition the task.
func (m *Manager) onEvent(ctx context.Context, t *Task, ev engine.Event) {
	switch ev.Type() {
	case "progress":
		if text, ok := ev["text"].(string); ok {
			t.LastProgressText = text
		}
	}

	var eventID int64
	if m.eventLog != nil {
		id, err := m.eventLog.Append(ctx, t.ClientID, t.RequestID, ev.Type(), map[string]any(ev))
		if err != nil {
			m.log.Warn("failed to append event to event log",
				zap.String("client_id", t.ClientID), zap.String("request_id", t.RequestID), zap.Error(err))
		} else {
			eventID = id
		}
	}

	broadcastEv := make(engine.Event, len(ev)+1)
	for k, v := range ev {
		broadcastEv[k] = v
	}
	if eventID > 0 {
		broadcastEv["_event_id"] = eventID
	}

	m.Broadcast(t.ClientID, t.RequestID, broadcastEv)

	if m.bus != nil {
		subject := "task." + t.ClientID + "." + t.RequestID + ".event"
		_ = m.bus.Publish(ctx, subject, bus.NewEvent(ev.Type(), "task-manager", map[string]any(broadcastEv)))
	}

	switch ev.Type() {
	case "complete":
		_ = m.CompleteTask(t.ClientID, t.RequestID, ev["result"])
	case "error":
		msg, _ := ev["message"].(string)
		_ = m.ErrorTask(t.ClientID, t.RequestID, msg)
	}
}
