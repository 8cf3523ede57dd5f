package task

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kandev/agentbroker/internal/apierr"
	"github.com/kandev/agentbroker/internal/archive"
	"github.com/kandev/agentbroker/internal/bus"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/eventlog"
	"github.com/kandev/agentbroker/internal/logger"
	"go.uber.org/zap"
)

// Manager owns the process-wide task table, the session index, and every
// client-visible task operation. One mutex covers both the table and the
// index, matching the single-lock model of the pool and the rate-limit
// tracker (the file event log adds a lock per session).
type Manager struct {
	mu           sync.Mutex
	tasks        map[string]*Task
	sessionIndex map[string]string // agent_session_id -> task key

	eventLog eventlog.Store // nil disables durable logging
	archive  *archive.Store // nil disables archival on ack
	bus      bus.EventBus   // nil disables secondary fan-out

	persistPath string
	dirty       bool
	doneCh      chan struct{}
	wg          sync.WaitGroup

	workers sync.WaitGroup // tracks in-flight background executions

	log *logger.Logger
}

// New creates a Manager backed by dataDir/tasks.json. eventLog, archiveStore,
// and eventBus may each be nil to disable that concern.
func New(dataDir string, eventLog eventlog.Store, archiveStore *archive.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		tasks:        make(map[string]*Task),
		sessionIndex: make(map[string]string),
		eventLog:     eventLog,
		archive:      archiveStore,
		bus:          eventBus,
		persistPath:  filepath.Join(dataDir, "tasks.json"),
		log:          log.With(zap.String("component", "task-manager")),
	}
}

// CreateTask registers a new RUNNING task, rejecting a conflicting key that
// is already RUNNING.
func (m *Manager) CreateTask(clientID, requestID, prompt, resumeSessionID string, policy engine.ToolPolicy) (*Task, error) {
	key := Key(clientID, requestID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[key]; ok && existing.Status == StatusRunning {
		return nil, apierr.TaskConflict(clientID, requestID)
	}

	t := &Task{
		ClientID:        clientID,
		RequestID:       requestID,
		Prompt:          prompt,
		ResumeSessionID: resumeSessionID,
		ToolPolicy:      policy,
		Status:          StatusRunning,
		CreatedAt:       time.Now().UTC(),
		Listeners:       make(map[*Listener]struct{}),
	}
	m.tasks[key] = t
	m.dirty = true
	return t, nil
}

// GetTask returns the task for (clientID, requestID), if any.
func (m *Manager) GetTask(clientID, requestID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[Key(clientID, requestID)]
	return t, ok
}

// ListTasks returns every task belonging to clientID.
func (m *Manager) ListTasks(clientID string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ClientID == clientID {
			out = append(out, t)
		}
	}
	return out
}

// Stats is a point-in-time count of tasks by status, for dashboard
// consumers of GET /status and GET /status/stream.
type Stats struct {
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
	Total     int `json:"total"`
}

// Stats summarizes the current task table across all clients.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, t := range m.tasks {
		switch t.Status {
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusError:
			s.Error++
		}
	}
	s.Total = len(m.tasks)
	return s
}

// AddListener registers a new event sink for (clientID, requestID).
func (m *Manager) AddListener(clientID, requestID string) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		return nil, apierr.NotFound("task", Key(clientID, requestID))
	}
	l := NewListener()
	t.Listeners[l] = struct{}{}
	return l, nil
}

// RemoveListener unregisters a listener previously returned by AddListener.
func (m *Manager) RemoveListener(clientID, requestID string, l *Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[Key(clientID, requestID)]; ok {
		delete(t.Listeners, l)
	}
}

// Broadcast pushes ev to every listener currently attached to the task.
func (m *Manager) Broadcast(clientID, requestID string, ev engine.Event) {
	m.mu.Lock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		m.mu.Unlock()
		return
	}
	listeners := make([]*Listener, 0, len(t.Listeners))
	for l := range t.Listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, l := range listeners {
		l.send(ctx, ev)
	}
}

// AddIntervention enqueues a user message for a running task, returning the
// post-enqueue queue depth.
func (m *Manager) AddIntervention(clientID, requestID, text, user string, attachmentPaths []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		return 0, apierr.NotFound("task", Key(clientID, requestID))
	}
	if t.Status != StatusRunning {
		return 0, apierr.NotRunning(clientID, requestID)
	}
	t.InterventionQueue = append(t.InterventionQueue, Intervention{Text: text, User: user, AttachmentPaths: attachmentPaths})
	return len(t.InterventionQueue), nil
}

// AddInterventionBySession behaves like AddIntervention, addressed by the
// agent session id instead of the task key.
func (m *Manager) AddInterventionBySession(sessionID, text, user string, attachmentPaths []string) (int, error) {
	m.mu.Lock()
	key, ok := m.sessionIndex[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0, apierr.NotFound("session", sessionID)
	}
	clientID, requestID, ok := splitKey(key)
	if !ok {
		return 0, apierr.NotFound("session", sessionID)
	}
	return m.AddIntervention(clientID, requestID, text, user, attachmentPaths)
}

// GetIntervention non-blockingly pops the next pending intervention for a
// task, if any.
func (m *Manager) GetIntervention(clientID, requestID string) (*Intervention, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok || len(t.InterventionQueue) == 0 {
		return nil, false
	}
	iv := t.InterventionQueue[0]
	t.InterventionQueue = t.InterventionQueue[1:]
	return &iv, true
}

// CompleteTask transitions a task to COMPLETED, recording its result and
// clearing its session index entry.
func (m *Manager) CompleteTask(clientID, requestID string, result any) error {
	return m.finishTask(clientID, requestID, StatusCompleted, result, "")
}

// ErrorTask transitions a task to ERROR, recording the failure message.
func (m *Manager) ErrorTask(clientID, requestID, message string) error {
	return m.finishTask(clientID, requestID, StatusError, nil, message)
}

func (m *Manager) finishTask(clientID, requestID string, status Status, result any, errMsg string) error {
	m.mu.Lock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		m.mu.Unlock()
		return apierr.NotFound("task", Key(clientID, requestID))
	}
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &now
	if t.AgentSessionID != "" {
		delete(m.sessionIndex, t.AgentSessionID)
	}
	m.dirty = true
	m.mu.Unlock()
	return nil
}

// AckTask removes a terminal task from the live table, drains its
// intervention queue, closes its listeners, and — if an archive is
// configured — writes a durable historical record.
func (m *Manager) AckTask(clientID, requestID string) error {
	key := Key(clientID, requestID)

	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		return apierr.NotFound("task", key)
	}
	delete(m.tasks, key)
	if t.AgentSessionID != "" {
		delete(m.sessionIndex, t.AgentSessionID)
	}
	listeners := make([]*Listener, 0, len(t.Listeners))
	for l := range t.Listeners {
		listeners = append(listeners, l)
	}
	t.Listeners = nil
	t.InterventionQueue = nil
	m.dirty = true
	m.mu.Unlock()

	for _, l := range listeners {
		l.close()
	}

	if m.archive != nil {
		m.archiveTask(t)
	}
	return nil
}

func (m *Manager) archiveTask(t *Task) {
	resultPtr, err := archive.MarshalDetails(t.Result)
	if err != nil {
		m.log.Warn("failed to marshal archived result")
		resultPtr = nil
	}
	var errPtr *string
	if t.Error != "" {
		e := t.Error
		errPtr = &e
	}
	rec := archive.Record{
		ClientID:       t.ClientID,
		RequestID:      t.RequestID,
		Status:         string(t.Status),
		Result:         resultPtr,
		Error:          errPtr,
		AgentSessionID: t.AgentSessionID,
		CreatedAt:      t.CreatedAt,
		CompletedAt:    t.CompletedAt,
	}
	if err := m.archive.Put(context.Background(), rec); err != nil {
		m.log.Warn("failed to archive task")
	}
}

// MarkDelivered records that the task's terminal result has been delivered
// to its client.
func (m *Manager) MarkDelivered(clientID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		return apierr.NotFound("task", Key(clientID, requestID))
	}
	t.ResultDelivered = true
	m.dirty = true
	return nil
}

// CancelRunningTasks cancels every in-flight execution and waits up to
// timeout in aggregate for those workers to exit.
func (m *Manager) CancelRunningTasks(timeout time.Duration) int {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, t := range m.tasks {
		if t.Status == StatusRunning && t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return len(cancels)
}

// CleanupOldTasks removes terminal tasks older than maxAge and reclaims
// RUNNING tasks that have no live execution handle (orphans left behind by
// an interrupted start_execution), transitioning them to ERROR first.
func (m *Manager) CleanupOldTasks(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var toRemove []string
	for key, t := range m.tasks {
		if t.Status == StatusRunning {
			if t.cancel == nil {
				now := time.Now().UTC()
				t.Status = StatusError
				t.Error = "orphaned task reclaimed during cleanup"
				t.CompletedAt = &now
				if t.AgentSessionID != "" {
					delete(m.sessionIndex, t.AgentSessionID)
				}
				m.dirty = true
			}
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		delete(m.tasks, key)
	}
	if len(toRemove) > 0 {
		m.dirty = true
	}
	m.mu.Unlock()

	return len(toRemove)
}

// SendReconnectStatus pushes a synthetic reconnected event to l, then — if
// lastEventID is non-nil and an event log is configured — replays every
// durable record with id greater than lastEventID.
func (m *Manager) SendReconnectStatus(ctx context.Context, clientID, requestID string, l *Listener, lastEventID *int64) error {
	m.mu.Lock()
	t, ok := m.tasks[Key(clientID, requestID)]
	if !ok {
		m.mu.Unlock()
		return apierr.NotFound("task", Key(clientID, requestID))
	}
	status := t.Status
	lastProgress := t.LastProgressText
	m.mu.Unlock()

	reconnected := engine.Event{"type": "reconnected", "status": string(status)}
	if lastProgress != "" {
		reconnected["last_progress"] = lastProgress
	}
	l.send(ctx, reconnected)

	if lastEventID == nil || m.eventLog == nil {
		return nil
	}
	records, err := m.eventLog.ReadSince(ctx, clientID, requestID, *lastEventID)
	if err != nil {
		m.log.Warn("failed to replay event log on reconnect")
		return nil
	}
	for _, rec := range records {
		ev := make(engine.Event, len(rec.Payload)+1)
		for k, v := range rec.Payload {
			ev[k] = v
		}
		ev["_event_id"] = rec.ID
		l.send(ctx, ev)
	}
	return nil
}

func splitKey(key string) (clientID, requestID string, ok bool) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
