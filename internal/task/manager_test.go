package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/agentsdk"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/eventlog"
	"github.com/kandev/agentbroker/internal/resource"
)

func newTestManager(t *testing.T, withEventLog bool) (*Manager, eventlog.Store) {
	t.Helper()
	dataDir := t.TempDir()
	var store eventlog.Store
	if withEventLog {
		s, err := eventlog.NewFileStore(t.TempDir(), nil)
		require.NoError(t, err)
		store = s
	}
	m := New(dataDir, store, nil, nil, nil)
	require.NoError(t, m.Load())
	return m, store
}

func happyScript() string {
	return `read _
echo '{"type":"session","session_id":"S1"}'
echo '{"type":"text_delta","text":"hi"}'
echo '{"type":"result","success":true,"output":"done"}'
`
}

func TestManager_CreateTaskRejectsConflict(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	_, err = m.CreateTask("bot", "r1", "hi again", "", engine.ToolPolicy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASK_CONFLICT")
}

func TestManager_StartExecutionHappyPathCompletesTask(t *testing.T) {
	m, _ := newTestManager(t, true)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	listener, err := m.AddListener("bot", "r1")
	require.NoError(t, err)

	adapter := engine.New(nil, agentsdk.LaunchConfig{Command: "sh", Args: []string{"-c", happyScript()}}, nil, nil)
	resMgr := resource.New(2, time.Second)

	require.NoError(t, m.StartExecution("bot", "r1", adapter, resMgr, ""))

	var gotComplete bool
	deadline := time.After(5 * time.Second)
	for !gotComplete {
		select {
		case ev := <-listener.Events():
			if ev.Type() == "complete" {
				gotComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for complete event")
		}
	}

	task, ok := m.GetTask("bot", "r1")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return task.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "S1", task.AgentSessionID)
}

func TestManager_StartExecutionIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	adapter := engine.New(nil, agentsdk.LaunchConfig{Command: "sh", Args: []string{"-c", "read _\nread _\n"}}, nil, nil)
	resMgr := resource.New(2, time.Second)

	require.NoError(t, m.StartExecution("bot", "r1", adapter, resMgr, ""))
	require.NoError(t, m.StartExecution("bot", "r1", adapter, resMgr, ""))

	cancelled := m.CancelRunningTasks(2 * time.Second)
	assert.Equal(t, 1, cancelled)
}

func TestManager_AckRemovesTask(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)
	require.NoError(t, m.ErrorTask("bot", "r1", "boom"))

	require.NoError(t, m.AckTask("bot", "r1"))
	_, ok := m.GetTask("bot", "r1")
	assert.False(t, ok)

	err = m.AckTask("bot", "r1")
	assert.Error(t, err)
}

func TestManager_AddInterventionRequiresRunning(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)
	require.NoError(t, m.CompleteTask("bot", "r1", "done"))

	_, err = m.AddIntervention("bot", "r1", "stop", "u1", nil)
	assert.Error(t, err)
}

func TestManager_AddInterventionBySessionRoutesToTask(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	m.mu.Lock()
	m.sessionIndex["S42"] = Key("bot", "r1")
	m.mu.Unlock()

	depth, err := m.AddInterventionBySession("S42", "stop that", "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	iv, ok := m.GetIntervention("bot", "r1")
	require.True(t, ok)
	assert.Equal(t, "stop that", iv.Text)
}

func TestManager_SendReconnectStatusReplaysSinceLastEventID(t *testing.T) {
	m, store := newTestManager(t, true)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	ctx := context.Background()
	id1, err := store.Append(ctx, "bot", "r1", "progress", map[string]any{"type": "progress", "text": "a"})
	require.NoError(t, err)
	_, err = store.Append(ctx, "bot", "r1", "progress", map[string]any{"type": "progress", "text": "b"})
	require.NoError(t, err)

	listener := NewListener()
	require.NoError(t, m.SendReconnectStatus(ctx, "bot", "r1", listener, &id1))

	reconnected := <-listener.Events()
	assert.Equal(t, "reconnected", reconnected.Type())

	replayed := <-listener.Events()
	assert.Equal(t, "progress", replayed.Type())
	assert.Equal(t, "b", replayed["text"])
	assert.EqualValues(t, id1+1, replayed["_event_id"])
}

func TestManager_CleanupOldTasksRemovesOldCompleted(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)
	require.NoError(t, m.CompleteTask("bot", "r1", "done"))

	m.mu.Lock()
	old := time.Now().Add(-48 * time.Hour)
	m.tasks[Key("bot", "r1")].CompletedAt = &old
	m.mu.Unlock()

	removed := m.CleanupOldTasks(24 * time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := m.GetTask("bot", "r1")
	assert.False(t, ok)
}

func TestManager_CleanupOldTasksReclaimsOrphanedRunning(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	removed := m.CleanupOldTasks(24 * time.Hour)
	assert.Equal(t, 0, removed)

	task, ok := m.GetTask("bot", "r1")
	require.True(t, ok)
	assert.Equal(t, StatusError, task.Status)
}

func TestManager_LoadRewritesRunningTasksToError(t *testing.T) {
	dataDir := t.TempDir()
	m1 := New(dataDir, nil, nil, nil, nil)
	require.NoError(t, m1.Load())
	_, err := m1.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)
	m1.saveNow(m1.snapshotTasksLocked())

	m2 := New(dataDir, nil, nil, nil, nil)
	require.NoError(t, m2.Load())

	task, ok := m2.GetTask("bot", "r1")
	require.True(t, ok)
	assert.Equal(t, StatusError, task.Status)
	assert.Equal(t, "interrupted by service restart", task.Error)
}
