package task

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const persistDebounce = 500 * time.Millisecond

type persistedFile struct {
	Tasks     map[string]*Task `json:"tasks"`
	LastSaved time.Time        `json:"last_saved"`
}

// Load reads the task table from disk. Any task found RUNNING is rewritten
// to ERROR with an "interrupted by service restart" message and the file is immediately
// re-persisted, since a RUNNING task with no live execution handle cannot be
// trusted to ever complete.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("task: load: %w", err)
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("task: load: decode: %w", err)
	}

	m.mu.Lock()
	needsSave := false
	for key, t := range pf.Tasks {
		if t.Status == StatusRunning {
			now := time.Now().UTC()
			t.Status = StatusError
			t.Error = "interrupted by service restart"
			t.CompletedAt = &now
			needsSave = true
		}
		t.Listeners = make(map[*Listener]struct{})
		m.tasks[key] = t
	}
	snapshot := m.snapshotTasksLocked()
	m.mu.Unlock()

	if needsSave {
		m.saveNow(snapshot)
	}
	return nil
}

// Start launches the periodic debounced-save loop.
func (m *Manager) Start() {
	m.doneCh = make(chan struct{})
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop halts the save loop and performs a final flush so no mutation since
// the last tick is lost.
func (m *Manager) Stop() {
	if m.doneCh != nil {
		close(m.doneCh)
		m.wg.Wait()
	}
	m.flushIfDirty()
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(persistDebounce)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.flushIfDirty()
		}
	}
}

func (m *Manager) flushIfDirty() {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	snapshot := m.snapshotTasksLocked()
	m.mu.Unlock()
	m.saveNow(snapshot)
}

func (m *Manager) snapshotTasksLocked() map[string]*Task {
	snapshot := make(map[string]*Task, len(m.tasks))
	for k, t := range m.tasks {
		snapshot[k] = t
	}
	return snapshot
}

func (m *Manager) markDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

func (m *Manager) saveNow(tasks map[string]*Task) {
	data, err := json.MarshalIndent(persistedFile{Tasks: tasks, LastSaved: time.Now().UTC()}, "", "  ")
	if err != nil {
		m.log.Error("failed to marshal task table", zap.Error(err))
		return
	}
	tmp := m.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		m.log.Error("failed to write task table temp file", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, m.persistPath); err != nil {
		m.log.Error("failed to rename task table into place", zap.Error(err))
	}
}
