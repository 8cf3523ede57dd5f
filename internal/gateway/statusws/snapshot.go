// Package statusws pushes periodic dashboard snapshots over a websocket,
// as an additive alternative to polling GET /status.
package statusws

import (
	"github.com/kandev/agentbroker/internal/runnerpool"
	"github.com/kandev/agentbroker/internal/task"
)

// Snapshot is the payload pushed to every connected client on each tick.
// It carries the tasks and pool fields of GET /status (not its rate_limits
// field) and never carries task event data.
type Snapshot struct {
	Tasks task.Stats      `json:"tasks"`
	Pool  runnerpool.Stats `json:"pool"`
}

// SnapshotFunc produces the current snapshot. Called once per broadcast
// tick, not once per client.
type SnapshotFunc func() Snapshot
