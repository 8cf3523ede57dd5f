package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/task"
)

const keepaliveInterval = 30 * time.Second

// streamTaskEvents drains listener onto the SSE response until a terminal
// event arrives or the client disconnects. The task itself is left running
// on disconnect; spec.md requires reconnects to resume via Last-Event-ID,
// not cancellation.
func streamTaskEvents(c *gin.Context, clientID, requestID string, listener *task.Listener) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			c.Writer.WriteString(": keepalive\n\n")
			c.Writer.Flush()

		case ev, ok := <-listener.Events():
			if !ok {
				return
			}
			writeEvent(c, ev)
			c.Writer.Flush()
			switch ev.Type() {
			case "complete", "error":
				return
			}
		}
	}
}

// writeEvent renders one translated event as an SSE frame, attaching the
// durable log's record id (if this event was appended to one) as the SSE
// `id:` field so a reconnecting client can resume with Last-Event-ID.
func writeEvent(c *gin.Context, ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if id, ok := ev["_event_id"]; ok {
		switch v := id.(type) {
		case int64:
			fmt.Fprintf(c.Writer, "id: %d\n", v)
		case float64:
			fmt.Fprintf(c.Writer, "id: %d\n", int64(v))
		}
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type(), data)
}
