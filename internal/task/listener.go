package task

import (
	"context"

	"github.com/kandev/agentbroker/internal/engine"
)

const listenerBufferSize = 64

// Listener is a client-facing event sink backing one SSE connection. It is a
// bounded queue: when it is full, Broadcast waits for this listener to drain
// before delivering to the next one.
type Listener struct {
	ch chan engine.Event
}

// NewListener creates a listener with the standard buffer size.
func NewListener() *Listener {
	return &Listener{ch: make(chan engine.Event, listenerBufferSize)}
}

// Events returns the channel events are delivered on.
func (l *Listener) Events() <-chan engine.Event {
	return l.ch
}

// send delivers ev, blocking until the listener drains or ctx is cancelled.
func (l *Listener) send(ctx context.Context, ev engine.Event) {
	select {
	case l.ch <- ev:
	case <-ctx.Done():
	}
}

func (l *Listener) close() {
	close(l.ch)
}
