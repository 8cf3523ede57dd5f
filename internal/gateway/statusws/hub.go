package statusws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

// Hub fans a periodic Snapshot out to every connected client. It has no
// subscription topology: every client gets every tick.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	snapshotFn SnapshotFunc
	interval   time.Duration

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a Hub that calls snapshotFn once per interval and pushes
// the result to every connected client.
func NewHub(snapshotFn SnapshotFunc, interval time.Duration, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		snapshotFn: snapshotFn,
		interval:   interval,
		log:        log.With(zap.String("component", "status_ws_hub")),
	}
}

// Run drives the hub's register/unregister/tick loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("status websocket hub started")
	defer h.log.Info("status websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.closeSend()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.pushTo(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	data, err := json.Marshal(h.snapshotFn())
	if err != nil {
		h.log.Error("failed to marshal status snapshot", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.sendBytes(data) {
			// send buffer full or already closed; drop the slow client
			c.closeSend()
			delete(h.clients, c)
		}
	}
}

func (h *Hub) pushTo(c *Client) {
	data, err := json.Marshal(h.snapshotFn())
	if err != nil {
		h.log.Error("failed to marshal status snapshot", zap.Error(err))
		return
	}
	c.sendBytes(data)
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
