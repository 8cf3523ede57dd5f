package statusws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades GET /status/stream to a websocket and registers the
// resulting client with the hub.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

// NewHandler builds a Handler serving hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{hub: hub, log: log.With(zap.String("component", "status_ws_handler"))}
}

// Stream is the gin handler for GET /status/stream.
func (h *Handler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("failed to upgrade status websocket", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.log)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
