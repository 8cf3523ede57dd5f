package statusws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/runnerpool"
	"github.com/kandev/agentbroker/internal/task"
)

func newTestServer(t *testing.T, snapshotFn SnapshotFunc, interval time.Duration) (string, *Hub, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(snapshotFn, interval, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/status/stream", NewHandler(hub, nil).Stream)
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/stream"
	return url, hub, func() {
		cancel()
		srv.Close()
	}
}

func TestHub_PushesSnapshotOnConnectAndTick(t *testing.T) {
	calls := 0
	snapshotFn := func() Snapshot {
		calls++
		return Snapshot{Tasks: task.Stats{Total: calls}, Pool: runnerpool.Stats{}}
	}

	url, _, stop := newTestServer(t, snapshotFn, 20*time.Millisecond)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tasks"`)

	_, data2, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.NotEqual(t, string(data), string(data2))
}

func TestHub_ClientCountTracksConnections(t *testing.T) {
	url, hub, stop := newTestServer(t, func() Snapshot { return Snapshot{} }, time.Hour)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
