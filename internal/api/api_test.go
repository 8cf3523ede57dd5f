package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/agentsdk"
	"github.com/kandev/agentbroker/internal/config"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/resource"
	"github.com/kandev/agentbroker/internal/task"
)

func newTestServer(t *testing.T, script string, auth config.AuthConfig) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tasks := task.New(t.TempDir(), nil, nil, nil, nil)
	require.NoError(t, tasks.Load())

	adapter := engine.New(nil, agentsdk.LaunchConfig{Command: "sh", Args: []string{"-c", script}}, nil, nil)

	return &Server{
		Tasks:     tasks,
		Adapter:   adapter,
		Resources: resource.New(2, time.Second),
		Auth:      auth,
	}
}

func happyScript() string {
	return `read _
echo '{"type":"session","session_id":"S1"}'
echo '{"type":"result","success":true,"output":"done"}'
`
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleExecute_StreamsCompleteEvent(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{})
	w := httptest.NewRecorder()
	body := strings.NewReader(`{"client_id":"bot","request_id":"r1","prompt":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/execute", body)
	req.Header.Set("Content-Type", "application/json")

	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: complete")
}

func TestHandleExecute_ConflictReturns409(t *testing.T) {
	s := newTestServer(t, "read _\nread _\n", config.AuthConfig{})
	_, err := s.Tasks.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"client_id":"bot","request_id":"r1","prompt":"hi again"}`)
	req := httptest.NewRequest(http.MethodPost, "/execute", body)
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "TASK_CONFLICT")
}

func TestBearerAuth_RejectsMissingTokenInProduction(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{BearerToken: "secret", Environment: "production"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/bot", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerAuth_AcceptsCorrectToken(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{BearerToken: "secret", Environment: "production"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/bot", nil)
	req.Header.Set("Authorization", "Bearer secret")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleAckTask_RemovesCompletedTask(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{})
	_, err := s.Tasks.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)
	require.NoError(t, s.Tasks.CompleteTask("bot", "r1", "done"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/bot/r1/ack", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	_, ok := s.Tasks.GetTask("bot", "r1")
	assert.False(t, ok)
}

func TestHandleIntervene_RequiresRunningTask(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{})
	_, err := s.Tasks.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)
	require.NoError(t, s.Tasks.CompleteTask("bot", "r1", "done"))

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"text":"stop","user":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks/bot/r1/intervene", body)
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleStatus_ReportsTaskCounts(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{})
	_, err := s.Tasks.CreateTask("bot", "r1", "hi", "", engine.ToolPolicy{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":1`)
}

// sanity check that SSE frames parse the way a real client would expect.
func TestHandleExecute_FramesAreWellFormedSSE(t *testing.T) {
	s := newTestServer(t, happyScript(), config.AuthConfig{})
	w := httptest.NewRecorder()
	body := strings.NewReader(`{"client_id":"bot","request_id":"r1","prompt":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/execute", body)
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var sawEvent bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event:") {
			sawEvent = true
		}
	}
	assert.True(t, sawEvent)
}
