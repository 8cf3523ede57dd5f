package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbroker/internal/apierr"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/engine/mcppolicy"
)

// toolPolicyBody is the client-facing shape of a task's tool policy. The
// admission policy (MCPServerPolicy) is operator-configured, not
// client-controlled, so it is not part of the request body.
type toolPolicyBody struct {
	AllowedTools []string         `json:"allowed_tools,omitempty"`
	UseMCP       bool             `json:"use_mcp,omitempty"`
	MCP          mcppolicy.Config `json:"mcp"`
}

func (b toolPolicyBody) toEngine(serverPolicy mcppolicy.Policy) engine.ToolPolicy {
	return engine.ToolPolicy{
		AllowedTools:    b.AllowedTools,
		UseMCP:          b.UseMCP,
		MCP:             b.MCP,
		MCPServerPolicy: serverPolicy,
	}
}

type executeRequest struct {
	ClientID        string         `json:"client_id" binding:"required"`
	RequestID       string         `json:"request_id" binding:"required"`
	Prompt          string         `json:"prompt" binding:"required"`
	ResumeSessionID string         `json:"resume_session_id,omitempty"`
	ToolPolicy      toolPolicyBody `json:"tool_policy"`
}

// handleExecute implements POST /execute: create+start a task and stream
// its events back as SSE on the same connection.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("body", err.Error()))
		return
	}

	policy := req.ToolPolicy.toEngine(s.MCPPolicy)

	t, err := s.Tasks.CreateTask(req.ClientID, req.RequestID, req.Prompt, req.ResumeSessionID, policy)
	if err != nil {
		writeError(c, err)
		return
	}

	listener, err := s.Tasks.AddListener(req.ClientID, req.RequestID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer s.Tasks.RemoveListener(req.ClientID, req.RequestID, listener)

	activeProfile := ""
	if s.Credentials != nil {
		activeProfile, _ = s.Credentials.GetActive()
	}

	if err := s.Tasks.StartExecution(req.ClientID, req.RequestID, s.Adapter, s.Resources, activeProfile); err != nil {
		writeError(c, err)
		return
	}

	streamTaskEvents(c, t.ClientID, t.RequestID, listener)
}
