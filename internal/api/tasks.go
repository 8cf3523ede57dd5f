package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/apierr"
)

func (s *Server) handleListTasks(c *gin.Context) {
	clientID := c.Param("client_id")
	tasks := s.Tasks.ListTasks(clientID)
	snapshots := make([]any, 0, len(tasks))
	for _, t := range tasks {
		snapshots = append(snapshots, t.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": snapshots})
}

func (s *Server) handleGetTask(c *gin.Context) {
	clientID, requestID := c.Param("client_id"), c.Param("request_id")
	t, ok := s.Tasks.GetTask(clientID, requestID)
	if !ok {
		writeError(c, apierr.NotFound("task", clientID+"/"+requestID))
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

// handleStreamTask implements GET /tasks/{client_id}/{request_id}/stream,
// re-attaching a listener to an in-flight or just-finished task and
// honoring Last-Event-ID for replay of missed events.
func (s *Server) handleStreamTask(c *gin.Context) {
	clientID, requestID := c.Param("client_id"), c.Param("request_id")
	if _, ok := s.Tasks.GetTask(clientID, requestID); !ok {
		writeError(c, apierr.NotFound("task", clientID+"/"+requestID))
		return
	}

	listener, err := s.Tasks.AddListener(clientID, requestID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer s.Tasks.RemoveListener(clientID, requestID, listener)

	var lastEventID *int64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastEventID = &n
		} else {
			s.Log.Warn("ignoring malformed Last-Event-ID header", zap.String("value", raw))
		}
	}

	if err := s.Tasks.SendReconnectStatus(c.Request.Context(), clientID, requestID, listener, lastEventID); err != nil {
		writeError(c, err)
		return
	}

	streamTaskEvents(c, clientID, requestID, listener)
}

func (s *Server) handleAckTask(c *gin.Context) {
	clientID, requestID := c.Param("client_id"), c.Param("request_id")
	if err := s.Tasks.AckTask(clientID, requestID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Server) handleTaskHistory(c *gin.Context) {
	if s.Archive == nil {
		writeError(c, apierr.ServiceUnavailable("archive"))
		return
	}
	records, err := s.Archive.History(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		writeError(c, apierr.Internal("failed to read task history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}

type interveneRequest struct {
	Text            string   `json:"text" binding:"required"`
	User            string   `json:"user"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}

func (s *Server) handleIntervene(c *gin.Context) {
	clientID, requestID := c.Param("client_id"), c.Param("request_id")
	var req interveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("body", err.Error()))
		return
	}
	depth, err := s.Tasks.AddIntervention(clientID, requestID, req.Text, req.User, req.AttachmentPaths)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queue_depth": depth})
}

func (s *Server) handleInterveneBySession(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req interveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("body", err.Error()))
		return
	}
	depth, err := s.Tasks.AddInterventionBySession(sessionID, req.Text, req.User, req.AttachmentPaths)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queue_depth": depth})
}
