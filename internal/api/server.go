// Package api wires the broker's HTTP surface: bearer auth, CORS, and the
// execute/tasks/profiles/status endpoints described in spec.md §6.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/archive"
	"github.com/kandev/agentbroker/internal/config"
	"github.com/kandev/agentbroker/internal/credentials"
	"github.com/kandev/agentbroker/internal/engine"
	"github.com/kandev/agentbroker/internal/engine/mcppolicy"
	"github.com/kandev/agentbroker/internal/gateway/statusws"
	"github.com/kandev/agentbroker/internal/logger"
	"github.com/kandev/agentbroker/internal/ratelimit"
	"github.com/kandev/agentbroker/internal/resource"
	"github.com/kandev/agentbroker/internal/runnerpool"
	"github.com/kandev/agentbroker/internal/task"
)

// Server bundles every collaborator an HTTP handler needs. It holds no
// state of its own beyond what its fields already own.
type Server struct {
	Tasks       *task.Manager
	Adapter     *engine.Adapter
	Resources   *resource.Manager
	Pool        *runnerpool.Pool
	Archive     *archive.Store // nil disables GET /tasks/{client_id}/history
	Credentials *credentials.Store
	Swapper     *credentials.Swapper
	RateLimits  *ratelimit.Tracker
	StatusHub   *statusws.Hub // nil disables GET /status/stream
	MCPPolicy   mcppolicy.Policy
	Auth        config.AuthConfig
	Log         *logger.Logger
}

// Router builds the gin engine mounting every endpoint.
func (s *Server) Router() *gin.Engine {
	if s.Log == nil {
		s.Log = logger.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	if s.StatusHub != nil {
		r.GET("/status/stream", statusws.NewHandler(s.StatusHub, s.Log).Stream)
	}

	authed := r.Group("/")
	authed.Use(s.bearerAuth())
	{
		authed.POST("/execute", s.handleExecute)
		authed.GET("/tasks/:client_id", s.handleListTasks)
		authed.GET("/tasks/:client_id/history", s.handleTaskHistory)
		authed.GET("/tasks/:client_id/:request_id", s.handleGetTask)
		authed.GET("/tasks/:client_id/:request_id/stream", s.handleStreamTask)
		authed.POST("/tasks/:client_id/:request_id/ack", s.handleAckTask)
		authed.POST("/tasks/:client_id/:request_id/intervene", s.handleIntervene)
		authed.POST("/sessions/:session_id/intervene", s.handleInterveneBySession)

		authed.GET("/profiles", s.handleListProfiles)
		authed.GET("/profiles/active", s.handleGetActiveProfile)
		authed.POST("/profiles/save-current", s.handleSaveCurrentProfile)
		authed.POST("/profiles/:name", s.handleSaveProfile)
		authed.DELETE("/profiles/:name", s.handleDeleteProfile)
		authed.POST("/profiles/:name/activate", s.handleActivateProfile)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			s.Log.Warn("request error",
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()),
				zap.String("errors", c.Errors.String()))
		}
	}
}
