package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusPayload is the body shared by GET /status and GET /status/stream.
type statusPayload struct {
	Tasks      any `json:"tasks"`
	Pool       any `json:"pool"`
	RateLimits any `json:"rate_limits,omitempty"`
}

func (s *Server) currentStatus() statusPayload {
	p := statusPayload{Tasks: s.Tasks.Stats()}
	if s.Pool != nil {
		p.Pool = s.Pool.Stats()
	}
	if s.RateLimits != nil && s.Credentials != nil {
		if active, err := s.Credentials.GetActive(); err == nil && active != "" {
			p.RateLimits = s.RateLimits.GetProfileStatus(active)
		}
	}
	return p
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentStatus())
}
