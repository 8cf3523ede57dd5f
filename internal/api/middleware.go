package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbroker/internal/apierr"
)

// corsMiddleware allows any origin, matching the dashboard's cross-origin
// SSE and websocket clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Last-Event-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bearerAuth compares the Authorization header against the configured
// bearer token in constant time. When no token is configured, the check is
// bypassed unless the environment is "production".
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Auth.BearerToken == "" {
			if s.Auth.Environment == "production" {
				writeError(c, apierr.Unauthorized("bearer token required in production"))
				c.Abort()
				return
			}
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(c, apierr.Unauthorized("missing bearer token"))
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.Auth.BearerToken)) != 1 {
			writeError(c, apierr.Unauthorized("invalid bearer token"))
			c.Abort()
			return
		}
		c.Next()
	}
}
