package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbroker/internal/apierr"
)

func (s *Server) handleListProfiles(c *gin.Context) {
	if s.Credentials == nil {
		writeError(c, apierr.ServiceUnavailable("credential store"))
		return
	}
	profiles, err := s.Credentials.ListProfiles()
	if err != nil {
		writeError(c, apierr.Internal("failed to list profiles", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (s *Server) handleGetActiveProfile(c *gin.Context) {
	if s.Credentials == nil {
		writeError(c, apierr.ServiceUnavailable("credential store"))
		return
	}
	active, err := s.Credentials.GetActive()
	if err != nil {
		writeError(c, apierr.Internal("failed to read active profile", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_profile": active})
}

// handleSaveProfile implements POST /profiles/{name}: the raw request body
// is stored verbatim as the profile's credential blob.
func (s *Server) handleSaveProfile(c *gin.Context) {
	if s.Credentials == nil {
		writeError(c, apierr.ServiceUnavailable("credential store"))
		return
	}
	blob, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apierr.Validation("body", "failed to read request body"))
		return
	}
	if err := s.Credentials.Save(c.Param("name"), blob); err != nil {
		writeError(c, apierr.Validation("name", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": c.Param("name")})
}

type saveCurrentRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleSaveCurrentProfile(c *gin.Context) {
	if s.Swapper == nil {
		writeError(c, apierr.ServiceUnavailable("credential swapper"))
		return
	}
	var req saveCurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("body", err.Error()))
		return
	}
	if err := s.Swapper.SaveCurrentAs(req.Name); err != nil {
		writeError(c, apierr.Internal("failed to save current credentials", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": req.Name})
}

func (s *Server) handleDeleteProfile(c *gin.Context) {
	if s.Credentials == nil {
		writeError(c, apierr.ServiceUnavailable("credential store"))
		return
	}
	if err := s.Credentials.Delete(c.Param("name")); err != nil {
		writeError(c, apierr.Validation("name", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (s *Server) handleActivateProfile(c *gin.Context) {
	if s.Swapper == nil {
		writeError(c, apierr.ServiceUnavailable("credential swapper"))
		return
	}
	name := c.Param("name")
	if err := s.Swapper.Activate(name); err != nil {
		writeError(c, apierr.Internal("failed to activate profile", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_profile": name})
}
