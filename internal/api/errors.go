package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentbroker/internal/apierr"
)

// writeError renders err as the {"error": {...}} envelope from spec.md §6,
// wrapping plain errors as apierr.Internal first.
func writeError(c *gin.Context, err error) {
	appErr, ok := apierr.As(err)
	if !ok {
		appErr = apierr.Internal("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr.Envelope())
}
