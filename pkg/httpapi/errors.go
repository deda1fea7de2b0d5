package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roastfabric/kernel/pkg/command"
	"github.com/roastfabric/kernel/pkg/mission"
)

// writeError maps a service-layer error to an HTTP status and JSON body,
// following the sentinel-error-to-status-code pattern used throughout
// this codebase's service layer.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mission.ErrInvalidInput), errors.Is(err, command.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mission.ErrNotFound), errors.Is(err, command.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("unexpected httpapi error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
