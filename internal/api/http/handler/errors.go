package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/gin-gonic/gin"
)

// respondError writes err with the status apperr assigns to it.
// Unclassified errors are logged and hidden behind "failed to <action>".
func respondError(c *gin.Context, err error, action string) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "action", action, "path", c.Request.URL.Path, "error", err)
		c.JSON(status, gin.H{"error": "failed to " + action})
		return
	}

	message := err.Error()
	if errors.Is(err, apperr.ErrSessionUnavailable) {
		message = apperr.ErrSessionUnavailable.Error()
	}
	c.JSON(status, gin.H{"error": message})
}

func queryInt64(c *gin.Context, key string, def int64) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be an integer"})
		return 0, false
	}
	return v, true
}
