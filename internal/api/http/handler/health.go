package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

// ConnectionLister reports the nodes with a live agent stream.
type ConnectionLister interface {
	ListConnections() []string
}

type HealthHandler struct {
	conns   ConnectionLister
	started time.Time
}

func NewHealthHandler(conns ConnectionLister) *HealthHandler {
	return &HealthHandler{conns: conns, started: time.Now()}
}

// Check is unauthenticated and only exposes counts.
// GET /health
func (h *HealthHandler) Check(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.HealthResponse{
		Status:          "ok",
		ConnectedAgents: len(h.conns.ListConnections()),
		UptimeSeconds:   int64(time.Since(h.started).Seconds()),
	})
}
