package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/events"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	connManager *grpcserver.ConnectionManager
	hub         *events.Hub
}

func NewAdminHandler(connManager *grpcserver.ConnectionManager, hub *events.Hub) *AdminHandler {
	return &AdminHandler{
		connManager: connManager,
		hub:         hub,
	}
}

// ListConnections reports the live agent streams on this instance and
// the event hub's fanout counters.
// GET /api/v1/admin/connections
func (h *AdminHandler) ListConnections(ctx *gin.Context) {
	nodeIDs := h.connManager.ListConnections()

	conns := make([]dto.ConnectionInfo, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		conn, ok := h.connManager.GetConnection(nodeID)
		if ok {
			conns = append(conns, dto.ConnectionInfo{
				NodeID:      conn.NodeID,
				ConnID:      conn.ConnID,
				ConnectedAt: conn.ConnectedAt,
				LastSeen:    h.connManager.LastSeen(nodeID),
			})
		}
	}

	ctx.JSON(http.StatusOK, dto.ConnectionsResponse{
		Connections:   conns,
		Count:         len(conns),
		Subscribers:   h.hub.SubscriberCount(),
		DroppedEvents: h.hub.Dropped(),
		Time:          time.Now().UTC(),
	})
}
