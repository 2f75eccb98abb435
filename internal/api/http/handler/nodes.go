package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/gin-gonic/gin"
)

type NodesHandler struct {
	registry *nodes.Registry
	tracker  *nodes.Tracker
	prober   *nodes.Prober
	conns    ConnectionChecker
}

func NewNodesHandler(registry *nodes.Registry, tracker *nodes.Tracker, prober *nodes.Prober, conns ConnectionChecker) *NodesHandler {
	return &NodesHandler{
		registry: registry,
		tracker:  tracker,
		prober:   prober,
		conns:    conns,
	}
}

// ListNodes returns every node. Clients use it to reconcile after
// reconnecting to the event stream.
// GET /api/v1/nodes
func (h *NodesHandler) ListNodes(c *gin.Context) {
	list, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err, "list nodes")
		return
	}

	resp := dto.ListNodesResponse{Nodes: make([]dto.NodeResponse, len(list)), Count: len(list)}
	for i := range list {
		resp.Nodes[i] = toNodeResponse(&list[i], h.conns)
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/nodes/:id
func (h *NodesHandler) GetNode(c *gin.Context) {
	node, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get node")
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(node, h.conns))
}

// DELETE /api/v1/nodes/:id
func (h *NodesHandler) DeleteNode(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, "delete node")
		return
	}
	c.Status(http.StatusNoContent)
}

// PingNode probes the agent once. An unanswered ping is a 200 with
// ok=false; the node's backoff state reflects it.
// POST /api/v1/nodes/:id/ping
func (h *NodesHandler) PingNode(c *gin.Context) {
	res, err := h.prober.Ping(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "ping node")
		return
	}

	resp := dto.PingResponse{
		NodeID: res.NodeID,
		Ok:     res.Success,
		RTTMs:  res.RTT.Milliseconds(),
		Error:  res.Error,
	}
	if res.Node != nil {
		resp.Node = toNodeResponse(res.Node, h.conns)
	}
	c.JSON(http.StatusOK, resp)
}

// PUT /api/v1/nodes/:id/maintenance
func (h *NodesHandler) SetMaintenance(c *gin.Context) {
	var req dto.MaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.tracker.SetMaintenance(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		respondError(c, err, "set maintenance")
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(node, h.conns))
}

// PUT /api/v1/nodes/:id/error
func (h *NodesHandler) SetError(c *gin.Context) {
	var req dto.SetErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.tracker.SetErrorState(c.Request.Context(), c.Param("id"), req.Code, req.Message)
	if err != nil {
		respondError(c, err, "set error state")
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(node, h.conns))
}

// DELETE /api/v1/nodes/:id/error
func (h *NodesHandler) ClearError(c *gin.Context) {
	node, err := h.tracker.ClearErrorState(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "clear error state")
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(node, h.conns))
}
