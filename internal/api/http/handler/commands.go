package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/gin-gonic/gin"
)

const defaultCommandListLimit = 50

type CommandsHandler struct {
	queue *commands.Queue
}

func NewCommandsHandler(queue *commands.Queue) *CommandsHandler {
	return &CommandsHandler{queue: queue}
}

// Enqueue queues a command for the node; delivery happens when the
// agent is connected.
// POST /api/v1/nodes/:id/commands
func (h *CommandsHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, err := h.queue.Enqueue(c.Request.Context(), c.Param("id"), req.Type, req.Payload)
	if err != nil {
		respondError(c, err, "enqueue command")
		return
	}
	c.JSON(http.StatusAccepted, toCommandResponse(cmd))
}

// GET /api/v1/nodes/:id/commands
func (h *CommandsHandler) List(c *gin.Context) {
	limit, ok := queryInt64(c, "limit", defaultCommandListLimit)
	if !ok {
		return
	}

	list, err := h.queue.List(c.Request.Context(), c.Param("id"), int(limit))
	if err != nil {
		respondError(c, err, "list commands")
		return
	}

	resp := dto.ListCommandsResponse{Commands: make([]dto.CommandResponse, len(list)), Count: len(list)}
	for i := range list {
		resp.Commands[i] = toCommandResponse(&list[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/commands/:id
func (h *CommandsHandler) Get(c *gin.Context) {
	cmd, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get command")
		return
	}
	c.JSON(http.StatusOK, toCommandResponse(cmd))
}

// Cancel fails a queued command or asks the agent to stop a running one.
// POST /api/v1/commands/:id/cancel
func (h *CommandsHandler) Cancel(c *gin.Context) {
	cmd, err := h.queue.CancelIfCancellable(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "cancel command")
		return
	}
	c.JSON(http.StatusOK, toCommandResponse(cmd))
}
