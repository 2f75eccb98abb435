package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
)

type SessionsHandler struct {
	manager *sessions.Manager
}

func NewSessionsHandler(manager *sessions.Manager) *SessionsHandler {
	return &SessionsHandler{manager: manager}
}

func principal(c *gin.Context) sessions.Principal {
	return sessions.Principal{
		Subject:  c.GetString(middleware.SubjectKey),
		Elevated: c.GetString(middleware.RoleKey) == auth.RoleAdmin,
	}
}

// POST /api/v1/nodes/:id/policies
func (h *SessionsHandler) CreatePolicy(c *gin.Context) {
	var req dto.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.manager.CreatePolicy(c.Request.Context(), sessions.PolicyRequest{
		NodeID:   c.Param("id"),
		Kind:     store.PolicyKind(req.Kind),
		Name:     req.Name,
		RootPath: req.RootPath,
		MaxBytes: req.MaxBytes,
	})
	if err != nil {
		respondError(c, err, "create policy")
		return
	}
	c.JSON(http.StatusCreated, toPolicyResponse(policy))
}

// GET /api/v1/nodes/:id/policies
func (h *SessionsHandler) ListPolicies(c *gin.Context) {
	list, err := h.manager.ListPolicies(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "list policies")
		return
	}

	resp := dto.ListPoliciesResponse{Policies: make([]dto.PolicyResponse, len(list))}
	for i := range list {
		resp.Policies[i] = toPolicyResponse(&list[i])
	}
	c.JSON(http.StatusOK, resp)
}

// DELETE /api/v1/policies/:id
func (h *SessionsHandler) DeletePolicy(c *gin.Context) {
	if err := h.manager.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, "delete policy")
		return
	}
	c.Status(http.StatusNoContent)
}

// Open starts a session on a connected node. System scope needs an
// admin token.
// POST /api/v1/nodes/:id/sessions
func (h *SessionsHandler) Open(c *gin.Context) {
	var req dto.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.manager.Open(c.Request.Context(), sessions.OpenRequest{
		NodeID:      c.Param("id"),
		Kind:        store.SessionKind(req.Kind),
		PolicyID:    req.PolicyID,
		SystemScope: req.SystemScope,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Principal:   principal(c),
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		respondError(c, err, "open session")
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(session, h.manager.VisibleStatus(session)))
}

// GET /api/v1/nodes/:id/sessions
func (h *SessionsHandler) ListForNode(c *gin.Context) {
	list, err := h.manager.ListForNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "list sessions")
		return
	}

	resp := dto.ListSessionsResponse{Sessions: make([]dto.SessionResponse, len(list))}
	for i := range list {
		resp.Sessions[i] = toSessionResponse(&list[i], h.manager.VisibleStatus(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/sessions/:id
func (h *SessionsHandler) Get(c *gin.Context) {
	session, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get session")
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session, h.manager.VisibleStatus(session)))
}

// DELETE /api/v1/sessions/:id
func (h *SessionsHandler) Close(c *gin.Context) {
	session, err := h.manager.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "close session")
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session, h.manager.VisibleStatus(session)))
}

// GET /api/v1/sessions/:id/files?path=
func (h *SessionsHandler) ListFiles(c *gin.Context) {
	dir := c.DefaultQuery("path", ".")
	entries, err := h.manager.List(c.Request.Context(), c.Param("id"), dir)
	if err != nil {
		respondError(c, err, "list files")
		return
	}
	c.JSON(http.StatusOK, dto.ListFilesResponse{Path: dir, Entries: toFileEntries(entries)})
}

// GET /api/v1/sessions/:id/read?path=&offset=&limit=
func (h *SessionsHandler) ReadFile(c *gin.Context) {
	offset, ok := queryInt64(c, "offset", 0)
	if !ok {
		return
	}
	limit, ok := queryInt64(c, "limit", 0)
	if !ok {
		return
	}

	res, err := h.manager.Read(c.Request.Context(), c.Param("id"), c.Query("path"), offset, limit)
	if err != nil {
		respondError(c, err, "read file")
		return
	}
	c.JSON(http.StatusOK, dto.ReadFileResponse{Path: res.Path, Offset: res.Offset, Data: res.Data, EOF: res.EOF})
}

// GET /api/v1/sessions/:id/tail?path=&lines=
func (h *SessionsHandler) Tail(c *gin.Context) {
	lines, ok := queryInt64(c, "lines", 0)
	if !ok {
		return
	}

	file := c.Query("path")
	out, err := h.manager.Tail(c.Request.Context(), c.Param("id"), file, int(lines))
	if err != nil {
		respondError(c, err, "tail log")
		return
	}
	if out == nil {
		out = []string{}
	}
	c.JSON(http.StatusOK, dto.TailResponse{Path: file, Lines: out})
}

// Input forwards keystrokes; output arrives on the event stream.
// POST /api/v1/sessions/:id/input
func (h *SessionsHandler) Input(c *gin.Context) {
	var req dto.TerminalInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Input(c.Request.Context(), c.Param("id"), []byte(req.Data)); err != nil {
		respondError(c, err, "send terminal input")
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/sessions/:id/resize
func (h *SessionsHandler) Resize(c *gin.Context) {
	var req dto.TerminalResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Resize(c.Request.Context(), c.Param("id"), req.Cols, req.Rows); err != nil {
		respondError(c, err, "resize terminal")
		return
	}
	c.Status(http.StatusNoContent)
}
