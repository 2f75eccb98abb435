package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/enroll"
	"github.com/gin-gonic/gin"
)

type EnrollHandler struct {
	service *enroll.Service
}

func NewEnrollHandler(service *enroll.Service) *EnrollHandler {
	return &EnrollHandler{service: service}
}

// CreateToken mints a one-time enrollment token. The plaintext is only
// in this response.
// POST /api/v1/admin/enrollment-tokens
func (h *EnrollHandler) CreateToken(c *gin.Context) {
	var req dto.CreateEnrollmentTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ttl := time.Duration(req.ExpiresInHours) * time.Hour
	token, plain, err := h.service.CreateToken(c.Request.Context(), req.Name, ttl)
	if err != nil {
		respondError(c, err, "create enrollment token")
		return
	}

	resp := toTokenResponse(token)
	resp.Token = plain
	c.JSON(http.StatusCreated, resp)
}

// GET /api/v1/admin/enrollment-tokens
func (h *EnrollHandler) ListTokens(c *gin.Context) {
	list, err := h.service.ListTokens(c.Request.Context())
	if err != nil {
		respondError(c, err, "list enrollment tokens")
		return
	}

	resp := dto.ListEnrollmentTokensResponse{Tokens: make([]dto.EnrollmentTokenResponse, len(list))}
	for i := range list {
		resp.Tokens[i] = toTokenResponse(&list[i])
	}
	c.JSON(http.StatusOK, resp)
}

// Enroll is called by a new agent with its enrollment token. Unknown
// and expired tokens answer 404, a used one 409.
// POST /api/v1/enroll
func (h *EnrollHandler) Enroll(c *gin.Context) {
	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	facts := enroll.Facts{
		Hostname:     req.Hostname,
		IPAddress:    req.IPAddress,
		OS:           req.OS,
		AgentVersion: req.AgentVersion,
		MACAddress:   req.MACAddress,
	}
	if facts.IPAddress == "" {
		facts.IPAddress = c.ClientIP()
	}

	res, err := h.service.Enroll(c.Request.Context(), req.Token, facts, c.ClientIP())
	if err != nil {
		respondError(c, err, "enroll node")
		return
	}

	c.JSON(http.StatusCreated, dto.EnrollResponse{
		NodeID:         res.Node.ID,
		AgentKey:       res.AgentKey,
		KeyFingerprint: res.Node.AuthKeyFingerprint,
	})
}
