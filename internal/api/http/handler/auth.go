package handler

import (
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	jwtConfig auth.Config
}

func NewAuthHandler(jwtConfig auth.Config) *AuthHandler {
	return &AuthHandler{jwtConfig: jwtConfig}
}

// IssueToken mints an operator or admin JWT. The route sits behind the
// admin API key.
// POST /auth/token
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expiresAt, err := auth.GenerateToken(h.jwtConfig, req.Subject, req.Role)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	slog.Info("Token issued", "subject", req.Subject, "role", req.Role, "expires_at", expiresAt)
	c.JSON(http.StatusOK, dto.TokenResponse{Token: token, ExpiresAt: expiresAt})
}
