package dto

import "time"

type TokenRequest struct {
	Subject string `json:"subject" binding:"required"`
	Role    string `json:"role" binding:"required,oneof=operator admin"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
