package dto

import "time"

type CreateEnrollmentTokenRequest struct {
	Name           string `json:"name"`
	ExpiresInHours int    `json:"expires_in_hours" binding:"min=0"`
}

type EnrollmentTokenResponse struct {
	ID        string     `json:"id"`
	Token     string     `json:"token,omitempty"` // Only returned on creation
	Name      string     `json:"name,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type ListEnrollmentTokensResponse struct {
	Tokens []EnrollmentTokenResponse `json:"tokens"`
}

type EnrollRequest struct {
	Token        string `json:"token" binding:"required"`
	Hostname     string `json:"hostname" binding:"required"`
	IPAddress    string `json:"ip_address"`
	OS           string `json:"os"`
	AgentVersion string `json:"agent_version"`
	MACAddress   string `json:"mac_address"`
}

type EnrollResponse struct {
	NodeID         string `json:"node_id"`
	AgentKey       string `json:"agent_key"`
	KeyFingerprint string `json:"key_fingerprint"`
}
