package dto

import (
	"encoding/json"
	"time"
)

type NodeResponse struct {
	ID                  string          `json:"id"`
	Hostname            string          `json:"hostname"`
	IPAddress           string          `json:"ip_address,omitempty"`
	OS                  string          `json:"os,omitempty"`
	AgentVersion        string          `json:"agent_version,omitempty"`
	MACAddress          string          `json:"mac_address,omitempty"`
	Status              string          `json:"status"`
	Connected           bool            `json:"connected"`
	LastSeenAt          *time.Time      `json:"last_seen_at,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	NextRetryAt         *time.Time      `json:"next_retry_at,omitempty"`
	ErrorCode           string          `json:"error_code,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	ErrorAt             *time.Time      `json:"error_at,omitempty"`
	KeyFingerprint      string          `json:"key_fingerprint,omitempty"`
	Snapshot            json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type ListNodesResponse struct {
	Nodes []NodeResponse `json:"nodes"`
	Count int            `json:"count"`
}

type SetErrorRequest struct {
	Code    string `json:"code" binding:"required"`
	Message string `json:"message"`
}

type MaintenanceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type PingResponse struct {
	NodeID string       `json:"node_id"`
	Ok     bool         `json:"ok"`
	RTTMs  int64        `json:"rtt_ms,omitempty"`
	Error  string       `json:"error,omitempty"`
	Node   NodeResponse `json:"node"`
}
