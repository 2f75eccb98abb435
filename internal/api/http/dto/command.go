package dto

import (
	"encoding/json"
	"time"
)

type EnqueueCommandRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type CommandResponse struct {
	ID                    string          `json:"id"`
	NodeID                string          `json:"node_id"`
	Type                  string          `json:"type"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	Status                string          `json:"status"`
	DispatchAttempts      int             `json:"dispatch_attempts"`
	LastDispatchAttemptAt *time.Time      `json:"last_dispatch_attempt_at,omitempty"`
	SentAt                *time.Time      `json:"sent_at,omitempty"`
	ExecutedAt            *time.Time      `json:"executed_at,omitempty"`
	CancelRequestedAt     *time.Time      `json:"cancel_requested_at,omitempty"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	Output                string          `json:"output,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type ListCommandsResponse struct {
	Commands []CommandResponse `json:"commands"`
	Count    int               `json:"count"`
}
