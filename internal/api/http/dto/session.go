package dto

import "time"

type CreatePolicyRequest struct {
	Kind     string `json:"kind" binding:"required,oneof=log files"`
	Name     string `json:"name"`
	RootPath string `json:"root_path" binding:"required"`
	MaxBytes int64  `json:"max_bytes" binding:"min=0"`
}

type PolicyResponse struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name,omitempty"`
	RootPath  string    `json:"root_path"`
	MaxBytes  int64     `json:"max_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ListPoliciesResponse struct {
	Policies []PolicyResponse `json:"policies"`
}

type OpenSessionRequest struct {
	Kind        string `json:"kind" binding:"required,oneof=terminal log files"`
	PolicyID    string `json:"policy_id"`
	SystemScope bool   `json:"system_scope"`
	TTLSeconds  int    `json:"ttl_seconds" binding:"min=0"`
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
}

type SessionResponse struct {
	ID          string     `json:"id"`
	NodeID      string     `json:"node_id"`
	Kind        string     `json:"kind"`
	PolicyID    string     `json:"policy_id,omitempty"`
	SystemScope bool       `json:"system_scope"`
	CreatedBy   string     `json:"created_by,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

type ListFilesResponse struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

type ReadFileResponse struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
	EOF    bool   `json:"eof"`
}

type TailResponse struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

type TerminalInputRequest struct {
	Data string `json:"data" binding:"required"`
}

type TerminalResizeRequest struct {
	Cols uint16 `json:"cols" binding:"required"`
	Rows uint16 `json:"rows" binding:"required"`
}
