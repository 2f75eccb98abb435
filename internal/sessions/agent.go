package sessions

import (
	"context"
	"time"
)

// Op names a session operation executed by the agent.
type Op string

const (
	OpTerminalOpen   Op = "terminal_open"
	OpTerminalInput  Op = "terminal_input"
	OpTerminalResize Op = "terminal_resize"
	OpTerminalClose  Op = "terminal_close"
	OpFilesList      Op = "files_list"
	OpFilesRead      Op = "files_read"
	OpLogTail        Op = "log_tail"
)

type Request struct {
	Op        Op     `json:"op"`
	SessionID string `json:"session_id"`
	// Root confines Path on the agent, symlinks included.
	Root      string `json:"root,omitempty"`
	Path      string `json:"path,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	Lines     int    `json:"lines,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

type Response struct {
	Entries []FileEntry `json:"entries,omitempty"`
	Data    []byte      `json:"data,omitempty"`
	EOF     bool        `json:"eof,omitempty"`
	Lines   []string    `json:"lines,omitempty"`
	// Error is set when the agent could not perform the operation; Code
	// classifies it (one of the Code* constants).
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

const (
	CodeNotFound  = "not_found"
	CodeForbidden = "forbidden"
	CodeInvalid   = "invalid"
)

// Requester performs agent round trips for sessions. Request blocks until
// the agent answers or ctx ends.
type Requester interface {
	IsConnected(nodeID string) bool
	Request(ctx context.Context, nodeID string, req Request) (Response, error)
}
