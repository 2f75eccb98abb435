// Package wire defines the agent stream: one bidirectional gRPC stream
// per agent carrying JSON encoded Message envelopes.
package wire

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/silo-fleet/internal/sessions"
)

type Type string

const (
	TypeHello           Type = "hello"
	TypeHelloAck        Type = "hello_ack"
	TypeHeartbeat       Type = "heartbeat"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeCommand         Type = "command"
	TypeCommandProgress Type = "command_progress"
	TypeCommandResult   Type = "command_result"
	TypeCommandCancel   Type = "command_cancel"
	TypeSessionRequest  Type = "session_request"
	TypeSessionResponse Type = "session_response"
	TypeTerminalOutput  Type = "terminal_output"
	TypeError           Type = "error"
)

// Message is the envelope of every frame. Exactly one payload field is
// set, matching Type. ReplyTo carries the ID of the request a pong or
// session_response answers.
type Message struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	ReplyTo string `json:"reply_to,omitempty"`

	Hello           *Hello             `json:"hello,omitempty"`
	HelloAck        *HelloAck          `json:"hello_ack,omitempty"`
	Heartbeat       *Heartbeat         `json:"heartbeat,omitempty"`
	Pong            *Pong              `json:"pong,omitempty"`
	Command         *Command           `json:"command,omitempty"`
	Progress        *Progress          `json:"progress,omitempty"`
	Result          *Result            `json:"result,omitempty"`
	Cancel          *Cancel            `json:"cancel,omitempty"`
	SessionRequest  *sessions.Request  `json:"session_request,omitempty"`
	SessionResponse *sessions.Response `json:"session_response,omitempty"`
	TerminalOutput  *TerminalOutput    `json:"terminal_output,omitempty"`
	Error           *Error             `json:"error,omitempty"`
}

// Hello is the first frame an agent sends. It authenticates the stream
// and counts as a heartbeat.
type Hello struct {
	NodeID   string    `json:"node_id"`
	AgentKey string    `json:"agent_key"`
	Facts    Heartbeat `json:"facts"`
}

type HelloAck struct {
	NodeID            string        `json:"node_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ServerTime        time.Time     `json:"server_time"`
}

type Heartbeat struct {
	Hostname     string          `json:"hostname,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	OS           string          `json:"os,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	MACAddress   string          `json:"mac_address,omitempty"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
}

// Pong answers a ping. A busy agent sets RetryAfter to push back the
// next probe.
type Pong struct {
	Busy       bool          `json:"busy,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

type Command struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Progress struct {
	CommandID string `json:"command_id"`
	Output    string `json:"output,omitempty"`
}

type Result struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Cancel struct {
	CommandID string `json:"command_id"`
}

type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data,omitempty"`
	// Closed is set once when the terminal process exits.
	Closed bool `json:"closed,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeBadRequest      = "bad_request"
)
