package events

import (
	"encoding/json"
	"log/slog"
	"time"
)

type Type string

const (
	// Hello is sent once per push connection before any other event.
	Hello Type = "hello"

	NodeRegistered    Type = "node.registered"
	NodeStatusChanged Type = "node.status_changed"
	NodeBackoff       Type = "node.backoff"
	NodeDeleted       Type = "node.deleted"

	CommandUpdated Type = "command.updated"
	CommandOutput  Type = "command.output"

	SessionOpened  Type = "session.opened"
	SessionExpired Type = "session.expired"
	SessionClosed  Type = "session.closed"
	SessionOutput  Type = "session.output"
)

// Targeted reports whether the event type is only delivered to explicit
// per-command or per-session subscribers.
func (t Type) Targeted() bool {
	return t == CommandOutput || t == SessionOutput
}

type Event struct {
	Type      Type            `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Time      time.Time       `json:"time"`
	// Origin is the id of the server instance that published the event.
	Origin string `json:"origin,omitempty"`
}

// New builds an event with data marshaled to JSON.
func New(typ Type, data any) Event {
	e := Event{Type: typ}
	if data == nil {
		return e
	}
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal event data", "type", typ, "error", err)
		return e
	}
	e.Data = raw
	return e
}

func (e Event) ForNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

func (e Event) ForCommand(nodeID, commandID string) Event {
	e.NodeID = nodeID
	e.CommandID = commandID
	return e
}

func (e Event) ForSession(nodeID, sessionID string) Event {
	e.NodeID = nodeID
	e.SessionID = sessionID
	return e
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Publisher is the capability components use to emit events.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// StatusChange is the data of NodeStatusChanged.
type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BackoffStatus is the data of NodeBackoff.
type BackoffStatus struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRetryAt         time.Time `json:"next_retry_at"`
}

// CommandStatus is the data of CommandUpdated.
type CommandStatus struct {
	Status           string `json:"status"`
	DispatchAttempts int    `json:"dispatch_attempts"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

// Output is the data of CommandOutput and SessionOutput.
type Output struct {
	Chunk string `json:"chunk"`
}

// SessionInfo is the data of the session lifecycle events.
type SessionInfo struct {
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HelloInfo is the data of Hello.
type HelloInfo struct {
	ConnectionID string          `json:"connection_id"`
	Reconnect    ReconnectPolicy `json:"reconnect"`
}

// ReconnectPolicy is the reconnect cadence the server suggests to clients.
type ReconnectPolicy struct {
	InitialMs  int64   `json:"initial_ms"`
	MaxMs      int64   `json:"max_ms"`
	Multiplier float64 `json:"multiplier"`
}
