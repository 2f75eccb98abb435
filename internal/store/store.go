package store

import (
	"context"
	"encoding/json"
	"time"
)

type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
	NodeError       NodeStatus = "error"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case NodeOnline, NodeOffline, NodeMaintenance, NodeError:
		return true
	}
	return false
}

type Node struct {
	ID                  string
	Hostname            string
	IPAddress           string
	OS                  string
	AgentVersion        string
	MACAddress          string
	Status              NodeStatus
	LastSeenAt          *time.Time
	ConsecutiveFailures int
	NextRetryAt         *time.Time
	ErrorCode           string
	ErrorMessage        string
	ErrorAt             *time.Time
	AuthKeyHash         string
	AuthKeyFingerprint  string
	Snapshot            json.RawMessage
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasError reports whether the error detail fields are populated.
func (n *Node) HasError() bool {
	return n.ErrorCode != "" && n.ErrorAt != nil
}

// ClearError nulls the error detail fields.
func (n *Node) ClearError() {
	n.ErrorCode = ""
	n.ErrorMessage = ""
	n.ErrorAt = nil
}

type CommandStatus string

const (
	CommandQueued     CommandStatus = "queued"
	CommandSent       CommandStatus = "sent"
	CommandInProgress CommandStatus = "in_progress"
	CommandSuccess    CommandStatus = "success"
	CommandFailed     CommandStatus = "failed"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandSuccess || s == CommandFailed
}

// Active reports whether the command is on the agent (sent or running).
func (s CommandStatus) Active() bool {
	return s == CommandSent || s == CommandInProgress
}

type Command struct {
	ID                    string
	NodeID                string
	Type                  string
	Payload               json.RawMessage
	Status                CommandStatus
	DispatchAttempts      int
	LastDispatchAttemptAt *time.Time
	SentAt                *time.Time
	LastActivityAt        *time.Time
	ExecutedAt            *time.Time
	CancelRequestedAt     *time.Time
	FailureReason         string
	Output                string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type PolicyKind string

const (
	PolicyLog   PolicyKind = "log"
	PolicyFiles PolicyKind = "files"
)

type Policy struct {
	ID        string
	NodeID    string
	Kind      PolicyKind
	Name      string
	RootPath  string
	MaxBytes  int64
	CreatedAt time.Time
}

type SessionKind string

const (
	SessionTerminal SessionKind = "terminal"
	SessionLog      SessionKind = "log"
	SessionFiles    SessionKind = "files"
)

func (k SessionKind) Valid() bool {
	switch k {
	case SessionTerminal, SessionLog, SessionFiles:
		return true
	}
	return false
}

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionClosed  SessionStatus = "closed"
)

type Session struct {
	ID          string
	NodeID      string
	Kind        SessionKind
	PolicyID    string
	SystemScope bool
	CreatedBy   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ClosedAt    *time.Time
	Status      SessionStatus
}

// Usable reports whether the session may still be used at now.
func (s *Session) Usable(now time.Time) bool {
	return now.Before(s.ExpiresAt) && s.ClosedAt == nil
}

type EnrollmentToken struct {
	ID        string
	TokenHash string
	Name      string
	ExpiresAt time.Time
	UsedAt    *time.Time
	NodeID    string
	CreatedAt time.Time
}

// Store is the durable state of the control plane. Update* methods are
// read-modify-write transactions: fn sees the current row and mutates it
// in place; returning an error aborts without writing.
type Store interface {
	NodeStore
	CommandStore
	PolicyStore
	SessionStore
	EnrollmentStore
	Close()
}

type NodeStore interface {
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]Node, error)
	UpdateNode(ctx context.Context, id string, fn func(*Node) error) (*Node, error)
	// DeleteNode removes the node with its commands, policies and sessions.
	DeleteNode(ctx context.Context, id string) error
}

type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	// ListCommands returns the newest commands of a node first.
	ListCommands(ctx context.Context, nodeID string, limit int) ([]Command, error)
	// NextQueuedCommand returns the oldest queued command of a node.
	NextQueuedCommand(ctx context.Context, nodeID string) (*Command, error)
	CountActiveCommands(ctx context.Context, nodeID string) (int, error)
	// ListActiveCommands returns sent and in_progress commands of all nodes.
	ListActiveCommands(ctx context.Context) ([]Command, error)
	// ListNodesWithQueuedCommands returns ids of nodes that have queued work.
	ListNodesWithQueuedCommands(ctx context.Context) ([]string, error)
	UpdateCommand(ctx context.Context, id string, fn func(*Command) error) (*Command, error)
}

type PolicyStore interface {
	CreatePolicy(ctx context.Context, policy *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, nodeID string) ([]Policy, error)
	DeletePolicy(ctx context.Context, id string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, nodeID string) ([]Session, error)
	// ListActiveSessions returns sessions still marked active, optionally
	// restricted to one kind (empty kind means all).
	ListActiveSessions(ctx context.Context, kind SessionKind) ([]Session, error)
	UpdateSession(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
}

type EnrollmentStore interface {
	CreateEnrollmentToken(ctx context.Context, token *EnrollmentToken) error
	ListEnrollmentTokens(ctx context.Context) ([]EnrollmentToken, error)
	// EnrollNode consumes the token identified by tokenHash and creates
	// node in one transaction. It fails with apperr.ErrNotFound for an
	// unknown token, apperr.ErrExpired past its expiry and
	// apperr.ErrConflict when it was already used.
	EnrollNode(ctx context.Context, tokenHash string, now time.Time, node *Node) error
}
