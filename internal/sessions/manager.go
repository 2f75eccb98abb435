package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

type Config struct {
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	MaxTTL         time.Duration `mapstructure:"max_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
}

var DefaultConfig = Config{
	DefaultTTL:     15 * time.Minute,
	MaxTTL:         time.Hour,
	RequestTimeout: 15 * time.Second,
	ReapInterval:   10 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultConfig.DefaultTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = DefaultConfig.MaxTTL
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultConfig.ReapInterval
	}
	return c
}

// Principal is the operator on whose behalf a session is opened.
type Principal struct {
	Subject  string
	Elevated bool
}

type OpenRequest struct {
	NodeID      string
	Kind        store.SessionKind
	PolicyID    string
	SystemScope bool
	TTL         time.Duration
	Principal   Principal
	Cols        uint16
	Rows        uint16
}

type Store interface {
	store.NodeStore
	store.PolicyStore
	store.SessionStore
}

// Manager grants time-bounded scoped access to a node. Every operation
// re-validates the session, so expiry needs no sweeper except for
// terminals, whose agent-side process must be killed.
type Manager struct {
	store     Store
	requester Requester
	events    events.Publisher
	clock     clock.Clock
	cfg       Config
}

func NewManager(st Store, requester Requester, pub events.Publisher, clk clock.Clock, cfg Config) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:     st,
		requester: requester,
		events:    pub,
		clock:     clk,
		cfg:       cfg.withDefaults(),
	}
}

func (m *Manager) publish(typ events.Type, s *store.Session) {
	m.events.Publish(events.New(typ, events.SessionInfo{
		Kind:      string(s.Kind),
		ExpiresAt: s.ExpiresAt,
	}).ForSession(s.NodeID, s.ID))
}

func (m *Manager) ttl(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return m.cfg.DefaultTTL
	case requested > m.cfg.MaxTTL:
		return m.cfg.MaxTTL
	}
	return requested
}

func (m *Manager) connected(nodeID string) bool {
	return m.requester != nil && m.requester.IsConnected(nodeID)
}

// Open creates a session after checking the node, the policy and the
// principal's rights.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*store.Session, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("session kind %q: %w", req.Kind, apperr.ErrInvalid)
	}
	if _, err := m.store.GetNode(ctx, req.NodeID); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	if req.Kind == store.SessionTerminal {
		req.SystemScope = true
		req.PolicyID = ""
	}
	if req.SystemScope && !req.Principal.Elevated {
		return nil, fmt.Errorf("system scope requires an elevated role: %w", apperr.ErrForbidden)
	}

	if req.Kind != store.SessionTerminal {
		if req.PolicyID == "" && !req.SystemScope {
			return nil, fmt.Errorf("policy_id is required without system scope: %w", apperr.ErrInvalid)
		}
		if req.PolicyID != "" {
			if _, err := m.policyFor(ctx, req.NodeID, req.PolicyID, req.Kind); err != nil {
				return nil, fmt.Errorf("open session: %w", err)
			}
		}
	}

	if !m.connected(req.NodeID) {
		return nil, fmt.Errorf("node %s: %w", req.NodeID, apperr.ErrUnreachable)
	}

	now := m.clock.Now()
	session := &store.Session{
		ID:          uuid.NewString(),
		NodeID:      req.NodeID,
		Kind:        req.Kind,
		PolicyID:    req.PolicyID,
		SystemScope: req.SystemScope,
		CreatedBy:   req.Principal.Subject,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl(req.TTL)),
		Status:      store.SessionActive,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	if session.Kind == store.SessionTerminal {
		_, err := m.roundTrip(ctx, session.NodeID, Request{
			Op:        OpTerminalOpen,
			SessionID: session.ID,
			Cols:      req.Cols,
			Rows:      req.Rows,
		})
		if err != nil {
			m.markClosed(ctx, session.ID)
			return nil, fmt.Errorf("spawn terminal: %w", err)
		}
	}

	slog.Info("Session opened",
		"session_id", session.ID,
		"node_id", session.NodeID,
		"kind", session.Kind,
		"system_scope", session.SystemScope,
		"expires_at", session.ExpiresAt,
		"created_by", session.CreatedBy)
	m.publish(events.SessionOpened, session)
	return session, nil
}

func (m *Manager) policyFor(ctx context.Context, nodeID, policyID string, kind store.SessionKind) (*store.Policy, error) {
	policy, err := m.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if policy.NodeID != nodeID || string(policy.Kind) != string(kind) {
		return nil, fmt.Errorf("policy %s for %s on node %s: %w", policyID, kind, nodeID, apperr.ErrNotFound)
	}
	return policy, nil
}

func (m *Manager) markClosed(ctx context.Context, sessionID string) {
	now := m.clock.Now()
	_, err := m.store.UpdateSession(ctx, sessionID, func(s *store.Session) error {
		s.ClosedAt = &now
		s.Status = store.SessionClosed
		return nil
	})
	if err != nil {
		slog.Warn("Failed to close session", "session_id", sessionID, "error", err)
	}
}

// Get returns the stored session without validating it.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.SessionUnavailable(apperr.ErrNotFound)
	}
	return s, err
}

// VisibleStatus is the status shown to operators: active while the
// session is usable, closed otherwise, whether it expired or was closed.
func (m *Manager) VisibleStatus(s *store.Session) store.SessionStatus {
	if s.Status == store.SessionActive && s.Usable(m.clock.Now()) {
		return store.SessionActive
	}
	return store.SessionClosed
}

func (m *Manager) ListForNode(ctx context.Context, nodeID string) ([]store.Session, error) {
	if _, err := m.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return m.store.ListSessions(ctx, nodeID)
}

// Validate returns the session if it is still usable. Expiry is checked
// before closure so both fail the same way to callers that only look at
// ErrSessionUnavailable.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*store.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.SessionUnavailable(apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("validate session: %w", err)
	}

	now := m.clock.Now()
	if !now.Before(s.ExpiresAt) {
		if m.markExpired(ctx, s) && s.Kind == store.SessionTerminal && s.ClosedAt == nil {
			m.killTerminal(ctx, s)
		}
		return nil, apperr.SessionUnavailable(apperr.ErrExpired)
	}
	if s.ClosedAt != nil || s.Status == store.SessionClosed {
		return nil, apperr.SessionUnavailable(apperr.ErrClosed)
	}
	return s, nil
}

// markExpired writes the expired status the first time expiry is seen.
func (m *Manager) markExpired(ctx context.Context, s *store.Session) bool {
	if s.Status != store.SessionActive {
		return false
	}
	updated, err := m.store.UpdateSession(ctx, s.ID, func(cur *store.Session) error {
		if cur.Status != store.SessionActive {
			return errUnchanged
		}
		cur.Status = store.SessionExpired
		return nil
	})
	if err != nil {
		if !errors.Is(err, errUnchanged) {
			slog.Warn("Failed to mark session expired", "session_id", s.ID, "error", err)
		}
		return false
	}

	slog.Info("Session expired", "session_id", s.ID, "node_id", s.NodeID, "kind", s.Kind)
	m.publish(events.SessionExpired, updated)
	return true
}

var errUnchanged = errors.New("unchanged")

// Close ends the session. Closing an already closed or expired session
// succeeds without side effects.
func (m *Manager) Close(ctx context.Context, sessionID string) (*store.Session, error) {
	now := m.clock.Now()
	var wasActive bool
	s, err := m.store.UpdateSession(ctx, sessionID, func(cur *store.Session) error {
		if cur.ClosedAt != nil {
			return errUnchanged
		}
		// An expired terminal the reaper has not reached yet still has a
		// live process on the agent.
		wasActive = cur.Status == store.SessionActive
		cur.ClosedAt = &now
		if cur.Status == store.SessionActive {
			cur.Status = store.SessionClosed
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return m.store.GetSession(ctx, sessionID)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.SessionUnavailable(apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}

	if s.Kind == store.SessionTerminal && wasActive {
		m.killTerminal(ctx, s)
	}

	slog.Info("Session closed", "session_id", s.ID, "node_id", s.NodeID)
	m.publish(events.SessionClosed, s)
	return s, nil
}

// CloseTerminals closes every open terminal session of the node and
// returns how many it closed.
func (m *Manager) CloseTerminals(ctx context.Context, nodeID string) int {
	list, err := m.store.ListSessions(ctx, nodeID)
	if err != nil {
		slog.Warn("Failed to list sessions to close", "node_id", nodeID, "error", err)
		return 0
	}

	closed := 0
	for _, s := range list {
		if s.Kind != store.SessionTerminal || s.ClosedAt != nil {
			continue
		}
		if _, err := m.Close(ctx, s.ID); err != nil {
			slog.Warn("Failed to close terminal session", "session_id", s.ID, "node_id", nodeID, "error", err)
			continue
		}
		closed++
	}
	return closed
}

// TerminalExited records that the agent's terminal process ended on its
// own. Nothing is sent back to the agent.
func (m *Manager) TerminalExited(ctx context.Context, sessionID string) error {
	now := m.clock.Now()
	s, err := m.store.UpdateSession(ctx, sessionID, func(cur *store.Session) error {
		if cur.ClosedAt != nil {
			return errUnchanged
		}
		cur.ClosedAt = &now
		if cur.Status == store.SessionActive {
			cur.Status = store.SessionClosed
		}
		return nil
	})
	if errors.Is(err, errUnchanged) || errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record terminal exit: %w", err)
	}

	slog.Info("Terminal exited on agent", "session_id", s.ID, "node_id", s.NodeID)
	m.publish(events.SessionClosed, s)
	return nil
}

func (m *Manager) killTerminal(ctx context.Context, s *store.Session) {
	if !m.connected(s.NodeID) {
		return
	}
	if _, err := m.roundTrip(ctx, s.NodeID, Request{Op: OpTerminalClose, SessionID: s.ID}); err != nil {
		slog.Warn("Failed to stop terminal on agent", "session_id", s.ID, "node_id", s.NodeID, "error", err)
	}
}

// Reap expires active terminal sessions past their deadline and stops
// their processes. Other kinds expire lazily on next use.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveSessions(ctx, store.SessionTerminal)
	if err != nil {
		return 0, fmt.Errorf("list terminal sessions: %w", err)
	}

	now := m.clock.Now()
	reaped := 0
	for i := range active {
		s := &active[i]
		if now.Before(s.ExpiresAt) {
			continue
		}
		if m.markExpired(ctx, s) {
			m.killTerminal(ctx, s)
			reaped++
		}
	}
	return reaped, nil
}

// HandleTerminalOutput republishes output the agent streams for a
// terminal session.
func (m *Manager) HandleTerminalOutput(nodeID, sessionID string, data []byte) {
	m.events.Publish(events.New(events.SessionOutput, events.Output{Chunk: string(data)}).
		ForSession(nodeID, sessionID))
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Reap(ctx)
			if err != nil {
				slog.Error("Terminal reap failed", "error", err)
			} else if n > 0 {
				slog.Info("Reaped expired terminal sessions", "count", n)
			}
		}
	}
}

// roundTrip runs one agent request bounded by RequestTimeout.
func (m *Manager) roundTrip(ctx context.Context, nodeID string, req Request) (Response, error) {
	if !m.connected(nodeID) {
		return Response{}, fmt.Errorf("node %s: %w", nodeID, apperr.ErrUnreachable)
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	resp, err := m.requester.Request(reqCtx, nodeID, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrTimeout) {
			return Response{}, fmt.Errorf("%s: %w", req.Op, apperr.ErrTimeout)
		}
		return Response{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	if resp.Error != "" {
		return resp, agentError(req.Op, resp)
	}
	return resp, nil
}

func agentError(op Op, resp Response) error {
	switch resp.Code {
	case CodeNotFound:
		return fmt.Errorf("%s: %s: %w", op, resp.Error, apperr.ErrNotFound)
	case CodeForbidden:
		return fmt.Errorf("%s: %s: %w", op, resp.Error, apperr.ErrForbidden)
	case CodeInvalid:
		return fmt.Errorf("%s: %s: %w", op, resp.Error, apperr.ErrInvalid)
	}
	return fmt.Errorf("%s: agent: %s", op, resp.Error)
}
