package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	commands map[string]*Command
	cmdSeq   map[string]int64 // command id -> insertion order
	seq      int64
	policies map[string]*Policy
	sessions map[string]*Session
	tokens   map[string]*EnrollmentToken // keyed by token hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*Node),
		commands: make(map[string]*Command),
		cmdSeq:   make(map[string]int64),
		policies: make(map[string]*Policy),
		sessions: make(map[string]*Session),
		tokens:   make(map[string]*EnrollmentToken),
	}
}

func (m *MemoryStore) Close() {}

func copyNode(n *Node) *Node {
	c := *n
	if n.Snapshot != nil {
		c.Snapshot = append([]byte(nil), n.Snapshot...)
	}
	return &c
}

func copyCommand(cmd *Command) *Command {
	c := *cmd
	if cmd.Payload != nil {
		c.Payload = append([]byte(nil), cmd.Payload...)
	}
	return &c
}

func (m *MemoryStore) CreateNode(ctx context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[node.ID]; exists {
		return fmt.Errorf("node %s: %w", node.ID, apperr.ErrConflict)
	}
	m.nodes[node.ID] = copyNode(node)
	return nil
}

func (m *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}
	return copyNode(n), nil
}

func (m *MemoryStore) ListNodes(ctx context.Context) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		result = append(result, *copyNode(n))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) UpdateNode(ctx context.Context, id string, fn func(*Node) error) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}

	working := copyNode(n)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	m.nodes[id] = working
	return copyNode(working), nil
}

func (m *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.nodes, id)

	for cid, c := range m.commands {
		if c.NodeID == id {
			delete(m.commands, cid)
			delete(m.cmdSeq, cid)
		}
	}
	for pid, p := range m.policies {
		if p.NodeID == id {
			delete(m.policies, pid)
		}
	}
	for sid, s := range m.sessions {
		if s.NodeID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

func (m *MemoryStore) CreateCommand(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[cmd.NodeID]; !ok {
		return fmt.Errorf("node %s: %w", cmd.NodeID, apperr.ErrNotFound)
	}
	if _, exists := m.commands[cmd.ID]; exists {
		return fmt.Errorf("command %s: %w", cmd.ID, apperr.ErrConflict)
	}
	m.seq++
	m.commands[cmd.ID] = copyCommand(cmd)
	m.cmdSeq[cmd.ID] = m.seq
	return nil
}

func (m *MemoryStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, apperr.ErrNotFound)
	}
	return copyCommand(c), nil
}

// commandsOf returns the node's commands oldest first. Must be called with mu held.
func (m *MemoryStore) commandsOf(nodeID string) []*Command {
	var result []*Command
	for _, c := range m.commands {
		if c.NodeID == nodeID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return m.cmdSeq[result[i].ID] < m.cmdSeq[result[j].ID]
	})
	return result
}

func (m *MemoryStore) ListCommands(ctx context.Context, nodeID string, limit int) ([]Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cmds := m.commandsOf(nodeID)
	result := make([]Command, 0, len(cmds))
	for i := len(cmds) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, *copyCommand(cmds[i]))
	}
	return result, nil
}

func (m *MemoryStore) NextQueuedCommand(ctx context.Context, nodeID string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.commandsOf(nodeID) {
		if c.Status == CommandQueued {
			return copyCommand(c), nil
		}
	}
	return nil, fmt.Errorf("queued command for node %s: %w", nodeID, apperr.ErrNotFound)
}

func (m *MemoryStore) CountActiveCommands(ctx context.Context, nodeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, c := range m.commands {
		if c.NodeID == nodeID && c.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListActiveCommands(ctx context.Context) ([]Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Command
	for _, c := range m.commands {
		if c.Status.Active() {
			result = append(result, *copyCommand(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return m.cmdSeq[result[i].ID] < m.cmdSeq[result[j].ID]
	})
	return result, nil
}

func (m *MemoryStore) ListNodesWithQueuedCommands(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, c := range m.commands {
		if c.Status == CommandQueued && !seen[c.NodeID] {
			seen[c.NodeID] = true
			result = append(result, c.NodeID)
		}
	}
	sort.Strings(result)
	return result, nil
}

func (m *MemoryStore) UpdateCommand(ctx context.Context, id string, fn func(*Command) error) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, apperr.ErrNotFound)
	}

	working := copyCommand(c)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	working.NodeID = c.NodeID
	m.commands[id] = working
	return copyCommand(working), nil
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, policy *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[policy.NodeID]; !ok {
		return fmt.Errorf("node %s: %w", policy.NodeID, apperr.ErrNotFound)
	}
	p := *policy
	m.policies[p.ID] = &p
	return nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, apperr.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context, nodeID string) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Policy
	for _, p := range m.policies {
		if p.NodeID == nodeID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return fmt.Errorf("policy %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[session.NodeID]; !ok {
		return fmt.Errorf("node %s: %w", session.NodeID, apperr.ErrNotFound)
	}
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, nodeID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Session
	for _, s := range m.sessions {
		if s.NodeID == nodeID {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListActiveSessions(ctx context.Context, kind SessionKind) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Session
	for _, s := range m.sessions {
		if s.Status != SessionActive {
			continue
		}
		if kind != "" && s.Kind != kind {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}

	working := *s
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.ID = id
	m.sessions[id] = &working
	c := working
	return &c, nil
}

func (m *MemoryStore) CreateEnrollmentToken(ctx context.Context, token *EnrollmentToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[token.TokenHash]; exists {
		return fmt.Errorf("enrollment token: %w", apperr.ErrConflict)
	}
	t := *token
	m.tokens[t.TokenHash] = &t
	return nil
}

func (m *MemoryStore) ListEnrollmentTokens(ctx context.Context) ([]EnrollmentToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]EnrollmentToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) EnrollNode(ctx context.Context, tokenHash string, now time.Time, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tokenHash]
	if !ok {
		return fmt.Errorf("enrollment token: %w", apperr.ErrNotFound)
	}
	if t.UsedAt != nil {
		return fmt.Errorf("enrollment token already used: %w", apperr.ErrConflict)
	}
	if !now.Before(t.ExpiresAt) {
		return fmt.Errorf("enrollment token: %w", apperr.ErrExpired)
	}
	if _, exists := m.nodes[node.ID]; exists {
		return fmt.Errorf("node %s: %w", node.ID, apperr.ErrConflict)
	}

	m.nodes[node.ID] = copyNode(node)
	usedAt := now
	t.UsedAt = &usedAt
	t.NodeID = node.ID
	return nil
}
