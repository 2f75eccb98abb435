package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/google/uuid"
)

const (
	sendChannelBuffer      = 100
	sendTimeout            = 5 * time.Second
	staleConnectionTimeout = 3 * time.Minute
	cleanupInterval        = 30 * time.Second
)

// AgentConnection is one live agent stream. Round trips started on it
// fail as soon as it is closed.
type AgentConnection struct {
	NodeID      string
	ConnID      string
	SendCh      chan *wire.Message
	ConnectedAt time.Time
	LastSeen    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Message
}

func (c *AgentConnection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ConnectionManager tracks agent streams. It is the push channel of the
// command queue, the requester of the session manager and the pinger of
// the liveness prober.
type ConnectionManager struct {
	agents map[string]*AgentConnection
	mu     sync.RWMutex
	stopCh chan struct{}
	once   sync.Once
}

func NewConnectionManager() *ConnectionManager {
	cm := &ConnectionManager{
		agents: make(map[string]*AgentConnection),
		stopCh: make(chan struct{}),
	}
	go cm.cleanupStaleConnections()
	return cm
}

// Register adds a connection for nodeID, replacing any previous one.
func (cm *ConnectionManager) Register(nodeID string) *AgentConnection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if existing, ok := cm.agents[nodeID]; ok {
		slog.Warn("Agent already connected, replacing connection", "node_id", nodeID, "conn_id", existing.ConnID)
		existing.cancel()
		delete(cm.agents, nodeID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	conn := &AgentConnection{
		NodeID:      nodeID,
		ConnID:      uuid.NewString(),
		SendCh:      make(chan *wire.Message, sendChannelBuffer),
		ConnectedAt: now,
		LastSeen:    now,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan *wire.Message),
	}
	cm.agents[nodeID] = conn

	slog.Info("Agent registered", "node_id", nodeID, "conn_id", conn.ConnID, "total_connections", len(cm.agents))
	return conn
}

// Deregister removes conn if it is still the node's current connection.
func (cm *ConnectionManager) Deregister(conn *AgentConnection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn.cancel()
	if current, ok := cm.agents[conn.NodeID]; ok && current == conn {
		delete(cm.agents, conn.NodeID)
		slog.Info("Agent deregistered", "node_id", conn.NodeID, "conn_id", conn.ConnID, "total_connections", len(cm.agents))
	}
}

// Disconnect drops the node's stream, if any.
func (cm *ConnectionManager) Disconnect(nodeID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn, ok := cm.agents[nodeID]; ok {
		conn.cancel()
		delete(cm.agents, nodeID)
		slog.Info("Agent disconnected by server", "node_id", nodeID, "conn_id", conn.ConnID)
	}
}

func (cm *ConnectionManager) IsConnected(nodeID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.agents[nodeID]
	return ok
}

func (cm *ConnectionManager) GetConnection(nodeID string) (*AgentConnection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, ok := cm.agents[nodeID]
	return conn, ok
}

func (cm *ConnectionManager) ListConnections() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	nodeIDs := make([]string, 0, len(cm.agents))
	for id := range cm.agents {
		nodeIDs = append(nodeIDs, id)
	}
	return nodeIDs
}

func (cm *ConnectionManager) UpdateLastSeen(nodeID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn, ok := cm.agents[nodeID]; ok {
		conn.LastSeen = time.Now()
	}
}

func (cm *ConnectionManager) LastSeen(nodeID string) time.Time {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if conn, ok := cm.agents[nodeID]; ok {
		return conn.LastSeen
	}
	return time.Time{}
}

// SendToAgent queues msg on the node's stream.
func (cm *ConnectionManager) SendToAgent(nodeID string, msg *wire.Message) error {
	conn, ok := cm.GetConnection(nodeID)
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, apperr.ErrUnreachable)
	}
	return cm.sendOn(conn, msg)
}

func (cm *ConnectionManager) sendOn(conn *AgentConnection, msg *wire.Message) error {
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case conn.SendCh <- msg:
		slog.Debug("Message queued for agent", "node_id", conn.NodeID, "message_id", msg.ID, "type", msg.Type)
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout sending to node %s: %w", conn.NodeID, apperr.ErrUnreachable)
	case <-conn.ctx.Done():
		return fmt.Errorf("node %s connection closed: %w", conn.NodeID, apperr.ErrUnreachable)
	}
}

// Send pushes a queue message. It returns once the frame is queued on
// the stream.
func (cm *ConnectionManager) Send(_ context.Context, nodeID string, msg commands.Message) error {
	out := &wire.Message{ID: uuid.NewString()}
	switch msg.Kind {
	case commands.KindCommand:
		out.Type = wire.TypeCommand
		out.Command = &wire.Command{CommandID: msg.CommandID, Type: msg.Type, Payload: msg.Payload}
	case commands.KindCancel:
		out.Type = wire.TypeCommandCancel
		out.Cancel = &wire.Cancel{CommandID: msg.CommandID}
	default:
		return fmt.Errorf("message kind %q: %w", msg.Kind, apperr.ErrInvalid)
	}
	return cm.SendToAgent(nodeID, out)
}

// Request performs a session round trip.
func (cm *ConnectionManager) Request(ctx context.Context, nodeID string, req sessions.Request) (sessions.Response, error) {
	reply, err := cm.roundTrip(ctx, nodeID, &wire.Message{
		Type:           wire.TypeSessionRequest,
		SessionRequest: &req,
	})
	if err != nil {
		return sessions.Response{}, err
	}
	if reply.SessionResponse == nil {
		return sessions.Response{}, fmt.Errorf("%s reply without session response", reply.Type)
	}
	return *reply.SessionResponse, nil
}

// Ping measures a ping/pong round trip. A busy agent's pong is reported
// as a failure carrying its retry hint.
func (cm *ConnectionManager) Ping(ctx context.Context, nodeID string) (time.Duration, error) {
	start := time.Now()
	reply, err := cm.roundTrip(ctx, nodeID, &wire.Message{Type: wire.TypePing})
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	if reply.Pong != nil && reply.Pong.Busy {
		return rtt, &busyError{retryAfter: reply.Pong.RetryAfter}
	}
	return rtt, nil
}

type busyError struct {
	retryAfter time.Duration
}

func (e *busyError) Error() string {
	return fmt.Sprintf("agent busy, retry after %s", e.retryAfter)
}

func (e *busyError) RetryAfter() time.Duration {
	return e.retryAfter
}

// roundTrip sends msg and waits for the frame whose ReplyTo matches it.
func (cm *ConnectionManager) roundTrip(ctx context.Context, nodeID string, msg *wire.Message) (*wire.Message, error) {
	conn, ok := cm.GetConnection(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, apperr.ErrUnreachable)
	}

	msg.ID = uuid.NewString()
	replyCh := make(chan *wire.Message, 1)

	conn.pendingMu.Lock()
	conn.pending[msg.ID] = replyCh
	conn.pendingMu.Unlock()
	defer func() {
		conn.pendingMu.Lock()
		delete(conn.pending, msg.ID)
		conn.pendingMu.Unlock()
	}()

	if err := cm.sendOn(conn, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s to node %s: %w", msg.Type, nodeID, ctx.Err())
	case <-conn.ctx.Done():
		return nil, fmt.Errorf("node %s connection closed: %w", nodeID, apperr.ErrUnreachable)
	}
}

// HandleResponse hands a reply frame to the waiting round trip. It
// reports false for replies nobody waits for anymore.
func (cm *ConnectionManager) HandleResponse(conn *AgentConnection, msg *wire.Message) bool {
	conn.pendingMu.Lock()
	replyCh, ok := conn.pending[msg.ReplyTo]
	if ok {
		delete(conn.pending, msg.ReplyTo)
	}
	conn.pendingMu.Unlock()

	if !ok {
		slog.Debug("Dropping unsolicited reply", "node_id", conn.NodeID, "reply_to", msg.ReplyTo, "type", msg.Type)
		return false
	}
	replyCh <- msg
	return true
}

func (cm *ConnectionManager) Stop() {
	cm.once.Do(func() { close(cm.stopCh) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, conn := range cm.agents {
		conn.cancel()
	}
	cm.agents = make(map[string]*AgentConnection)
}

func (cm *ConnectionManager) cleanupStaleConnections() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.removeStaleConnections(time.Now())
		case <-cm.stopCh:
			return
		}
	}
}

// removeStaleConnections drops streams that went silent without the
// transport noticing.
func (cm *ConnectionManager) removeStaleConnections(now time.Time) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	removed := 0
	for nodeID, conn := range cm.agents {
		if now.Sub(conn.LastSeen) > staleConnectionTimeout {
			slog.Warn("Removing stale connection", "node_id", nodeID, "conn_id", conn.ConnID, "last_seen", conn.LastSeen)
			conn.cancel()
			delete(cm.agents, nodeID)
			removed++
		}
	}
	return removed
}
