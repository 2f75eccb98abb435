package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/store"
)

// RegistryStore is the persistence the Registry needs.
type RegistryStore interface {
	store.NodeStore
	EnrollNode(ctx context.Context, tokenHash string, now time.Time, node *store.Node) error
}

// Disconnector drops a node's live agent connection.
type Disconnector interface {
	Disconnect(nodeID string)
}

// TerminalCloser stops the terminal processes a node's sessions hold.
type TerminalCloser interface {
	CloseTerminals(ctx context.Context, nodeID string) int
}

type Registry struct {
	store    RegistryStore
	backoffs BackoffStore
	events   events.Publisher
	clock    clock.Clock
	locks    *KeyedMutex

	disconnector Disconnector
	terminals    TerminalCloser
}

func NewRegistry(st RegistryStore, backoffs BackoffStore, pub events.Publisher, clk clock.Clock, locks *KeyedMutex) *Registry {
	if backoffs == nil {
		backoffs = NewMemoryBackoffStore()
	}
	if pub == nil {
		pub = events.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &Registry{store: st, backoffs: backoffs, events: pub, clock: clk, locks: locks}
}

// SetDisconnector wires the agent transport; it is created after the registry.
func (r *Registry) SetDisconnector(d Disconnector) {
	r.disconnector = d
}

func (r *Registry) SetTerminalCloser(tc TerminalCloser) {
	r.terminals = tc
}

func (r *Registry) Get(ctx context.Context, nodeID string) (*store.Node, error) {
	return r.store.GetNode(ctx, nodeID)
}

func (r *Registry) List(ctx context.Context) ([]store.Node, error) {
	return r.store.ListNodes(ctx)
}

func (r *Registry) prepare(node *store.Node) {
	now := r.clock.Now()
	node.Status = store.NodeOffline
	node.ConsecutiveFailures = 0
	node.NextRetryAt = nil
	node.ClearError()
	node.CreatedAt = now
	node.UpdatedAt = now
}

func (r *Registry) announce(node *store.Node) {
	slog.Info("Node registered", "node_id", node.ID, "hostname", node.Hostname)
	r.events.Publish(events.New(events.NodeRegistered, map[string]string{
		"hostname": node.Hostname,
		"status":   string(node.Status),
	}).ForNode(node.ID))
}

// Register creates an offline node without an enrollment token.
func (r *Registry) Register(ctx context.Context, node *store.Node) error {
	r.prepare(node)
	if err := r.store.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	r.announce(node)
	return nil
}

// Enroll consumes an enrollment token and creates the node atomically.
func (r *Registry) Enroll(ctx context.Context, tokenHash string, node *store.Node) error {
	r.prepare(node)
	if err := r.store.EnrollNode(ctx, tokenHash, r.clock.Now(), node); err != nil {
		return fmt.Errorf("enroll node: %w", err)
	}
	r.announce(node)
	return nil
}

// Delete removes the node and everything attached to it, then drops its
// agent connection.
func (r *Registry) Delete(ctx context.Context, nodeID string) error {
	// Terminal rows cascade with the node, so their processes are stopped
	// while the sessions still exist.
	if r.terminals != nil {
		if n := r.terminals.CloseTerminals(ctx, nodeID); n > 0 {
			slog.Info("Closed terminals of deleted node", "node_id", nodeID, "count", n)
		}
	}

	unlock := r.locks.Lock(nodeID)
	defer unlock()

	if err := r.store.DeleteNode(ctx, nodeID); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if err := r.backoffs.Clear(ctx, nodeID); err != nil {
		slog.Warn("Failed to clear backoff state", "node_id", nodeID, "error", err)
	}
	if r.disconnector != nil {
		r.disconnector.Disconnect(nodeID)
	}

	slog.Info("Node deleted", "node_id", nodeID)
	r.events.Publish(events.New(events.NodeDeleted, nil).ForNode(nodeID))
	return nil
}
