package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/store"
)

type Config struct {
	GraceWindow   time.Duration  `mapstructure:"grace_window"`
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
	ProbeInterval time.Duration  `mapstructure:"probe_interval"`
	PingTimeout   time.Duration  `mapstructure:"ping_timeout"`
	Backoff       backoff.Policy `mapstructure:"backoff"`
}

var DefaultConfig = Config{
	GraceWindow:   90 * time.Second,
	SweepInterval: 15 * time.Second,
	ProbeInterval: 5 * time.Second,
	PingTimeout:   10 * time.Second,
	Backoff:       backoff.Default,
}

func (c Config) withDefaults() Config {
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultConfig.GraceWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultConfig.SweepInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultConfig.ProbeInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultConfig.PingTimeout
	}
	c.Backoff = c.Backoff.Normalize()
	return c
}

// Heartbeat is what an agent reports on each beat. Empty identity fields
// leave the stored values untouched.
type Heartbeat struct {
	Hostname     string
	IPAddress    string
	OS           string
	AgentVersion string
	MACAddress   string
	Snapshot     json.RawMessage
}

// errUnchanged aborts an UpdateNode transaction that has nothing to write.
var errUnchanged = errors.New("unchanged")

// Tracker owns node liveness: status transitions driven by heartbeats,
// ping results, the grace window and admin actions.
type Tracker struct {
	store    store.NodeStore
	backoffs BackoffStore
	events   events.Publisher
	clock    clock.Clock
	locks    *KeyedMutex
	cfg      Config
}

func NewTracker(st store.NodeStore, backoffs BackoffStore, pub events.Publisher, clk clock.Clock, locks *KeyedMutex, cfg Config) *Tracker {
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
	return &Tracker{
		store:    st,
		backoffs: backoffs,
		events:   pub,
		clock:    clk,
		locks:    locks,
		cfg:      cfg.withDefaults(),
	}
}

func (t *Tracker) Config() Config {
	return t.cfg
}

func (t *Tracker) publishStatus(node *store.Node, from store.NodeStatus) {
	if node.Status == from {
		return
	}
	slog.Info("Node status changed", "node_id", node.ID, "from", from, "to", node.Status)
	t.events.Publish(events.New(events.NodeStatusChanged, events.StatusChange{
		From: string(from),
		To:   string(node.Status),
	}).ForNode(node.ID))
}

// RecordHeartbeat marks the node as seen now and clears its backoff.
// Offline nodes become online; error and maintenance are kept.
func (t *Tracker) RecordHeartbeat(ctx context.Context, nodeID string, hb Heartbeat) (*store.Node, error) {
	unlock := t.locks.Lock(nodeID)
	defer unlock()

	now := t.clock.Now()
	var prev store.NodeStatus
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		prev = n.Status
		n.LastSeenAt = &now
		n.ConsecutiveFailures = 0
		n.NextRetryAt = nil
		applyHeartbeat(n, hb)

		switch n.Status {
		case store.NodeOffline, store.NodeOnline:
			n.Status = store.NodeOnline
		}
		if n.Status != store.NodeError {
			n.ClearError()
		}
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	if err := t.backoffs.Clear(ctx, nodeID); err != nil {
		slog.Warn("Failed to clear backoff state", "node_id", nodeID, "error", err)
	}

	slog.Debug("Heartbeat recorded", "node_id", nodeID, "status", node.Status)
	t.publishStatus(node, prev)
	return node, nil
}

func applyHeartbeat(n *store.Node, hb Heartbeat) {
	if hb.Hostname != "" {
		n.Hostname = hb.Hostname
	}
	if hb.IPAddress != "" {
		n.IPAddress = hb.IPAddress
	}
	if hb.OS != "" {
		n.OS = hb.OS
	}
	if hb.AgentVersion != "" {
		n.AgentVersion = hb.AgentVersion
	}
	if hb.MACAddress != "" {
		n.MACAddress = hb.MACAddress
	}
	if len(hb.Snapshot) > 0 {
		n.Snapshot = hb.Snapshot
	}
}

// RecordPingResult feeds a liveness probe outcome into the backoff
// schedule. A failure waits at least nextRetryHint before the next probe.
func (t *Tracker) RecordPingResult(ctx context.Context, nodeID string, success bool, nextRetryHint time.Duration) (*store.Node, error) {
	unlock := t.locks.Lock(nodeID)
	defer unlock()

	if success {
		return t.recordPingSuccess(ctx, nodeID)
	}
	return t.recordPingFailure(ctx, nodeID, nextRetryHint)
}

func (t *Tracker) recordPingSuccess(ctx context.Context, nodeID string) (*store.Node, error) {
	now := t.clock.Now()
	var prev store.NodeStatus
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		prev = n.Status
		n.LastSeenAt = &now
		n.ConsecutiveFailures = 0
		n.NextRetryAt = nil
		if n.Status == store.NodeOffline {
			n.Status = store.NodeOnline
		}
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record ping success: %w", err)
	}

	if err := t.backoffs.Clear(ctx, nodeID); err != nil {
		slog.Warn("Failed to clear backoff state", "node_id", nodeID, "error", err)
	}
	t.publishStatus(node, prev)
	return node, nil
}

func (t *Tracker) recordPingFailure(ctx context.Context, nodeID string, hint time.Duration) (*store.Node, error) {
	now := t.clock.Now()

	state, _, err := t.backoffs.Get(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("load backoff state: %w", err)
	}

	var prev store.NodeStatus
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		prev = n.Status
		// The row mirrors the backoff store; trust whichever saw more failures.
		failures := max(state.ConsecutiveFailures, n.ConsecutiveFailures) + 1
		delay := max(t.cfg.Backoff.Delay(failures), hint)
		next := now.Add(delay)

		n.ConsecutiveFailures = failures
		n.NextRetryAt = &next
		if n.Status == store.NodeOnline {
			n.Status = store.NodeOffline
		}
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record ping failure: %w", err)
	}

	state = BackoffState{
		NodeID:              nodeID,
		ConsecutiveFailures: node.ConsecutiveFailures,
		NextRetryAt:         *node.NextRetryAt,
		LastFailureAt:       now,
	}
	if err := t.backoffs.Put(ctx, state); err != nil {
		slog.Warn("Failed to persist backoff state", "node_id", nodeID, "error", err)
	}

	slog.Info("Node ping failed",
		"node_id", nodeID,
		"consecutive_failures", state.ConsecutiveFailures,
		"next_retry_at", state.NextRetryAt)

	t.publishStatus(node, prev)
	t.events.Publish(events.New(events.NodeBackoff, events.BackoffStatus{
		ConsecutiveFailures: state.ConsecutiveFailures,
		NextRetryAt:         state.NextRetryAt,
	}).ForNode(nodeID))
	return node, nil
}

// MarkUnreachableAfterTimeout moves an online node that has been silent
// for longer than the grace window to offline. It reports whether the
// node changed.
func (t *Tracker) MarkUnreachableAfterTimeout(ctx context.Context, nodeID string) (bool, error) {
	unlock := t.locks.Lock(nodeID)
	defer unlock()

	now := t.clock.Now()
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		if n.Status != store.NodeOnline {
			return errUnchanged
		}
		if n.LastSeenAt != nil && now.Sub(*n.LastSeenAt) <= t.cfg.GraceWindow {
			return errUnchanged
		}
		n.Status = store.NodeOffline
		n.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark unreachable: %w", err)
	}

	slog.Info("Node missed heartbeat grace window", "node_id", nodeID, "grace_window", t.cfg.GraceWindow)
	t.publishStatus(node, store.NodeOnline)
	return true, nil
}

// SweepStale runs MarkUnreachableAfterTimeout for every online node and
// returns how many went offline.
func (t *Tracker) SweepStale(ctx context.Context) (int, error) {
	nodes, err := t.store.ListNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}

	marked := 0
	for _, n := range nodes {
		if n.Status != store.NodeOnline {
			continue
		}
		changed, err := t.MarkUnreachableAfterTimeout(ctx, n.ID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return marked, err
		}
		if changed {
			marked++
		}
	}
	return marked, nil
}

// SetErrorState records a fatal condition reported by an admin or agent.
func (t *Tracker) SetErrorState(ctx context.Context, nodeID, code, message string) (*store.Node, error) {
	if code == "" {
		return nil, fmt.Errorf("error code is required: %w", apperr.ErrInvalid)
	}

	unlock := t.locks.Lock(nodeID)
	defer unlock()

	now := t.clock.Now()
	var prev store.NodeStatus
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		prev = n.Status
		n.Status = store.NodeError
		n.ErrorCode = code
		n.ErrorMessage = message
		n.ErrorAt = &now
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set error state: %w", err)
	}

	slog.Warn("Node entered error state", "node_id", nodeID, "error_code", code, "error_message", message)
	t.publishStatus(node, prev)
	return node, nil
}

// ClearErrorState nulls the error details; a node in error goes offline
// and comes back online with its next heartbeat.
func (t *Tracker) ClearErrorState(ctx context.Context, nodeID string) (*store.Node, error) {
	unlock := t.locks.Lock(nodeID)
	defer unlock()

	now := t.clock.Now()
	var prev store.NodeStatus
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		prev = n.Status
		if n.Status == store.NodeError {
			n.Status = store.NodeOffline
		}
		n.ClearError()
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear error state: %w", err)
	}

	t.publishStatus(node, prev)
	return node, nil
}

// SetMaintenance enters or leaves maintenance. Leaving puts the node
// offline until its next heartbeat.
func (t *Tracker) SetMaintenance(ctx context.Context, nodeID string, on bool) (*store.Node, error) {
	unlock := t.locks.Lock(nodeID)
	defer unlock()

	now := t.clock.Now()
	var prev store.NodeStatus
	node, err := t.store.UpdateNode(ctx, nodeID, func(n *store.Node) error {
		prev = n.Status
		switch {
		case on:
			n.Status = store.NodeMaintenance
		case n.Status == store.NodeMaintenance:
			n.Status = store.NodeOffline
		default:
			return errUnchanged
		}
		n.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return t.store.GetNode(ctx, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("set maintenance: %w", err)
	}

	t.publishStatus(node, prev)
	return node, nil
}

// Run sweeps stale nodes until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	slog.Info("Liveness sweeper started", "interval", t.cfg.SweepInterval, "grace_window", t.cfg.GraceWindow)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			marked, err := t.SweepStale(ctx)
			if err != nil {
				slog.Error("Liveness sweep failed", "error", err)
				continue
			}
			if marked > 0 {
				slog.Info("Liveness sweep marked nodes offline", "count", marked)
			}
		}
	}
}
