package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

const (
	ReasonCancelled         = "cancelled"
	ReasonTimedOut          = "timed out"
	ReasonAttemptsExhausted = "dispatch attempts exhausted"
	ReasonAgentFailed       = "agent reported failure"
)

type Config struct {
	MaxDuration         time.Duration `mapstructure:"max_duration"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace"`
	OutputLimit         int           `mapstructure:"output_limit"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

var DefaultConfig = Config{
	MaxDuration:         30 * time.Minute,
	CancelGrace:         30 * time.Second,
	OutputLimit:         64 * 1024,
	MaxDispatchAttempts: 5,
	SweepInterval:       10 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultConfig.MaxDuration
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultConfig.CancelGrace
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = DefaultConfig.OutputLimit
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = DefaultConfig.MaxDispatchAttempts
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultConfig.SweepInterval
	}
	return c
}

type MessageKind string

const (
	KindCommand MessageKind = "command"
	KindCancel  MessageKind = "cancel"
)

// Message is what the queue pushes to an agent.
type Message struct {
	Kind      MessageKind
	CommandID string
	Type      string
	Payload   json.RawMessage
}

// Channel is the push capability towards agents. Send must not wait on
// the agent's reply.
type Channel interface {
	IsConnected(nodeID string) bool
	Send(ctx context.Context, nodeID string, msg Message) error
}

// Store is the persistence the queue needs.
type Store interface {
	store.NodeStore
	store.CommandStore
}

var errUnchanged = errors.New("unchanged")

// Queue holds commands per node and moves them through
// queued -> sent -> in_progress -> success|failed.
type Queue struct {
	store   Store
	channel Channel
	events  events.Publisher
	clock   clock.Clock
	locks   *nodes.KeyedMutex
	cfg     Config
}

func NewQueue(st Store, channel Channel, pub events.Publisher, clk clock.Clock, locks *nodes.KeyedMutex, cfg Config) *Queue {
	if pub == nil {
		pub = events.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if locks == nil {
		locks = nodes.NewKeyedMutex()
	}
	return &Queue{
		store:   st,
		channel: channel,
		events:  pub,
		clock:   clk,
		locks:   locks,
		cfg:     cfg.withDefaults(),
	}
}

func (q *Queue) publishUpdated(cmd *store.Command) {
	q.events.Publish(events.New(events.CommandUpdated, events.CommandStatus{
		Status:           string(cmd.Status),
		DispatchAttempts: cmd.DispatchAttempts,
		FailureReason:    cmd.FailureReason,
	}).ForCommand(cmd.NodeID, cmd.ID))
}

func (q *Queue) Get(ctx context.Context, commandID string) (*store.Command, error) {
	return q.store.GetCommand(ctx, commandID)
}

func (q *Queue) List(ctx context.Context, nodeID string, limit int) ([]store.Command, error) {
	if _, err := q.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return q.store.ListCommands(ctx, nodeID, limit)
}

// Enqueue stores a new queued command and tries to dispatch right away.
func (q *Queue) Enqueue(ctx context.Context, nodeID, typ string, payload json.RawMessage) (*store.Command, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, fmt.Errorf("command type is required: %w", apperr.ErrInvalid)
	}
	if _, err := q.store.GetNode(ctx, nodeID); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	now := q.clock.Now()
	cmd := &store.Command{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Type:      typ,
		Payload:   payload,
		Status:    store.CommandQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	slog.Info("Command queued", "node_id", nodeID, "command_id", cmd.ID, "type", typ)
	q.publishUpdated(cmd)

	if _, err := q.Dispatch(ctx, nodeID); err != nil {
		slog.Warn("Dispatch after enqueue failed", "node_id", nodeID, "error", err)
	}
	return q.store.GetCommand(ctx, cmd.ID)
}

// Dispatch sends the oldest queued command of the node when the node can
// take it. It returns the command it touched, or nil when nothing was
// attempted.
func (q *Queue) Dispatch(ctx context.Context, nodeID string) (*store.Command, error) {
	unlock := q.locks.Lock(nodeID)
	defer unlock()
	return q.dispatchLocked(ctx, nodeID)
}

func (q *Queue) dispatchLocked(ctx context.Context, nodeID string) (*store.Command, error) {
	node, err := q.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if node.Status == store.NodeMaintenance || node.Status == store.NodeError {
		slog.Debug("Dispatch suppressed", "node_id", nodeID, "status", node.Status)
		return nil, nil
	}
	if q.channel == nil || !q.channel.IsConnected(nodeID) {
		return nil, nil
	}

	active, err := q.store.CountActiveCommands(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if active > 0 {
		return nil, nil
	}

	cmd, err := q.store.NextQueuedCommand(ctx, nodeID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	sendErr := q.channel.Send(ctx, nodeID, Message{
		Kind:      KindCommand,
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
	})
	now := q.clock.Now()

	// The stream went away after IsConnected; the command waits for the
	// next connect without spending an attempt.
	if errors.Is(sendErr, apperr.ErrUnreachable) {
		slog.Debug("Node dropped before command was sent", "node_id", nodeID, "command_id", cmd.ID, "error", sendErr)
		return nil, nil
	}

	if sendErr != nil {
		updated, err := q.store.UpdateCommand(ctx, cmd.ID, func(c *store.Command) error {
			if c.Status != store.CommandQueued {
				return errUnchanged
			}
			c.DispatchAttempts++
			c.LastDispatchAttemptAt = &now
			if c.DispatchAttempts >= q.cfg.MaxDispatchAttempts {
				c.Status = store.CommandFailed
				c.FailureReason = ReasonAttemptsExhausted
			}
			c.UpdatedAt = now
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			return nil, fmt.Errorf("record dispatch attempt: %w", err)
		}
		if updated != nil {
			slog.Warn("Command transmission failed",
				"node_id", nodeID,
				"command_id", cmd.ID,
				"dispatch_attempts", updated.DispatchAttempts,
				"error", sendErr)
			q.publishUpdated(updated)
		}
		return updated, fmt.Errorf("send command %s: %w", cmd.ID, sendErr)
	}

	updated, err := q.store.UpdateCommand(ctx, cmd.ID, func(c *store.Command) error {
		if c.Status != store.CommandQueued {
			return errUnchanged
		}
		c.Status = store.CommandSent
		c.DispatchAttempts++
		c.LastDispatchAttemptAt = &now
		c.SentAt = &now
		c.LastActivityAt = &now
		c.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark command sent: %w", err)
	}

	slog.Info("Command dispatched", "node_id", nodeID, "command_id", cmd.ID, "dispatch_attempts", updated.DispatchAttempts)
	q.publishUpdated(updated)
	return updated, nil
}

// DispatchAll retries every connected node that has queued work.
func (q *Queue) DispatchAll(ctx context.Context) int {
	ids, err := q.store.ListNodesWithQueuedCommands(ctx)
	if err != nil {
		slog.Error("Failed to list nodes with queued commands", "error", err)
		return 0
	}

	dispatched := 0
	for _, nodeID := range ids {
		if q.channel == nil || !q.channel.IsConnected(nodeID) {
			continue
		}
		cmd, err := q.Dispatch(ctx, nodeID)
		if err != nil {
			slog.Warn("Dispatch failed", "node_id", nodeID, "error", err)
			continue
		}
		if cmd != nil && cmd.Status == store.CommandSent {
			dispatched++
		}
	}
	return dispatched
}

// lockCommand resolves the command's node and takes its lock.
func (q *Queue) lockCommand(ctx context.Context, commandID string) (*store.Command, func(), error) {
	cmd, err := q.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, nil, err
	}
	return cmd, q.locks.Lock(cmd.NodeID), nil
}

// ReportProgress applies an agent progress report: the first one moves
// sent to in_progress, output is appended and streamed to followers.
func (q *Queue) ReportProgress(ctx context.Context, commandID string, statusDelta store.CommandStatus, outputAppend string) (*store.Command, error) {
	if statusDelta != "" && statusDelta != store.CommandInProgress {
		return nil, fmt.Errorf("progress status %q: %w", statusDelta, apperr.ErrInvalid)
	}

	cmd, unlock, err := q.lockCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("report progress: %w", err)
	}
	defer unlock()

	now := q.clock.Now()
	var prev store.CommandStatus
	updated, err := q.store.UpdateCommand(ctx, commandID, func(c *store.Command) error {
		prev = c.Status
		if c.Status.Terminal() {
			return fmt.Errorf("command already %s: %w", c.Status, apperr.ErrConflict)
		}
		if c.Status == store.CommandQueued {
			return fmt.Errorf("command not dispatched: %w", apperr.ErrConflict)
		}
		c.Status = store.CommandInProgress
		c.Output = appendOutput(c.Output, outputAppend, q.cfg.OutputLimit)
		c.LastActivityAt = &now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			slog.Warn("Ignoring late progress report", "node_id", cmd.NodeID, "command_id", commandID, "error", err)
		}
		return nil, fmt.Errorf("report progress: %w", err)
	}

	if outputAppend != "" {
		q.events.Publish(events.New(events.CommandOutput, events.Output{Chunk: outputAppend}).
			ForCommand(updated.NodeID, updated.ID))
	}
	if prev != updated.Status {
		q.publishUpdated(updated)
	}
	return updated, nil
}

// ReportTerminal records the agent's final result and dispatches the
// node's next queued command.
func (q *Queue) ReportTerminal(ctx context.Context, commandID string, finalStatus store.CommandStatus, finalOutput string) (*store.Command, error) {
	if !finalStatus.Terminal() {
		return nil, fmt.Errorf("final status %q: %w", finalStatus, apperr.ErrInvalid)
	}

	cmd, unlock, err := q.lockCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("report result: %w", err)
	}

	now := q.clock.Now()
	updated, err := q.store.UpdateCommand(ctx, commandID, func(c *store.Command) error {
		if c.Status.Terminal() {
			return fmt.Errorf("command already %s: %w", c.Status, apperr.ErrConflict)
		}
		if c.Status == store.CommandQueued {
			return fmt.Errorf("command not dispatched: %w", apperr.ErrConflict)
		}
		c.Status = finalStatus
		c.Output = appendOutput(c.Output, finalOutput, q.cfg.OutputLimit)
		c.ExecutedAt = &now
		c.LastActivityAt = &now
		if finalStatus == store.CommandFailed && c.FailureReason == "" {
			c.FailureReason = ReasonAgentFailed
			if c.CancelRequestedAt != nil {
				c.FailureReason = ReasonCancelled
			}
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		unlock()
		if errors.Is(err, apperr.ErrConflict) {
			slog.Warn("Ignoring late result", "node_id", cmd.NodeID, "command_id", commandID, "error", err)
		}
		return nil, fmt.Errorf("report result: %w", err)
	}

	if finalOutput != "" {
		q.events.Publish(events.New(events.CommandOutput, events.Output{Chunk: finalOutput}).
			ForCommand(updated.NodeID, updated.ID))
	}
	slog.Info("Command finished", "node_id", updated.NodeID, "command_id", commandID, "status", updated.Status)
	q.publishUpdated(updated)

	_, err = q.dispatchLocked(ctx, updated.NodeID)
	unlock()
	if err != nil {
		slog.Warn("Dispatch after result failed", "node_id", updated.NodeID, "error", err)
	}
	return updated, nil
}

// CancelIfCancellable fails a queued command at once. For a command on
// the agent it sends a cancel and leaves the outcome to the agent's
// report or the cancel grace period.
func (q *Queue) CancelIfCancellable(ctx context.Context, commandID string) (*store.Command, error) {
	cmd, unlock, err := q.lockCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	defer unlock()

	now := q.clock.Now()
	var onAgent bool
	updated, err := q.store.UpdateCommand(ctx, commandID, func(c *store.Command) error {
		switch {
		case c.Status.Terminal():
			return fmt.Errorf("command already %s: %w", c.Status, apperr.ErrConflict)
		case c.Status == store.CommandQueued:
			c.Status = store.CommandFailed
			c.FailureReason = ReasonCancelled
		default:
			onAgent = true
			if c.CancelRequestedAt == nil {
				c.CancelRequestedAt = &now
			}
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}

	if onAgent && q.channel != nil && q.channel.IsConnected(cmd.NodeID) {
		if err := q.channel.Send(ctx, cmd.NodeID, Message{Kind: KindCancel, CommandID: commandID}); err != nil {
			slog.Warn("Failed to send cancel", "node_id", cmd.NodeID, "command_id", commandID, "error", err)
		}
	}

	slog.Info("Command cancel requested", "node_id", cmd.NodeID, "command_id", commandID, "status", updated.Status)
	q.publishUpdated(updated)
	return updated, nil
}

// SweepTimeouts fails commands on agents that went quiet for longer than
// MaxDuration and cancel requests older than CancelGrace.
func (q *Queue) SweepTimeouts(ctx context.Context) (int, error) {
	active, err := q.store.ListActiveCommands(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active commands: %w", err)
	}

	failed := 0
	for _, cmd := range active {
		updated, err := q.expire(ctx, cmd.ID, cmd.NodeID)
		if err != nil {
			slog.Warn("Failed to expire command", "command_id", cmd.ID, "error", err)
			continue
		}
		if updated != nil {
			failed++
		}
	}
	return failed, nil
}

func (q *Queue) expire(ctx context.Context, commandID, nodeID string) (*store.Command, error) {
	unlock := q.locks.Lock(nodeID)
	defer unlock()

	now := q.clock.Now()
	updated, err := q.store.UpdateCommand(ctx, commandID, func(c *store.Command) error {
		if !c.Status.Active() {
			return errUnchanged
		}
		switch {
		case c.CancelRequestedAt != nil && now.Sub(*c.CancelRequestedAt) > q.cfg.CancelGrace:
			c.FailureReason = ReasonCancelled
		case lastActivity(c) != nil && now.Sub(*lastActivity(c)) > q.cfg.MaxDuration:
			c.FailureReason = ReasonTimedOut
		default:
			return errUnchanged
		}
		c.Status = store.CommandFailed
		c.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Warn("Command failed by sweeper", "node_id", nodeID, "command_id", commandID, "reason", updated.FailureReason)
	q.publishUpdated(updated)

	if _, err := q.dispatchLocked(ctx, nodeID); err != nil {
		slog.Warn("Dispatch after sweep failed", "node_id", nodeID, "error", err)
	}
	return updated, nil
}

func lastActivity(c *store.Command) *time.Time {
	if c.LastActivityAt != nil {
		return c.LastActivityAt
	}
	return c.SentAt
}

// appendOutput appends chunk and keeps at most limit bytes, dropping the
// oldest content first without splitting a UTF-8 sequence.
func appendOutput(existing, chunk string, limit int) string {
	out := existing + chunk
	if limit <= 0 || len(out) <= limit {
		return out
	}
	cut := len(out) - limit
	for cut < len(out) && !utf8.RuneStart(out[cut]) {
		cut++
	}
	return out[cut:]
}

// Run sweeps timeouts and retries dispatch until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	slog.Info("Command sweeper started", "interval", q.cfg.SweepInterval, "max_duration", q.cfg.MaxDuration)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.SweepTimeouts(ctx); err != nil {
				slog.Error("Command timeout sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Command timeout sweep failed commands", "count", n)
			}
			q.DispatchAll(ctx)
		}
	}
}
