package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/store"
)

// Pinger performs agent PING round trips.
type Pinger interface {
	IsConnected(nodeID string) bool
	Ping(ctx context.Context, nodeID string) (time.Duration, error)
}

// RetryHinter is implemented by ping errors that carry the agent's
// requested minimum wait before the next probe.
type RetryHinter interface {
	RetryAfter() time.Duration
}

type PingResult struct {
	NodeID  string
	Success bool
	RTT     time.Duration
	Error   string
	Node    *store.Node
}

// Prober drives liveness probes and feeds their outcome to the Tracker.
type Prober struct {
	tracker *Tracker
	pinger  Pinger
}

func NewProber(tracker *Tracker, pinger Pinger) *Prober {
	return &Prober{tracker: tracker, pinger: pinger}
}

// Ping probes one node. Probe failures are part of the result; the error
// return is reserved for unknown nodes and storage problems.
func (p *Prober) Ping(ctx context.Context, nodeID string) (PingResult, error) {
	if _, err := p.tracker.store.GetNode(ctx, nodeID); err != nil {
		return PingResult{}, err
	}

	result := PingResult{NodeID: nodeID}
	var hint time.Duration

	if !p.pinger.IsConnected(nodeID) {
		result.Error = apperr.ErrUnreachable.Error()
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, p.tracker.cfg.PingTimeout)
		rtt, err := p.pinger.Ping(pingCtx, nodeID)
		cancel()
		if err != nil {
			result.Error = err.Error()
			var hinter RetryHinter
			if errors.As(err, &hinter) {
				hint = hinter.RetryAfter()
			}
		} else {
			result.Success = true
			result.RTT = rtt
		}
	}

	node, err := p.tracker.RecordPingResult(ctx, nodeID, result.Success, hint)
	if err != nil {
		return result, fmt.Errorf("ping %s: %w", nodeID, err)
	}
	result.Node = node

	slog.Debug("Node probed", "node_id", nodeID, "success", result.Success, "rtt", result.RTT)
	return result, nil
}

// ProbeDue pings every node whose retry time has passed.
func (p *Prober) ProbeDue(ctx context.Context) (int, error) {
	due, err := p.tracker.backoffs.Due(ctx, p.tracker.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list due probes: %w", err)
	}

	probed := 0
	for _, state := range due {
		if _, err := p.Ping(ctx, state.NodeID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				if err := p.tracker.backoffs.Clear(ctx, state.NodeID); err != nil {
					slog.Warn("Failed to clear backoff state of deleted node", "node_id", state.NodeID, "error", err)
				}
				continue
			}
			slog.Warn("Probe failed", "node_id", state.NodeID, "error", err)
			continue
		}
		probed++
	}
	return probed, nil
}

// Run retries due probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tracker.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProbeDue(ctx); err != nil {
				slog.Error("Probe round failed", "error", err)
			}
		}
	}
}
