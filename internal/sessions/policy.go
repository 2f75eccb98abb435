package sessions

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

type PolicyRequest struct {
	NodeID   string
	Kind     store.PolicyKind
	Name     string
	RootPath string
	MaxBytes int64
}

func (m *Manager) CreatePolicy(ctx context.Context, req PolicyRequest) (*store.Policy, error) {
	if req.Kind != store.PolicyLog && req.Kind != store.PolicyFiles {
		return nil, fmt.Errorf("policy kind %q: %w", req.Kind, apperr.ErrInvalid)
	}
	if !path.IsAbs(strings.TrimSpace(req.RootPath)) {
		return nil, fmt.Errorf("root_path must be absolute: %w", apperr.ErrInvalid)
	}
	if req.MaxBytes < 0 {
		return nil, fmt.Errorf("max_bytes must not be negative: %w", apperr.ErrInvalid)
	}
	if _, err := m.store.GetNode(ctx, req.NodeID); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}

	policy := &store.Policy{
		ID:        uuid.NewString(),
		NodeID:    req.NodeID,
		Kind:      req.Kind,
		Name:      req.Name,
		RootPath:  path.Clean(strings.TrimSpace(req.RootPath)),
		MaxBytes:  req.MaxBytes,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.CreatePolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	return policy, nil
}

func (m *Manager) ListPolicies(ctx context.Context, nodeID string) ([]store.Policy, error) {
	if _, err := m.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return m.store.ListPolicies(ctx, nodeID)
}

func (m *Manager) DeletePolicy(ctx context.Context, policyID string) error {
	return m.store.DeletePolicy(ctx, policyID)
}
