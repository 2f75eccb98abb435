package handler

import (
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/EternisAI/silo-fleet/internal/store"
)

// ConnectionChecker reports whether a node's agent stream is up.
type ConnectionChecker interface {
	IsConnected(nodeID string) bool
}

func toNodeResponse(n *store.Node, conns ConnectionChecker) dto.NodeResponse {
	resp := dto.NodeResponse{
		ID:                  n.ID,
		Hostname:            n.Hostname,
		IPAddress:           n.IPAddress,
		OS:                  n.OS,
		AgentVersion:        n.AgentVersion,
		MACAddress:          n.MACAddress,
		Status:              string(n.Status),
		LastSeenAt:          n.LastSeenAt,
		ConsecutiveFailures: n.ConsecutiveFailures,
		NextRetryAt:         n.NextRetryAt,
		ErrorCode:           n.ErrorCode,
		ErrorMessage:        n.ErrorMessage,
		ErrorAt:             n.ErrorAt,
		KeyFingerprint:      n.AuthKeyFingerprint,
		Snapshot:            n.Snapshot,
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
	}
	if conns != nil {
		resp.Connected = conns.IsConnected(n.ID)
	}
	return resp
}

func toCommandResponse(c *store.Command) dto.CommandResponse {
	return dto.CommandResponse{
		ID:                    c.ID,
		NodeID:                c.NodeID,
		Type:                  c.Type,
		Payload:               c.Payload,
		Status:                string(c.Status),
		DispatchAttempts:      c.DispatchAttempts,
		LastDispatchAttemptAt: c.LastDispatchAttemptAt,
		SentAt:                c.SentAt,
		ExecutedAt:            c.ExecutedAt,
		CancelRequestedAt:     c.CancelRequestedAt,
		FailureReason:         c.FailureReason,
		Output:                c.Output,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

func toPolicyResponse(p *store.Policy) dto.PolicyResponse {
	return dto.PolicyResponse{
		ID:        p.ID,
		NodeID:    p.NodeID,
		Kind:      string(p.Kind),
		Name:      p.Name,
		RootPath:  p.RootPath,
		MaxBytes:  p.MaxBytes,
		CreatedAt: p.CreatedAt,
	}
}

func toSessionResponse(s *store.Session, status store.SessionStatus) dto.SessionResponse {
	return dto.SessionResponse{
		ID:          s.ID,
		NodeID:      s.NodeID,
		Kind:        string(s.Kind),
		PolicyID:    s.PolicyID,
		SystemScope: s.SystemScope,
		CreatedBy:   s.CreatedBy,
		Status:      string(status),
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		ClosedAt:    s.ClosedAt,
	}
}

func toFileEntries(entries []sessions.FileEntry) []dto.FileEntry {
	out := make([]dto.FileEntry, len(entries))
	for i, e := range entries {
		out[i] = dto.FileEntry{
			Name:    e.Name,
			Size:    e.Size,
			Mode:    e.Mode,
			ModTime: e.ModTime,
			IsDir:   e.IsDir,
		}
	}
	return out
}

func toTokenResponse(t *store.EnrollmentToken) dto.EnrollmentTokenResponse {
	return dto.EnrollmentTokenResponse{
		ID:        t.ID,
		Name:      t.Name,
		ExpiresAt: t.ExpiresAt,
		UsedAt:    t.UsedAt,
		NodeID:    t.NodeID,
		CreatedAt: t.CreatedAt,
	}
}
