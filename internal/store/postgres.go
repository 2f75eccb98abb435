package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// mapErr translates driver errors into apperr sentinels.
func mapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", what, apperr.ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

const nodeColumns = `id, hostname, ip_address, os, agent_version, mac_address, status,
	last_seen_at, consecutive_failures, next_retry_at, error_code, error_message, error_at,
	auth_key_hash, auth_key_fingerprint, snapshot, created_at, updated_at`

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	var status string
	err := row.Scan(&n.ID, &n.Hostname, &n.IPAddress, &n.OS, &n.AgentVersion, &n.MACAddress, &status,
		&n.LastSeenAt, &n.ConsecutiveFailures, &n.NextRetryAt, &n.ErrorCode, &n.ErrorMessage, &n.ErrorAt,
		&n.AuthKeyHash, &n.AuthKeyFingerprint, &n.Snapshot, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Status = NodeStatus(status)
	return &n, nil
}

func insertNode(ctx context.Context, q interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, n *Node) error {
	_, err := q.Exec(ctx, `INSERT INTO nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		n.ID, n.Hostname, n.IPAddress, n.OS, n.AgentVersion, n.MACAddress, string(n.Status),
		n.LastSeenAt, n.ConsecutiveFailures, n.NextRetryAt, n.ErrorCode, n.ErrorMessage, n.ErrorAt,
		n.AuthKeyHash, n.AuthKeyFingerprint, n.Snapshot, n.CreatedAt, n.UpdatedAt)
	return err
}

func (p *PostgresStore) CreateNode(ctx context.Context, node *Node) error {
	return mapErr("node "+node.ID, insertNode(ctx, p.pool, node))
}

func (p *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(p.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("node "+id, err)
	}
	return n, nil
}

func (p *PostgresStore) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr("list nodes", err)
	}
	defer rows.Close()

	var result []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, mapErr("scan node", err)
		}
		result = append(result, *n)
	}
	return result, mapErr("list nodes", rows.Err())
}

func (p *PostgresStore) UpdateNode(ctx context.Context, id string, fn func(*Node) error) (*Node, error) {
	var updated *Node
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		n, err := scanNode(tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("node "+id, err)
		}
		if err := fn(n); err != nil {
			return err
		}
		n.ID = id
		_, err = tx.Exec(ctx, `UPDATE nodes SET hostname = $2, ip_address = $3, os = $4, agent_version = $5,
			mac_address = $6, status = $7, last_seen_at = $8, consecutive_failures = $9, next_retry_at = $10,
			error_code = $11, error_message = $12, error_at = $13, auth_key_hash = $14,
			auth_key_fingerprint = $15, snapshot = $16, updated_at = $17
			WHERE id = $1`,
			n.ID, n.Hostname, n.IPAddress, n.OS, n.AgentVersion, n.MACAddress, string(n.Status),
			n.LastSeenAt, n.ConsecutiveFailures, n.NextRetryAt, n.ErrorCode, n.ErrorMessage, n.ErrorAt,
			n.AuthKeyHash, n.AuthKeyFingerprint, n.Snapshot, n.UpdatedAt)
		if err != nil {
			return mapErr("update node "+id, err)
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete node "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

const commandColumns = `id, node_id, type, payload, status, dispatch_attempts, last_dispatch_attempt_at,
	sent_at, last_activity_at, executed_at, cancel_requested_at, failure_reason, output, created_at, updated_at`

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	var status string
	err := row.Scan(&c.ID, &c.NodeID, &c.Type, &c.Payload, &status, &c.DispatchAttempts, &c.LastDispatchAttemptAt,
		&c.SentAt, &c.LastActivityAt, &c.ExecutedAt, &c.CancelRequestedAt, &c.FailureReason, &c.Output,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = CommandStatus(status)
	return &c, nil
}

func (p *PostgresStore) queryCommands(ctx context.Context, what, query string, args ...any) ([]Command, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(what, err)
	}
	defer rows.Close()

	var result []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, mapErr("scan command", err)
		}
		result = append(result, *c)
	}
	return result, mapErr(what, rows.Err())
}

func (p *PostgresStore) CreateCommand(ctx context.Context, cmd *Command) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO commands (`+commandColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cmd.ID, cmd.NodeID, cmd.Type, cmd.Payload, string(cmd.Status), cmd.DispatchAttempts, cmd.LastDispatchAttemptAt,
		cmd.SentAt, cmd.LastActivityAt, cmd.ExecutedAt, cmd.CancelRequestedAt, cmd.FailureReason, cmd.Output,
		cmd.CreatedAt, cmd.UpdatedAt)
	return mapErr("command "+cmd.ID, err)
}

func (p *PostgresStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	c, err := scanCommand(p.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("command "+id, err)
	}
	return c, nil
}

func (p *PostgresStore) ListCommands(ctx context.Context, nodeID string, limit int) ([]Command, error) {
	if limit <= 0 {
		return p.queryCommands(ctx, "list commands",
			`SELECT `+commandColumns+` FROM commands WHERE node_id = $1 ORDER BY seq DESC`, nodeID)
	}
	return p.queryCommands(ctx, "list commands",
		`SELECT `+commandColumns+` FROM commands WHERE node_id = $1 ORDER BY seq DESC LIMIT $2`, nodeID, limit)
}

func (p *PostgresStore) NextQueuedCommand(ctx context.Context, nodeID string) (*Command, error) {
	c, err := scanCommand(p.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE node_id = $1 AND status = 'queued' ORDER BY seq LIMIT 1`, nodeID))
	if err != nil {
		return nil, mapErr("queued command for node "+nodeID, err)
	}
	return c, nil
}

func (p *PostgresStore) CountActiveCommands(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM commands
		WHERE node_id = $1 AND status IN ('sent', 'in_progress')`, nodeID).Scan(&count)
	if err != nil {
		return 0, mapErr("count active commands", err)
	}
	return count, nil
}

func (p *PostgresStore) ListActiveCommands(ctx context.Context) ([]Command, error) {
	return p.queryCommands(ctx, "list active commands",
		`SELECT `+commandColumns+` FROM commands WHERE status IN ('sent', 'in_progress') ORDER BY seq`)
}

func (p *PostgresStore) ListNodesWithQueuedCommands(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT node_id FROM commands WHERE status = 'queued' ORDER BY node_id`)
	if err != nil {
		return nil, mapErr("list queued nodes", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) UpdateCommand(ctx context.Context, id string, fn func(*Command) error) (*Command, error) {
	var updated *Command
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		c, err := scanCommand(tx.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("command "+id, err)
		}
		nodeID := c.NodeID
		if err := fn(c); err != nil {
			return err
		}
		c.ID = id
		c.NodeID = nodeID
		_, err = tx.Exec(ctx, `UPDATE commands SET type = $2, payload = $3, status = $4, dispatch_attempts = $5,
			last_dispatch_attempt_at = $6, sent_at = $7, last_activity_at = $8, executed_at = $9,
			cancel_requested_at = $10, failure_reason = $11, output = $12, updated_at = $13
			WHERE id = $1`,
			c.ID, c.Type, c.Payload, string(c.Status), c.DispatchAttempts,
			c.LastDispatchAttemptAt, c.SentAt, c.LastActivityAt, c.ExecutedAt,
			c.CancelRequestedAt, c.FailureReason, c.Output, c.UpdatedAt)
		if err != nil {
			return mapErr("update command "+id, err)
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

const policyColumns = `id, node_id, kind, name, root_path, max_bytes, created_at`

func scanPolicy(row pgx.Row) (*Policy, error) {
	var pol Policy
	var kind string
	if err := row.Scan(&pol.ID, &pol.NodeID, &kind, &pol.Name, &pol.RootPath, &pol.MaxBytes, &pol.CreatedAt); err != nil {
		return nil, err
	}
	pol.Kind = PolicyKind(kind)
	return &pol, nil
}

func (p *PostgresStore) CreatePolicy(ctx context.Context, policy *Policy) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO policies (`+policyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		policy.ID, policy.NodeID, string(policy.Kind), policy.Name, policy.RootPath, policy.MaxBytes, policy.CreatedAt)
	return mapErr("policy "+policy.ID, err)
}

func (p *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	pol, err := scanPolicy(p.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("policy "+id, err)
	}
	return pol, nil
}

func (p *PostgresStore) ListPolicies(ctx context.Context, nodeID string) ([]Policy, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+policyColumns+` FROM policies WHERE node_id = $1 ORDER BY created_at`, nodeID)
	if err != nil {
		return nil, mapErr("list policies", err)
	}
	defer rows.Close()

	var result []Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, mapErr("scan policy", err)
		}
		result = append(result, *pol)
	}
	return result, mapErr("list policies", rows.Err())
}

func (p *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete policy "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, node_id, kind, policy_id, system_scope, created_by, created_at, expires_at, closed_at, status`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var kind, status string
	err := row.Scan(&s.ID, &s.NodeID, &kind, &s.PolicyID, &s.SystemScope, &s.CreatedBy,
		&s.CreatedAt, &s.ExpiresAt, &s.ClosedAt, &status)
	if err != nil {
		return nil, err
	}
	s.Kind = SessionKind(kind)
	s.Status = SessionStatus(status)
	return &s, nil
}

func (p *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list sessions", err)
	}
	defer rows.Close()

	var result []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, mapErr("scan session", err)
		}
		result = append(result, *s)
	}
	return result, mapErr("list sessions", rows.Err())
}

func (p *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.NodeID, string(session.Kind), session.PolicyID, session.SystemScope, session.CreatedBy,
		session.CreatedAt, session.ExpiresAt, session.ClosedAt, string(session.Status))
	return mapErr("session "+session.ID, err)
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("session "+id, err)
	}
	return s, nil
}

func (p *PostgresStore) ListSessions(ctx context.Context, nodeID string) ([]Session, error) {
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE node_id = $1 ORDER BY created_at DESC`, nodeID)
}

func (p *PostgresStore) ListActiveSessions(ctx context.Context, kind SessionKind) ([]Session, error) {
	if kind == "" {
		return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' ORDER BY expires_at`)
	}
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND kind = $1 ORDER BY expires_at`, string(kind))
}

func (p *PostgresStore) UpdateSession(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	var updated *Session
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("session "+id, err)
		}
		if err := fn(s); err != nil {
			return err
		}
		s.ID = id
		_, err = tx.Exec(ctx, `UPDATE sessions SET expires_at = $2, closed_at = $3, status = $4 WHERE id = $1`,
			s.ID, s.ExpiresAt, s.ClosedAt, string(s.Status))
		if err != nil {
			return mapErr("update session "+id, err)
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *PostgresStore) CreateEnrollmentToken(ctx context.Context, token *EnrollmentToken) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO enrollment_tokens (id, token_hash, name, expires_at, used_at, node_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.ID, token.TokenHash, token.Name, token.ExpiresAt, token.UsedAt, token.NodeID, token.CreatedAt)
	return mapErr("enrollment token", err)
}

func (p *PostgresStore) ListEnrollmentTokens(ctx context.Context) ([]EnrollmentToken, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, token_hash, name, expires_at, used_at, node_id, created_at
		FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapErr("list enrollment tokens", err)
	}
	defer rows.Close()

	var result []EnrollmentToken
	for rows.Next() {
		var t EnrollmentToken
		if err := rows.Scan(&t.ID, &t.TokenHash, &t.Name, &t.ExpiresAt, &t.UsedAt, &t.NodeID, &t.CreatedAt); err != nil {
			return nil, mapErr("scan enrollment token", err)
		}
		result = append(result, t)
	}
	return result, mapErr("list enrollment tokens", rows.Err())
}

func (p *PostgresStore) EnrollNode(ctx context.Context, tokenHash string, now time.Time, node *Node) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var usedAt *time.Time
		var expiresAt time.Time
		err := tx.QueryRow(ctx, `SELECT used_at, expires_at FROM enrollment_tokens
			WHERE token_hash = $1 FOR UPDATE`, tokenHash).Scan(&usedAt, &expiresAt)
		if err != nil {
			return mapErr("enrollment token", err)
		}
		if usedAt != nil {
			return fmt.Errorf("enrollment token already used: %w", apperr.ErrConflict)
		}
		if !now.Before(expiresAt) {
			return fmt.Errorf("enrollment token: %w", apperr.ErrExpired)
		}

		if err := insertNode(ctx, tx, node); err != nil {
			return mapErr("node "+node.ID, err)
		}

		_, err = tx.Exec(ctx, `UPDATE enrollment_tokens SET used_at = $2, node_id = $3 WHERE token_hash = $1`,
			tokenHash, now, node.ID)
		return mapErr("consume enrollment token", err)
	})
}
