package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func seedNode(t *testing.T, st store.Store) string {
	t.Helper()
	id := newID("node")
	require.NoError(t, st.CreateNode(context.Background(), &store.Node{
		ID:        id,
		Hostname:  id + ".local",
		Status:    store.NodeOffline,
		Snapshot:  []byte(`{"cpu_percent":3.5}`),
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}))
	return id
}

// TestPostgresStore runs the store contract against Postgres.
func TestPostgresStore(t *testing.T, st store.Store) {
	ctx := context.Background()

	t.Run("create conflict", func(t *testing.T) {
		id := seedNode(t, st)
		err := st.CreateNode(ctx, &store.Node{ID: id, Status: store.NodeOffline, CreatedAt: baseTime, UpdatedAt: baseTime})
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("node not found", func(t *testing.T) {
		_, err := st.GetNode(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		_, err = st.UpdateNode(ctx, "missing", func(n *store.Node) error { return nil })
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("update node", func(t *testing.T) {
		id := seedNode(t, st)
		seen := baseTime.Add(time.Minute)

		updated, err := st.UpdateNode(ctx, id, func(n *store.Node) error {
			n.Status = store.NodeOnline
			n.LastSeenAt = &seen
			n.ConsecutiveFailures = 2
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, store.NodeOnline, updated.Status)

		got, err := st.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.NodeOnline, got.Status)
		assert.Equal(t, 2, got.ConsecutiveFailures)
		require.NotNil(t, got.LastSeenAt)
		assert.True(t, seen.Equal(*got.LastSeenAt))
		assert.JSONEq(t, `{"cpu_percent":3.5}`, string(got.Snapshot))

		boom := errors.New("boom")
		_, err = st.UpdateNode(ctx, id, func(n *store.Node) error {
			n.Status = store.NodeError
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err = st.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.NodeOnline, got.Status)
	})

	t.Run("command ordering", func(t *testing.T) {
		nodeID := seedNode(t, st)
		ids := []string{newID("c"), newID("c"), newID("c")}
		for _, id := range ids {
			require.NoError(t, st.CreateCommand(ctx, &store.Command{
				ID: id, NodeID: nodeID, Type: "exec", Status: store.CommandQueued, CreatedAt: baseTime, UpdatedAt: baseTime,
			}))
		}

		next, err := st.NextQueuedCommand(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, ids[0], next.ID)

		_, err = st.UpdateCommand(ctx, ids[0], func(c *store.Command) error {
			c.Status = store.CommandSent
			c.DispatchAttempts++
			return nil
		})
		require.NoError(t, err)

		next, err = st.NextQueuedCommand(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, ids[1], next.ID)

		active, err := st.CountActiveCommands(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, 1, active)

		list, err := st.ListCommands(ctx, nodeID, 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ids[2], list[0].ID)
		assert.Equal(t, ids[1], list[1].ID)

		queued, err := st.ListNodesWithQueuedCommands(ctx)
		require.NoError(t, err)
		assert.Contains(t, queued, nodeID)
	})

	t.Run("command requires node", func(t *testing.T) {
		err := st.CreateCommand(ctx, &store.Command{ID: newID("c"), NodeID: "ghost", Type: "exec", Status: store.CommandQueued, CreatedAt: baseTime, UpdatedAt: baseTime})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("delete cascades", func(t *testing.T) {
		nodeID := seedNode(t, st)
		cmdID, policyID, sessionID := newID("c"), newID("p"), newID("s")

		require.NoError(t, st.CreateCommand(ctx, &store.Command{ID: cmdID, NodeID: nodeID, Type: "exec", Status: store.CommandQueued, CreatedAt: baseTime, UpdatedAt: baseTime}))
		require.NoError(t, st.CreatePolicy(ctx, &store.Policy{ID: policyID, NodeID: nodeID, Kind: store.PolicyLog, RootPath: "/var/log", CreatedAt: baseTime}))
		require.NoError(t, st.CreateSession(ctx, &store.Session{ID: sessionID, NodeID: nodeID, Kind: store.SessionLog, PolicyID: policyID, Status: store.SessionActive, CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour)}))

		require.NoError(t, st.DeleteNode(ctx, nodeID))

		_, err := st.GetCommand(ctx, cmdID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = st.GetPolicy(ctx, policyID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = st.GetSession(ctx, sessionID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		assert.ErrorIs(t, st.DeleteNode(ctx, nodeID), apperr.ErrNotFound)
	})

	t.Run("active sessions", func(t *testing.T) {
		nodeID := seedNode(t, st)
		open, closed := newID("t"), newID("t")

		require.NoError(t, st.CreateSession(ctx, &store.Session{ID: open, NodeID: nodeID, Kind: store.SessionTerminal, Status: store.SessionActive, CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Minute)}))
		require.NoError(t, st.CreateSession(ctx, &store.Session{ID: closed, NodeID: nodeID, Kind: store.SessionTerminal, Status: store.SessionClosed, CreatedAt: baseTime, ExpiresAt: baseTime}))

		terminals, err := st.ListActiveSessions(ctx, store.SessionTerminal)
		require.NoError(t, err)
		var ids []string
		for _, s := range terminals {
			ids = append(ids, s.ID)
		}
		assert.Contains(t, ids, open)
		assert.NotContains(t, ids, closed)
	})

	t.Run("enroll node", func(t *testing.T) {
		hash := newID("hash")
		require.NoError(t, st.CreateEnrollmentToken(ctx, &store.EnrollmentToken{
			ID: newID("tok"), TokenHash: hash, ExpiresAt: baseTime.Add(time.Hour), CreatedAt: baseTime,
		}))

		err := st.EnrollNode(ctx, "unknown", baseTime, &store.Node{ID: newID("node"), Status: store.NodeOffline, CreatedAt: baseTime, UpdatedAt: baseTime})
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		late := newID("node")
		err = st.EnrollNode(ctx, hash, baseTime.Add(2*time.Hour), &store.Node{ID: late, Status: store.NodeOffline, CreatedAt: baseTime, UpdatedAt: baseTime})
		assert.ErrorIs(t, err, apperr.ErrExpired)
		_, err = st.GetNode(ctx, late)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		nodeID := newID("node")
		require.NoError(t, st.EnrollNode(ctx, hash, baseTime, &store.Node{ID: nodeID, Status: store.NodeOffline, CreatedAt: baseTime, UpdatedAt: baseTime}))
		_, err = st.GetNode(ctx, nodeID)
		require.NoError(t, err)

		err = st.EnrollNode(ctx, hash, baseTime, &store.Node{ID: newID("node"), Status: store.NodeOffline, CreatedAt: baseTime, UpdatedAt: baseTime})
		assert.ErrorIs(t, err, apperr.ErrConflict)

		tokens, err := st.ListEnrollmentTokens(ctx)
		require.NoError(t, err)
		for _, tok := range tokens {
			if tok.TokenHash == hash {
				require.NotNil(t, tok.UsedAt)
				assert.Equal(t, nodeID, tok.NodeID)
			}
		}
	})
}
