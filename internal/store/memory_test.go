package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedNode(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateNode(context.Background(), &Node{
		ID:        id,
		Hostname:  id + ".local",
		Status:    NodeOffline,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}))
}

func TestMemoryStore_CreateNodeConflict(t *testing.T) {
	s := NewMemoryStore()
	seedNode(t, s, "n1")

	err := s.CreateNode(context.Background(), &Node{ID: "n1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestMemoryStore_GetNodeNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_UpdateNode(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedNode(t, s, "n1")

	t.Run("applies mutation", func(t *testing.T) {
		updated, err := s.UpdateNode(ctx, "n1", func(n *Node) error {
			n.Status = NodeOnline
			n.ConsecutiveFailures = 0
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, NodeOnline, updated.Status)

		got, err := s.GetNode(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, NodeOnline, got.Status)
	})

	t.Run("error aborts write", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := s.UpdateNode(ctx, "n1", func(n *Node) error {
			n.Status = NodeError
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetNode(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, NodeOnline, got.Status)
	})

	t.Run("returned copy is detached", func(t *testing.T) {
		got, err := s.GetNode(ctx, "n1")
		require.NoError(t, err)
		got.Hostname = "mutated"

		again, err := s.GetNode(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "n1.local", again.Hostname)
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := s.UpdateNode(ctx, "missing", func(n *Node) error { return nil })
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestMemoryStore_CommandOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedNode(t, s, "n1")

	// Identical timestamps: insertion order must still decide.
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.CreateCommand(ctx, &Command{
			ID: id, NodeID: "n1", Type: "exec", Status: CommandQueued, CreatedAt: testNow,
		}))
	}

	next, err := s.NextQueuedCommand(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "c1", next.ID)

	_, err = s.UpdateCommand(ctx, "c1", func(c *Command) error {
		c.Status = CommandSent
		return nil
	})
	require.NoError(t, err)

	next, err = s.NextQueuedCommand(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "c2", next.ID)

	active, err := s.CountActiveCommands(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	list, err := s.ListCommands(ctx, "n1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c3", list[0].ID)
	assert.Equal(t, "c2", list[1].ID)

	nodes, err := s.ListNodesWithQueuedCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, nodes)
}

func TestMemoryStore_CommandRequiresNode(t *testing.T) {
	s := NewMemoryStore()

	err := s.CreateCommand(context.Background(), &Command{ID: "c1", NodeID: "ghost", Status: CommandQueued})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_NextQueuedCommandEmpty(t *testing.T) {
	s := NewMemoryStore()
	seedNode(t, s, "n1")

	_, err := s.NextQueuedCommand(context.Background(), "n1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_DeleteNodeCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedNode(t, s, "n1")
	seedNode(t, s, "n2")

	require.NoError(t, s.CreateCommand(ctx, &Command{ID: "c1", NodeID: "n1", Status: CommandQueued}))
	require.NoError(t, s.CreateCommand(ctx, &Command{ID: "c2", NodeID: "n2", Status: CommandQueued}))
	require.NoError(t, s.CreatePolicy(ctx, &Policy{ID: "p1", NodeID: "n1", Kind: PolicyLog, RootPath: "/var/log"}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "s1", NodeID: "n1", Kind: SessionLog, Status: SessionActive}))

	require.NoError(t, s.DeleteNode(ctx, "n1"))

	_, err := s.GetCommand(ctx, "c1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetPolicy(ctx, "p1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.GetCommand(ctx, "c2")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.DeleteNode(ctx, "n1"), apperr.ErrNotFound)
}

func TestMemoryStore_ListActiveSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedNode(t, s, "n1")

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "t1", NodeID: "n1", Kind: SessionTerminal, Status: SessionActive, ExpiresAt: testNow.Add(time.Minute)}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "l1", NodeID: "n1", Kind: SessionLog, Status: SessionActive, ExpiresAt: testNow.Add(time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "t2", NodeID: "n1", Kind: SessionTerminal, Status: SessionClosed, ExpiresAt: testNow}))

	all, err := s.ListActiveSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	terminals, err := s.ListActiveSessions(ctx, SessionTerminal)
	require.NoError(t, err)
	require.Len(t, terminals, 1)
	assert.Equal(t, "t1", terminals[0].ID)
}

func TestMemoryStore_EnrollNode(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) *MemoryStore {
		s := NewMemoryStore()
		require.NoError(t, s.CreateEnrollmentToken(ctx, &EnrollmentToken{
			ID: "tok1", TokenHash: "hash1", ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow,
		}))
		return s
	}

	t.Run("consumes token", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnrollNode(ctx, "hash1", testNow, &Node{ID: "n1", Status: NodeOffline}))

		_, err := s.GetNode(ctx, "n1")
		require.NoError(t, err)

		tokens, err := s.ListEnrollmentTokens(ctx)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		require.NotNil(t, tokens[0].UsedAt)
		assert.Equal(t, "n1", tokens[0].NodeID)

		err = s.EnrollNode(ctx, "hash1", testNow, &Node{ID: "n2"})
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("unknown token", func(t *testing.T) {
		s := newStore(t)
		err := s.EnrollNode(ctx, "nope", testNow, &Node{ID: "n1"})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("expired token", func(t *testing.T) {
		s := newStore(t)
		err := s.EnrollNode(ctx, "hash1", testNow.Add(2*time.Hour), &Node{ID: "n1"})
		assert.ErrorIs(t, err, apperr.ErrExpired)

		_, err = s.GetNode(ctx, "n1")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}
