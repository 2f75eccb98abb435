package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisconnector struct {
	dropped []string
}

func (f *fakeDisconnector) Disconnect(nodeID string) {
	f.dropped = append(f.dropped, nodeID)
}

func TestRegistry_RegisterAndDelete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	backoffs := NewMemoryBackoffStore()
	rec := &recorder{}
	reg := NewRegistry(st, backoffs, rec, clock.Fake(start), nil)
	disc := &fakeDisconnector{}
	reg.SetDisconnector(disc)

	node := &store.Node{ID: "n1", Hostname: "alpha", Status: store.NodeOnline}
	require.NoError(t, reg.Register(ctx, node))
	assert.Equal(t, store.NodeOffline, node.Status)
	assert.Equal(t, start, node.CreatedAt)
	assert.Len(t, rec.ofType(events.NodeRegistered), 1)

	require.NoError(t, st.CreateCommand(ctx, &store.Command{ID: "c1", NodeID: "n1", Status: store.CommandQueued}))
	require.NoError(t, backoffs.Put(ctx, BackoffState{NodeID: "n1", ConsecutiveFailures: 2}))

	require.NoError(t, reg.Delete(ctx, "n1"))
	assert.Equal(t, []string{"n1"}, disc.dropped)
	assert.Len(t, rec.ofType(events.NodeDeleted), 1)

	_, err := reg.Get(ctx, "n1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = st.GetCommand(ctx, "c1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, ok, err := backoffs.Get(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, reg.Delete(ctx, "n1"), apperr.ErrNotFound)
}

// terminalCloser records whether the node still existed when its
// terminals were closed.
type terminalCloser struct {
	st         store.NodeStore
	calls      []string
	nodeExists bool
}

func (c *terminalCloser) CloseTerminals(ctx context.Context, nodeID string) int {
	c.calls = append(c.calls, nodeID)
	_, err := c.st.GetNode(ctx, nodeID)
	c.nodeExists = err == nil
	return 1
}

func TestRegistry_DeleteClosesTerminalsFirst(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := NewRegistry(st, nil, nil, clock.Fake(start), nil)
	closer := &terminalCloser{st: st}
	reg.SetTerminalCloser(closer)

	require.NoError(t, reg.Register(ctx, &store.Node{ID: "n1", Hostname: "alpha"}))
	require.NoError(t, reg.Delete(ctx, "n1"))

	assert.Equal(t, []string{"n1"}, closer.calls)
	assert.True(t, closer.nodeExists)
}

func TestRegistry_Enroll(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := clock.Fake(start)
	reg := NewRegistry(st, nil, nil, fake, nil)

	require.NoError(t, st.CreateEnrollmentToken(ctx, &store.EnrollmentToken{
		ID: "t1", TokenHash: "h1", ExpiresAt: start.Add(time.Hour), CreatedAt: start,
	}))

	require.NoError(t, reg.Enroll(ctx, "h1", &store.Node{ID: "n1"}))

	nodes, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, store.NodeOffline, nodes[0].Status)

	err = reg.Enroll(ctx, "h1", &store.Node{ID: "n2"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("n1")
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, km.size())

	// Different keys do not block each other.
	unlockA := km.Lock("a")
	unlockB := km.Lock("b")
	assert.Equal(t, 2, km.size())
	unlockA()
	unlockB()
}
