package eventclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/handler"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}

type testServer struct {
	*httptest.Server
	store *store.MemoryStore
	hub   *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{store: store.NewMemoryStore(), hub: events.NewHub(nil)}

	engine := gin.New()
	engine.GET("/api/v1/nodes", func(c *gin.Context) {
		nodes, err := ts.store.ListNodes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := dto.ListNodesResponse{Count: len(nodes)}
		for _, n := range nodes {
			resp.Nodes = append(resp.Nodes, dto.NodeResponse{
				ID: n.ID, Hostname: n.Hostname, Status: string(n.Status), UpdatedAt: n.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, resp)
	})
	engine.GET("/api/v1/events", handler.NewEventsHandler(ts.hub, fastBackoff).Stream)

	ts.Server = httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts
}

// setStatus writes the status and publishes the change the way the
// liveness tracker does.
func (ts *testServer) setStatus(t *testing.T, id string, to store.NodeStatus) {
	t.Helper()
	var from store.NodeStatus
	_, err := ts.store.UpdateNode(context.Background(), id, func(n *store.Node) error {
		from = n.Status
		n.Status = to
		n.UpdatedAt = time.Now()
		return nil
	})
	require.NoError(t, err)
	ts.hub.Publish(events.New(events.NodeStatusChanged, events.StatusChange{From: string(from), To: string(to)}).ForNode(id))
}

// flakyNet lets a test cut a client's connections and refuse new ones.
type flakyNet struct {
	down  atomic.Bool
	mu    sync.Mutex
	conns []net.Conn
}

func (f *flakyNet) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if f.down.Load() {
		return nil, errors.New("network down")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *flakyNet) cut() {
	f.down.Store(true)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) add(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func statusOf(w *Watcher, id string) string {
	n, ok := w.Node(id)
	if !ok {
		return ""
	}
	return n.Status
}

// Client A misses a status change while disconnected and still ends up
// with the latest status through the reconciliation on reconnect.
func TestReconnectReconciles(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.CreateNode(context.Background(), &store.Node{
		ID: "n1", Hostname: "edge-1", Status: store.NodeOnline, UpdatedAt: time.Now(),
	}))

	netA := &flakyNet{}
	logA, logB := &eventLog{}, &eventLog{}
	clientA := New(Config{ServerURL: ts.URL, Backoff: fastBackoff},
		WithDialer(&websocket.Dialer{NetDialContext: netA.dial, HandshakeTimeout: time.Second}),
		WithEventHandler(logA.add))
	clientB := New(Config{ServerURL: ts.URL, Backoff: fastBackoff}, WithEventHandler(logB.add))

	startWatcher(t, clientA)
	startWatcher(t, clientB)

	require.Eventually(t, func() bool {
		return clientA.Connected() && clientB.Connected() && ts.hub.SubscriberCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "online", statusOf(clientA, "n1"))
	assert.Equal(t, "online", statusOf(clientB, "n1"))

	netA.cut()
	require.Eventually(t, func() bool { return !clientA.Connected() }, 2*time.Second, 5*time.Millisecond)

	ts.setStatus(t, "n1", store.NodeOffline)

	require.Eventually(t, func() bool { return statusOf(clientB, "n1") == "offline" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "online", statusOf(clientA, "n1"), "A is stale while disconnected")

	reconciles := clientA.Reconciles()
	netA.down.Store(false)

	require.Eventually(t, func() bool {
		return clientA.Connected() && clientA.Reconciles() > reconciles
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "offline", statusOf(clientA, "n1"))
	assert.Equal(t, 0, logA.count(events.NodeStatusChanged), "missed events are not replayed")
	assert.Equal(t, 1, logB.count(events.NodeStatusChanged))
}

func TestApply(t *testing.T) {
	w := New(Config{})
	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	w.nodes["n1"] = dto.NodeResponse{ID: "n1", Status: "online", UpdatedAt: base}

	stale := events.New(events.NodeStatusChanged, events.StatusChange{From: "offline", To: "online"}).ForNode("n1")
	stale.Time = base.Add(-time.Second)
	w.apply(stale)
	assert.Equal(t, "online", statusOf(w, "n1"))

	change := events.New(events.NodeStatusChanged, events.StatusChange{From: "online", To: "offline"}).ForNode("n1")
	change.Time = base.Add(time.Second)
	w.apply(change)
	assert.Equal(t, "offline", statusOf(w, "n1"))

	retry := base.Add(5 * time.Second)
	bo := events.New(events.NodeBackoff, events.BackoffStatus{ConsecutiveFailures: 2, NextRetryAt: retry}).ForNode("n1")
	bo.Time = base.Add(2 * time.Second)
	w.apply(bo)
	n, _ := w.Node("n1")
	assert.Equal(t, 2, n.ConsecutiveFailures)
	require.NotNil(t, n.NextRetryAt)
	assert.True(t, retry.Equal(*n.NextRetryAt))

	reg := events.New(events.NodeRegistered, map[string]string{"hostname": "edge-2", "status": "offline"}).ForNode("n2")
	reg.Time = base
	w.apply(reg)
	n, ok := w.Node("n2")
	require.True(t, ok)
	assert.Equal(t, "edge-2", n.Hostname)

	w.apply(events.New(events.NodeDeleted, nil).ForNode("n1"))
	_, ok = w.Node("n1")
	assert.False(t, ok)
	assert.Len(t, w.Nodes(), 1)
}

func TestFollowCommandReceivesOutput(t *testing.T) {
	ts := newTestServer(t)
	log := &eventLog{}
	w := New(Config{ServerURL: ts.URL, Backoff: fastBackoff, Commands: []string{"c1"}}, WithEventHandler(log.add))
	startWatcher(t, w)

	require.Eventually(t, func() bool { return w.Connected() && ts.hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ts.hub.Publish(events.New(events.CommandOutput, events.Output{Chunk: "hello"}).ForCommand("n1", "c1"))
	ts.hub.Publish(events.New(events.CommandOutput, events.Output{Chunk: "other"}).ForCommand("n1", "c2"))
	ts.hub.Publish(events.New(events.NodeDeleted, nil).ForNode("n9"))

	require.Eventually(t, func() bool { return log.count(events.NodeDeleted) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, log.count(events.CommandOutput))
}
