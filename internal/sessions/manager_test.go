package sessions

import (
	"context"
	"errors"
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

var start = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

var (
	operator = Principal{Subject: "ops@example.com"}
	admin    = Principal{Subject: "root@example.com", Elevated: true}
)

type fakeRequester struct {
	mu        sync.Mutex
	connected bool
	requests  []Request
	respond   func(Request) (Response, error)
}

func (f *fakeRequester) IsConnected(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRequester) Request(ctx context.Context, _ string, req Request) (Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return Response{}, nil
	}
	return respond(req)
}

func (f *fakeRequester) ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Op
	for _, r := range f.requests {
		out = append(out, r.Op)
	}
	return out
}

func (f *fakeRequester) last() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *store.MemoryStore
	requester *fakeRequester
	events    *recorder
	clock     *clock.FakeClock
	manager   *Manager
	filesPol  *store.Policy
	logPol    *store.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:     store.NewMemoryStore(),
		requester: &fakeRequester{connected: true},
		events:    &recorder{},
		clock:     clock.Fake(start),
	}
	f.manager = NewManager(f.store, f.requester, f.events, f.clock, Config{
		DefaultTTL:     10 * time.Minute,
		MaxTTL:         time.Hour,
		RequestTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, f.store.CreateNode(ctx, &store.Node{ID: "n1", Status: store.NodeOnline}))
	require.NoError(t, f.store.CreateNode(ctx, &store.Node{ID: "n2", Status: store.NodeOnline}))

	var err error
	f.filesPol, err = f.manager.CreatePolicy(ctx, PolicyRequest{NodeID: "n1", Kind: store.PolicyFiles, Name: "app", RootPath: "/srv/app", MaxBytes: 16})
	require.NoError(t, err)
	f.logPol, err = f.manager.CreatePolicy(ctx, PolicyRequest{NodeID: "n1", Kind: store.PolicyLog, Name: "syslog", RootPath: "/var/log"})
	require.NoError(t, err)
	return f
}

func (f *fixture) openFiles(t *testing.T, ttl time.Duration) *store.Session {
	t.Helper()
	s, err := f.manager.Open(context.Background(), OpenRequest{
		NodeID: "n1", Kind: store.SessionFiles, PolicyID: f.filesPol.ID, TTL: ttl, Principal: operator,
	})
	require.NoError(t, err)
	return s
}

// A files session with a 60s TTL is unusable 61s later without any sweep.
func TestSessionExpiresWithoutSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.openFiles(t, 60*time.Second)
	assert.Equal(t, start.Add(60*time.Second), s.ExpiresAt)

	_, err := f.manager.List(ctx, s.ID, ".")
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)

	_, err = f.manager.List(ctx, s.ID, ".")
	assert.ErrorIs(t, err, apperr.ErrExpired)
	assert.ErrorIs(t, err, apperr.ErrSessionUnavailable)
	assert.EqualError(t, err, "session not found or expired")

	_, err = f.manager.Read(ctx, s.ID, "config.yml", 0, 0)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	stored, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionExpired, stored.Status)
	assert.Equal(t, 1, f.events.count(events.SessionExpired))
}

func TestValidate_Boundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.openFiles(t, time.Minute)

	f.clock.Advance(time.Minute - time.Nanosecond)
	_, err := f.manager.Validate(ctx, s.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Nanosecond)
	_, err = f.manager.Validate(ctx, s.ID)
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestValidate_UniformErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, unknown := f.manager.Validate(ctx, "missing")

	closed := f.openFiles(t, time.Minute)
	_, err := f.manager.Close(ctx, closed.ID)
	require.NoError(t, err)
	_, closedErr := f.manager.Validate(ctx, closed.ID)

	expired := f.openFiles(t, time.Minute)
	closedAndExpired := f.openFiles(t, time.Minute)
	_, err = f.manager.Close(ctx, closedAndExpired.ID)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	_, expiredErr := f.manager.Validate(ctx, expired.ID)
	_, bothErr := f.manager.Validate(ctx, closedAndExpired.ID)

	for _, err := range []error{unknown, closedErr, expiredErr, bothErr} {
		assert.ErrorIs(t, err, apperr.ErrSessionUnavailable)
		assert.EqualError(t, err, apperr.ErrSessionUnavailable.Error())
	}
	assert.ErrorIs(t, unknown, apperr.ErrNotFound)
	assert.ErrorIs(t, closedErr, apperr.ErrClosed)
	assert.ErrorIs(t, expiredErr, apperr.ErrExpired)
	assert.ErrorIs(t, bothErr, apperr.ErrExpired, "expiry is checked before closure")
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"unknown node", OpenRequest{NodeID: "ghost", Kind: store.SessionFiles, PolicyID: f.filesPol.ID}, apperr.ErrNotFound},
		{"bad kind", OpenRequest{NodeID: "n1", Kind: "vnc"}, apperr.ErrInvalid},
		{"unknown policy", OpenRequest{NodeID: "n1", Kind: store.SessionFiles, PolicyID: "nope"}, apperr.ErrNotFound},
		{"policy kind mismatch", OpenRequest{NodeID: "n1", Kind: store.SessionFiles, PolicyID: f.logPol.ID}, apperr.ErrNotFound},
		{"policy of other node", OpenRequest{NodeID: "n2", Kind: store.SessionFiles, PolicyID: f.filesPol.ID}, apperr.ErrNotFound},
		{"no policy no scope", OpenRequest{NodeID: "n1", Kind: store.SessionLog}, apperr.ErrInvalid},
		{"system scope needs elevation", OpenRequest{NodeID: "n1", Kind: store.SessionFiles, SystemScope: true, Principal: operator}, apperr.ErrForbidden},
		{"terminal needs elevation", OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: operator}, apperr.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Open(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, f.events.count(events.SessionOpened))
}

func TestOpen_Unreachable(t *testing.T) {
	f := newFixture(t)
	f.requester.connected = false

	_, err := f.manager.Open(context.Background(), OpenRequest{
		NodeID: "n1", Kind: store.SessionFiles, PolicyID: f.filesPol.ID, Principal: operator,
	})
	assert.ErrorIs(t, err, apperr.ErrUnreachable)
}

func TestOpen_TTLDefaultsAndClamp(t *testing.T) {
	f := newFixture(t)

	s := f.openFiles(t, 0)
	assert.Equal(t, start.Add(10*time.Minute), s.ExpiresAt)

	s = f.openFiles(t, 48*time.Hour)
	assert.Equal(t, start.Add(time.Hour), s.ExpiresAt)
}

func TestTerminalLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin, Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.True(t, s.SystemScope)
	assert.Equal(t, "root@example.com", s.CreatedBy)
	assert.Equal(t, Request{Op: OpTerminalOpen, SessionID: s.ID, Cols: 80, Rows: 24}, f.requester.last())

	require.NoError(t, f.manager.Input(ctx, s.ID, []byte("ls\n")))
	assert.Equal(t, []byte("ls\n"), f.requester.last().Data)
	assert.ErrorIs(t, f.manager.Resize(ctx, s.ID, 0, 10), apperr.ErrInvalid)
	require.NoError(t, f.manager.Resize(ctx, s.ID, 120, 40))

	_, err = f.manager.List(ctx, s.ID, ".")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	closed, err := f.manager.Close(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, store.SessionClosed, closed.Status)

	again, err := f.manager.Close(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, closed.ClosedAt, again.ClosedAt)

	assert.Equal(t, []Op{OpTerminalOpen, OpTerminalInput, OpTerminalResize, OpTerminalClose}, f.requester.ops())
	assert.Equal(t, 1, f.events.count(events.SessionClosed))

	err = f.manager.Input(ctx, s.ID, []byte("x"))
	assert.ErrorIs(t, err, apperr.ErrClosed)
}

func TestOpenTerminal_SpawnFailureClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.requester.respond = func(Request) (Response, error) {
		return Response{Error: "no pty available"}, nil
	}

	_, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin})
	require.Error(t, err)

	sessions, err := f.manager.ListForNode(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.SessionClosed, sessions[0].Status)
}

func TestClose_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Close(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrSessionUnavailable)
}

func TestReap_OnlyTerminals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	term, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin, TTL: time.Minute})
	require.NoError(t, err)
	files := f.openFiles(t, time.Minute)

	n, err := f.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(time.Minute)
	n, err = f.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.manager.Get(ctx, term.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionExpired, stored.Status)
	assert.Equal(t, OpTerminalClose, f.requester.last().Op)

	untouched, err := f.manager.Get(ctx, files.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, untouched.Status)

	n, err = f.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClose_ExpiredTerminalStillKillsProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin, TTL: 60 * time.Second})
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	closed, err := f.manager.Close(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, []Op{OpTerminalOpen, OpTerminalClose}, f.requester.ops())

	n, err := f.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.requester.ops(), 2)
}

func TestTerminalExited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin})
	require.NoError(t, err)

	require.NoError(t, f.manager.TerminalExited(ctx, s.ID))
	require.NoError(t, f.manager.TerminalExited(ctx, s.ID))
	require.NoError(t, f.manager.TerminalExited(ctx, "missing"))

	stored, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionClosed, stored.Status)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, []Op{OpTerminalOpen}, f.requester.ops(), "the agent is not asked to stop an exited shell")
	assert.Equal(t, 1, f.events.count(events.SessionClosed))

	_, err = f.manager.Close(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []Op{OpTerminalOpen}, f.requester.ops())
}

func TestCloseTerminals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin})
	require.NoError(t, err)
	second, err := f.manager.Open(ctx, OpenRequest{NodeID: "n1", Kind: store.SessionTerminal, Principal: admin})
	require.NoError(t, err)
	_, err = f.manager.Close(ctx, second.ID)
	require.NoError(t, err)
	files := f.openFiles(t, time.Minute)

	assert.Equal(t, 1, f.manager.CloseTerminals(ctx, "n1"))
	assert.Equal(t, OpTerminalClose, f.requester.last().Op)
	assert.Equal(t, first.ID, f.requester.last().SessionID)

	untouched, err := f.manager.Get(ctx, files.ID)
	require.NoError(t, err)
	assert.Nil(t, untouched.ClosedAt)
	assert.Equal(t, 0, f.manager.CloseTerminals(ctx, "n1"))
}

func TestVisibleStatus(t *testing.T) {
	f := newFixture(t)

	s := f.openFiles(t, time.Minute)
	assert.Equal(t, store.SessionActive, f.manager.VisibleStatus(s))

	f.clock.Advance(time.Minute)
	assert.Equal(t, store.SessionClosed, f.manager.VisibleStatus(s))
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.openFiles(t, time.Minute)

	f.requester.respond = func(Request) (Response, error) {
		time.Sleep(100 * time.Millisecond)
		return Response{}, context.DeadlineExceeded
	}

	_, err := f.manager.List(ctx, s.ID, ".")
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Equal(t, "files_list: timed out waiting for agent response", err.Error())
}

func TestAgentErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.openFiles(t, time.Minute)

	f.requester.respond = func(Request) (Response, error) {
		return Response{Error: "no such file", Code: CodeNotFound}, nil
	}
	_, err := f.manager.Read(ctx, s.ID, "missing.txt", 0, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.requester.respond = func(Request) (Response, error) {
		return Response{}, errors.New("stream closed")
	}
	_, err = f.manager.Read(ctx, s.ID, "a.txt", 0, 0)
	assert.EqualError(t, err, "files_read: stream closed")
}
