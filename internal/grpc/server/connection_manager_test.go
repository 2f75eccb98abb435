package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeStream is an in-memory agent stream. Closing in ends Recv with
// io.EOF.
type fakeStream struct {
	ctx context.Context
	in  chan *wire.Message
	out chan *wire.Message
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ctx: context.Background(),
		in:  make(chan *wire.Message, 16),
		out: make(chan *wire.Message, 16),
	}
}

func (s *fakeStream) Send(m *wire.Message) error {
	s.out <- m
	return nil
}

func (s *fakeStream) Recv() (*wire.Message, error) {
	m, ok := <-s.in
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}

func (s *fakeStream) Context() context.Context {
	return s.ctx
}

func (s *fakeStream) next(t *testing.T) *wire.Message {
	t.Helper()
	select {
	case m := <-s.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent to agent")
		return nil
	}
}

type fakeAuth map[string]string

func (a fakeAuth) Authenticate(_ context.Context, nodeID, key string) error {
	if want, ok := a[nodeID]; ok && want == key {
		return nil
	}
	return apperr.ErrForbidden
}

type fakeHeartbeats struct {
	mu    sync.Mutex
	beats []nodes.Heartbeat
}

func (f *fakeHeartbeats) RecordHeartbeat(_ context.Context, _ string, hb nodes.Heartbeat) (*store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, hb)
	return &store.Node{}, nil
}

func (f *fakeHeartbeats) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

type MockCommands struct {
	mock.Mock
}

func (m *MockCommands) Dispatch(ctx context.Context, nodeID string) (*store.Command, error) {
	args := m.Called(nodeID)
	cmd, _ := args.Get(0).(*store.Command)
	return cmd, args.Error(1)
}

func (m *MockCommands) ReportProgress(ctx context.Context, commandID string, statusDelta store.CommandStatus, out string) (*store.Command, error) {
	args := m.Called(commandID, statusDelta, out)
	cmd, _ := args.Get(0).(*store.Command)
	return cmd, args.Error(1)
}

func (m *MockCommands) ReportTerminal(ctx context.Context, commandID string, final store.CommandStatus, out string) (*store.Command, error) {
	args := m.Called(commandID, final, out)
	cmd, _ := args.Get(0).(*store.Command)
	return cmd, args.Error(1)
}

type MockTerminals struct {
	mock.Mock
}

func (m *MockTerminals) HandleTerminalOutput(nodeID, sessionID string, data []byte) {
	m.Called(nodeID, sessionID, data)
}

func (m *MockTerminals) TerminalExited(ctx context.Context, sessionID string) error {
	args := m.Called(sessionID)
	return args.Error(0)
}

func TestConnectionManager_RegisterReplacesExisting(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()

	first := cm.Register("n1")
	second := cm.Register("n1")

	select {
	case <-first.Done():
	default:
		t.Fatal("replaced connection should be closed")
	}
	assert.Len(t, cm.ListConnections(), 1)

	cm.Deregister(first)
	assert.True(t, cm.IsConnected("n1"), "stale deregister must not drop the replacement")

	cm.Deregister(second)
	assert.False(t, cm.IsConnected("n1"))
}

func TestConnectionManager_SendUnknownNode(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()

	err := cm.Send(context.Background(), "ghost", commands.Message{Kind: commands.KindCommand, CommandID: "c1"})
	assert.ErrorIs(t, err, apperr.ErrUnreachable)
}

func TestConnectionManager_SendQueueMessages(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	conn := cm.Register("n1")

	require.NoError(t, cm.Send(context.Background(), "n1", commands.Message{
		Kind: commands.KindCommand, CommandID: "c1", Type: "exec", Payload: []byte(`{"cmd":"uptime"}`),
	}))
	msg := <-conn.SendCh
	assert.Equal(t, wire.TypeCommand, msg.Type)
	require.NotNil(t, msg.Command)
	assert.Equal(t, "c1", msg.Command.CommandID)
	assert.JSONEq(t, `{"cmd":"uptime"}`, string(msg.Command.Payload))

	require.NoError(t, cm.Send(context.Background(), "n1", commands.Message{Kind: commands.KindCancel, CommandID: "c1"}))
	msg = <-conn.SendCh
	assert.Equal(t, wire.TypeCommandCancel, msg.Type)
	assert.Equal(t, "c1", msg.Cancel.CommandID)

	err := cm.Send(context.Background(), "n1", commands.Message{Kind: "reboot"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

// answer replies to the next frame queued for conn.
func answer(cm *ConnectionManager, conn *AgentConnection, reply func(req *wire.Message) *wire.Message) {
	go func() {
		req := <-conn.SendCh
		resp := reply(req)
		resp.ReplyTo = req.ID
		cm.HandleResponse(conn, resp)
	}()
}

func TestConnectionManager_Request(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	conn := cm.Register("n1")

	answer(cm, conn, func(req *wire.Message) *wire.Message {
		return &wire.Message{
			Type: wire.TypeSessionResponse,
			SessionResponse: &sessions.Response{
				Lines: []string{req.SessionRequest.Path},
			},
		}
	})

	resp, err := cm.Request(context.Background(), "n1", sessions.Request{Op: sessions.OpLogTail, Path: "/var/log/syslog"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/log/syslog"}, resp.Lines)
}

func TestConnectionManager_RequestTimeout(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	cm.Register("n1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cm.Request(ctx, "n1", sessions.Request{Op: sessions.OpFilesList})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionManager_RequestFailsOnDisconnect(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	conn := cm.Register("n1")

	go func() {
		<-conn.SendCh
		cm.Disconnect("n1")
	}()

	_, err := cm.Request(context.Background(), "n1", sessions.Request{Op: sessions.OpFilesList})
	assert.ErrorIs(t, err, apperr.ErrUnreachable)
	assert.False(t, cm.IsConnected("n1"))
}

func TestConnectionManager_PingBusy(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	conn := cm.Register("n1")

	answer(cm, conn, func(*wire.Message) *wire.Message {
		return &wire.Message{Type: wire.TypePong, Pong: &wire.Pong{}}
	})
	_, err := cm.Ping(context.Background(), "n1")
	require.NoError(t, err)

	answer(cm, conn, func(*wire.Message) *wire.Message {
		return &wire.Message{Type: wire.TypePong, Pong: &wire.Pong{Busy: true, RetryAfter: 3 * time.Second}}
	})
	_, err = cm.Ping(context.Background(), "n1")
	require.Error(t, err)

	var hinter nodes.RetryHinter
	require.True(t, errors.As(err, &hinter))
	assert.Equal(t, 3*time.Second, hinter.RetryAfter())
}

func TestConnectionManager_UnsolicitedReply(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	conn := cm.Register("n1")

	assert.False(t, cm.HandleResponse(conn, &wire.Message{Type: wire.TypePong, ReplyTo: "nobody"}))
}

func TestConnectionManager_RemoveStaleConnections(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	cm.Register("n1")
	cm.Register("n2")
	cm.UpdateLastSeen("n2")

	conn, _ := cm.GetConnection("n2")
	removed := cm.removeStaleConnections(conn.LastSeen.Add(staleConnectionTimeout + time.Second))
	assert.Equal(t, 2, removed)
	assert.Empty(t, cm.ListConnections())
}

func newHandler(cm *ConnectionManager, cmds *MockCommands, terms *MockTerminals, beats *fakeHeartbeats) *StreamHandler {
	return NewStreamHandler(cm, fakeAuth{"n1": "secret"}, beats, cmds, terms, 30*time.Second)
}

func TestHandleStream_RejectsBadKey(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	cmds := new(MockCommands)
	h := newHandler(cm, cmds, new(MockTerminals), &fakeHeartbeats{})

	stream := newFakeStream()
	stream.in <- &wire.Message{ID: "h1", Type: wire.TypeHello, Hello: &wire.Hello{NodeID: "n1", AgentKey: "wrong"}}

	err := h.HandleStream(stream)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	msg := stream.next(t)
	assert.Equal(t, wire.TypeError, msg.Type)
	assert.Equal(t, wire.ErrCodeUnauthenticated, msg.Error.Code)
	assert.False(t, cm.IsConnected("n1"))
	cmds.AssertNotCalled(t, "Dispatch", mock.Anything)
}

func TestHandleStream_RequiresHello(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()
	h := newHandler(cm, new(MockCommands), new(MockTerminals), &fakeHeartbeats{})

	stream := newFakeStream()
	stream.in <- &wire.Message{ID: "x", Type: wire.TypeHeartbeat, Heartbeat: &wire.Heartbeat{}}

	err := h.HandleStream(stream)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHandleStream_Session(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()

	cmds := new(MockCommands)
	cmds.On("Dispatch", "n1").Return(nil, nil).Once()
	cmds.On("ReportProgress", "c1", store.CommandInProgress, "50%").Return(&store.Command{}, nil).Once()
	cmds.On("ReportTerminal", "c1", store.CommandFailed, "done\n[exit 2] boom\n").Return(&store.Command{}, nil).Once()
	cmds.On("ReportTerminal", "c0", store.CommandSuccess, "").Return(nil, apperr.ErrConflict).Once()

	terms := new(MockTerminals)
	terms.On("HandleTerminalOutput", "n1", "s1", []byte("$ ")).Once()
	terms.On("TerminalExited", "s1").Return(nil).Once()

	beats := &fakeHeartbeats{}
	h := newHandler(cm, cmds, terms, beats)

	stream := newFakeStream()
	stream.in <- &wire.Message{ID: "h1", Type: wire.TypeHello, Hello: &wire.Hello{
		NodeID: "n1", AgentKey: "secret", Facts: wire.Heartbeat{Hostname: "edge-1", AgentVersion: "1.2.0"},
	}}

	done := make(chan error, 1)
	go func() { done <- h.HandleStream(stream) }()

	ack := stream.next(t)
	assert.Equal(t, wire.TypeHelloAck, ack.Type)
	assert.Equal(t, "h1", ack.ReplyTo)
	assert.Equal(t, 30*time.Second, ack.HelloAck.HeartbeatInterval)

	stream.in <- &wire.Message{ID: "p1", Type: wire.TypePing}
	pong := stream.next(t)
	assert.Equal(t, wire.TypePong, pong.Type)
	assert.Equal(t, "p1", pong.ReplyTo)

	stream.in <- &wire.Message{ID: "m1", Type: wire.TypeHeartbeat, Heartbeat: &wire.Heartbeat{Hostname: "edge-1"}}
	stream.in <- &wire.Message{ID: "m2", Type: wire.TypeCommandProgress, Progress: &wire.Progress{CommandID: "c1", Output: "50%"}}
	stream.in <- &wire.Message{ID: "m3", Type: wire.TypeCommandResult, Result: &wire.Result{CommandID: "c1", ExitCode: 2, Output: "done", Error: "boom"}}
	stream.in <- &wire.Message{ID: "m4", Type: wire.TypeCommandResult, Result: &wire.Result{CommandID: "c0", Success: true}}
	stream.in <- &wire.Message{ID: "m5", Type: wire.TypeTerminalOutput, TerminalOutput: &wire.TerminalOutput{SessionID: "s1", Data: []byte("$ ")}}
	stream.in <- &wire.Message{ID: "m6", Type: wire.TypeTerminalOutput, TerminalOutput: &wire.TerminalOutput{SessionID: "s1", Closed: true}}
	close(stream.in)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return")
	}

	assert.Equal(t, 2, beats.count(), "hello counts as a heartbeat")
	assert.False(t, cm.IsConnected("n1"))
	cmds.AssertExpectations(t)
	terms.AssertExpectations(t)
}

func TestHandleStream_DisconnectEndsStream(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()

	cmds := new(MockCommands)
	cmds.On("Dispatch", "n1").Return(nil, nil)
	h := newHandler(cm, cmds, new(MockTerminals), &fakeHeartbeats{})

	stream := newFakeStream()
	stream.in <- &wire.Message{ID: "h1", Type: wire.TypeHello, Hello: &wire.Hello{NodeID: "n1", AgentKey: "secret"}}

	done := make(chan error, 1)
	go func() { done <- h.HandleStream(stream) }()
	stream.next(t)

	require.Eventually(t, func() bool { return cm.IsConnected("n1") }, time.Second, 5*time.Millisecond)
	cm.Disconnect("n1")

	select {
	case err := <-done:
		assert.Equal(t, codes.Aborted, status.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return")
	}
}

func TestHandleStream_TerminalExitDoesNotStallStream(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Stop()

	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now()
	require.NoError(t, st.CreateNode(ctx, &store.Node{ID: "n1", Status: store.NodeOnline, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID: "s1", NodeID: "n1", Kind: store.SessionTerminal, SystemScope: true,
		Status: store.SessionActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	manager := sessions.NewManager(st, cm, nil, nil, sessions.Config{RequestTimeout: 2 * time.Second})

	cmds := new(MockCommands)
	cmds.On("Dispatch", "n1").Return(nil, nil)
	h := NewStreamHandler(cm, fakeAuth{"n1": "secret"}, &fakeHeartbeats{}, cmds, manager, 30*time.Second)

	stream := newFakeStream()
	stream.in <- &wire.Message{ID: "h1", Type: wire.TypeHello, Hello: &wire.Hello{NodeID: "n1", AgentKey: "secret"}}

	done := make(chan error, 1)
	go func() { done <- h.HandleStream(stream) }()
	require.Equal(t, wire.TypeHelloAck, stream.next(t).Type)

	began := time.Now()
	stream.in <- &wire.Message{ID: "t1", Type: wire.TypeTerminalOutput, TerminalOutput: &wire.TerminalOutput{SessionID: "s1", Closed: true}}
	stream.in <- &wire.Message{ID: "p1", Type: wire.TypePing}

	pong := stream.next(t)
	assert.Equal(t, wire.TypePong, pong.Type, "no terminal_close is sent for a shell that already exited")
	assert.Equal(t, "p1", pong.ReplyTo)
	assert.Less(t, time.Since(began), time.Second)

	stored, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionClosed, stored.Status)
	assert.NotNil(t, stored.ClosedAt)

	close(stream.in)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return")
	}
}
