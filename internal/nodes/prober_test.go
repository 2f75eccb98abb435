package nodes

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) IsConnected(nodeID string) bool {
	return m.Called(nodeID).Bool(0)
}

func (m *mockPinger) Ping(ctx context.Context, nodeID string) (time.Duration, error) {
	args := m.Called(ctx, nodeID)
	return args.Get(0).(time.Duration), args.Error(1)
}

type busyError struct{ after time.Duration }

func (e busyError) Error() string             { return "agent busy" }
func (e busyError) RetryAfter() time.Duration { return e.after }

func TestProber_PingSuccess(t *testing.T) {
	f := newTrackerFixture(t)
	pinger := &mockPinger{}
	pinger.On("IsConnected", "n1").Return(true)
	pinger.On("Ping", mock.Anything, "n1").Return(15*time.Millisecond, nil)

	result, err := NewProber(f.tracker, pinger).Ping(context.Background(), "n1")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 15*time.Millisecond, result.RTT)
	assert.Equal(t, store.NodeOnline, result.Node.Status)
	pinger.AssertExpectations(t)
}

func TestProber_DisconnectedCountsAsFailure(t *testing.T) {
	f := newTrackerFixture(t)
	pinger := &mockPinger{}
	pinger.On("IsConnected", "n1").Return(false)

	result, err := NewProber(f.tracker, pinger).Ping(context.Background(), "n1")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, apperr.ErrUnreachable.Error(), result.Error)
	assert.Equal(t, 1, result.Node.ConsecutiveFailures)
	pinger.AssertNotCalled(t, "Ping", mock.Anything, mock.Anything)
}

func TestProber_RetryHintFromAgent(t *testing.T) {
	f := newTrackerFixture(t)
	pinger := &mockPinger{}
	pinger.On("IsConnected", "n1").Return(true)
	pinger.On("Ping", mock.Anything, "n1").Return(time.Duration(0), busyError{after: 45 * time.Second})

	result, err := NewProber(f.tracker, pinger).Ping(context.Background(), "n1")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "agent busy", result.Error)
	assert.Equal(t, start.Add(45*time.Second), *result.Node.NextRetryAt)
}

func TestProber_UnknownNode(t *testing.T) {
	f := newTrackerFixture(t)

	_, err := NewProber(f.tracker, &mockPinger{}).Ping(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestProber_ProbeDue(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	pinger := &mockPinger{}
	pinger.On("IsConnected", "n1").Return(true)
	pinger.On("Ping", mock.Anything, "n1").Return(time.Duration(0), errors.New("stream closed")).Once()
	pinger.On("Ping", mock.Anything, "n1").Return(5*time.Millisecond, nil).Once()
	prober := NewProber(f.tracker, pinger)

	_, err := prober.Ping(ctx, "n1")
	require.NoError(t, err)

	probed, err := prober.ProbeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, probed, "retry not due yet")

	f.clock.Advance(time.Second)
	probed, err = prober.ProbeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, probed)
	assert.Equal(t, store.NodeOnline, f.node(t).Status)

	due, err := f.backoffs.Due(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
	pinger.AssertExpectations(t)
}

// failingClear is a backoff store whose Clear always fails.
type failingClear struct {
	*MemoryBackoffStore
	clears int
}

func (f *failingClear) Clear(context.Context, string) error {
	f.clears++
	return errors.New("redis: connection refused")
}

func TestProber_ProbeDueLogsClearFailure(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := context.Background()
	f := newTrackerFixture(t)
	backoffs := &failingClear{MemoryBackoffStore: NewMemoryBackoffStore()}
	tracker := NewTracker(f.store, backoffs, f.events, f.clock, NewKeyedMutex(), Config{GraceWindow: time.Minute})
	require.NoError(t, backoffs.Put(ctx, BackoffState{NodeID: "ghost", ConsecutiveFailures: 1, NextRetryAt: start}))

	probed, err := NewProber(tracker, &mockPinger{}).ProbeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, probed)
	assert.Equal(t, 1, backoffs.clears)
	assert.Contains(t, logs.String(), "Failed to clear backoff state of deleted node")
	assert.Contains(t, logs.String(), "node_id=ghost")
}
