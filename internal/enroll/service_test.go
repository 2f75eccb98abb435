package enroll

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var start = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.MemoryStore, *clock.FakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.Fake(start)
	registry := nodes.NewRegistry(st, nodes.NewMemoryBackoffStore(), events.Discard, clk, nodes.NewKeyedMutex())
	svc := NewService(st, registry, clk)
	svc.cost = bcrypt.MinCost
	return svc, st, clk
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(tokenPrefix)
	require.NoError(t, err)
	b, err := GenerateSecret(tokenPrefix)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "et_"))
	assert.Len(t, a, 3+43) // 32 bytes, raw url base64
	assert.NotEqual(t, a, b)
}

func TestCreateToken_StoresOnlyHash(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	token, plain, err := svc.CreateToken(ctx, "rack-7", 0)
	require.NoError(t, err)
	assert.Equal(t, start.Add(DefaultTokenTTL), token.ExpiresAt)
	assert.Equal(t, HashToken(plain), token.TokenHash)

	stored, err := st.ListEnrollmentTokens(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].TokenHash, plain)

	_, _, err = svc.CreateToken(ctx, "too-long", MaxTokenTTL+time.Hour)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestEnrollAndAuthenticate(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	_, plain, err := svc.CreateToken(ctx, "rack-7", time.Hour)
	require.NoError(t, err)

	res, err := svc.Enroll(ctx, plain, Facts{Hostname: "edge-1", OS: "linux"}, "10.0.0.7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.AgentKey, "ak_"))
	assert.Equal(t, store.NodeOffline, res.Node.Status)
	assert.Equal(t, "10.0.0.7", res.Node.IPAddress)
	assert.Equal(t, Fingerprint(res.AgentKey), res.Node.AuthKeyFingerprint)

	node, err := st.GetNode(ctx, res.Node.ID)
	require.NoError(t, err)
	assert.NotEqual(t, res.AgentKey, node.AuthKeyHash)

	require.NoError(t, svc.Authenticate(ctx, res.Node.ID, res.AgentKey))
	assert.ErrorIs(t, svc.Authenticate(ctx, res.Node.ID, "ak_wrong"), apperr.ErrForbidden)
	assert.ErrorIs(t, svc.Authenticate(ctx, "ghost", res.AgentKey), apperr.ErrForbidden)
	assert.ErrorIs(t, svc.Authenticate(ctx, res.Node.ID, ""), apperr.ErrForbidden)
}

func TestEnroll_TokenIsSingleUse(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	_, plain, err := svc.CreateToken(ctx, "", time.Hour)
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, plain, Facts{Hostname: "edge-1"}, "")
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, plain, Facts{Hostname: "edge-2"}, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestEnroll_ExpiredToken(t *testing.T) {
	svc, st, clk := newService(t)
	ctx := context.Background()

	_, plain, err := svc.CreateToken(ctx, "", time.Hour)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	_, err = svc.Enroll(ctx, plain, Facts{Hostname: "edge-1"}, "")
	assert.ErrorIs(t, err, apperr.ErrExpired)

	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestEnroll_UnknownOrMalformedToken(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, "et_doesnotexist", Facts{Hostname: "edge-1"}, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Enroll(ctx, "garbage", Facts{Hostname: "edge-1"}, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, plain, err := svc.CreateToken(ctx, "", time.Hour)
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, plain, Facts{}, "")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}
