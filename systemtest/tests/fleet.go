package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agent"
	httpapi "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/enroll"
	"github.com/EternisAI/silo-fleet/internal/events"
	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const adminAPIKey = "system-admin-key"

var jwtConfig = auth.Config{Secret: "system-test-secret", Expiry: time.Hour, Issuer: "silo-fleet-systemtest"}

type fleet struct {
	router *gin.Engine
	dial   []grpc.DialOption
}

// newFleet wires the server components over st, with the agent stream
// served on an in-memory listener.
func newFleet(t *testing.T, st store.Store) *fleet {
	t.Helper()

	hub := events.NewHub(nil)
	locks := nodes.NewKeyedMutex()
	backoffs := nodes.NewMemoryBackoffStore()
	cm := grpcserver.NewConnectionManager()

	registry := nodes.NewRegistry(st, backoffs, hub, nil, locks)
	registry.SetDisconnector(cm)
	tracker := nodes.NewTracker(st, backoffs, hub, nil, locks, nodes.Config{})
	queue := commands.NewQueue(st, cm, hub, nil, locks, commands.Config{})
	sessionManager := sessions.NewManager(st, cm, hub, nil, sessions.Config{})
	registry.SetTerminalCloser(sessionManager)
	enrollService := enroll.NewService(st, registry, nil)

	handler := grpcserver.NewStreamHandler(cm, enrollService, tracker, queue, sessionManager, 100*time.Millisecond)
	agentServer := grpcserver.NewServer(0, nil, cm, handler)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	wire.RegisterAgentServiceServer(gs, agentServer)
	go gs.Serve(lis)
	t.Cleanup(func() {
		cm.Stop()
		gs.Stop()
	})

	router := gin.New()
	httpapi.SetupRoute(router, httpapi.Config{AdminAPIKey: adminAPIKey}, jwtConfig, &httpapi.Services{
		Registry:    registry,
		Tracker:     tracker,
		Prober:      nodes.NewProber(tracker, cm),
		Queue:       queue,
		Sessions:    sessionManager,
		Enroll:      enrollService,
		Hub:         hub,
		ConnManager: cm,
		Reconnect:   backoff.Default,
	})

	return &fleet{
		router: router,
		dial: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
}

func (f *fleet) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// startAgent runs a real agent against the fleet and stops it with the
// test.
func (f *fleet) startAgent(t *testing.T, nodeID, agentKey string) {
	t.Helper()
	a := agent.New(agent.Config{Version: "systemtest"})
	client := grpcclient.NewClient(grpcclient.Config{
		ServerAddress: "passthrough:///bufnet",
		Reconnect:     backoff.Policy{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2},
	}, nodeID, agentKey, a, grpcclient.WithDialOptions(f.dial...))
	a.SetEmitter(client)
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		a.Shutdown(2 * time.Second)
		client.Stop()
	})
}

// TestFleetFlow enrolls a node, connects a real agent and drives a
// command and a log session through the HTTP API.
func TestFleetFlow(t *testing.T, st store.Store) {
	f := newFleet(t, st)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(`{"subject":"ops","role":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", adminAPIKey)
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	admin := decode[dto.TokenResponse](t, rr).Token

	operator, _, err := auth.GenerateToken(jwtConfig, "viewer", auth.RoleOperator)
	require.NoError(t, err)

	rr = f.do(t, http.MethodPost, "/api/v1/admin/enrollment-tokens", admin, dto.CreateEnrollmentTokenRequest{Name: "rack-1", ExpiresInHours: 1})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	enrollToken := decode[dto.EnrollmentTokenResponse](t, rr).Token
	require.NotEmpty(t, enrollToken)

	rr = f.do(t, http.MethodPost, "/api/v1/enroll", "", dto.EnrollRequest{Token: enrollToken, Hostname: "web-1", OS: "linux"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	enrolled := decode[dto.EnrollResponse](t, rr)

	t.Run("token is single use", func(t *testing.T) {
		rr := f.do(t, http.MethodPost, "/api/v1/enroll", "", dto.EnrollRequest{Token: enrollToken, Hostname: "web-2"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	nodePath := "/api/v1/nodes/" + enrolled.NodeID
	rr = f.do(t, http.MethodGet, nodePath, operator, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(store.NodeOffline), decode[dto.NodeResponse](t, rr).Status)

	f.startAgent(t, enrolled.NodeID, enrolled.AgentKey)

	require.Eventually(t, func() bool {
		rr := f.do(t, http.MethodGet, nodePath, operator, nil)
		node := decode[dto.NodeResponse](t, rr)
		return node.Status == string(store.NodeOnline) && node.Connected
	}, 5*time.Second, 50*time.Millisecond, "node never came online")

	t.Run("command round trip", func(t *testing.T) {
		rr := f.do(t, http.MethodPost, nodePath+"/commands", operator, dto.EnqueueCommandRequest{
			Type:    "exec",
			Payload: json.RawMessage(`{"command":"echo fleet-ok"}`),
		})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		cmdID := decode[dto.CommandResponse](t, rr).ID

		var final dto.CommandResponse
		require.Eventually(t, func() bool {
			rr := f.do(t, http.MethodGet, "/api/v1/commands/"+cmdID, operator, nil)
			final = decode[dto.CommandResponse](t, rr)
			return final.Status == string(store.CommandSuccess) || final.Status == string(store.CommandFailed)
		}, 5*time.Second, 50*time.Millisecond)

		assert.Equal(t, string(store.CommandSuccess), final.Status, final.FailureReason)
		assert.Contains(t, final.Output, "fleet-ok")
		assert.NotNil(t, final.ExecutedAt)
		assert.Equal(t, 1, final.DispatchAttempts)
	})

	t.Run("failing command", func(t *testing.T) {
		rr := f.do(t, http.MethodPost, nodePath+"/commands", operator, dto.EnqueueCommandRequest{
			Type:    "exec",
			Payload: json.RawMessage(`{"command":"exit 3"}`),
		})
		require.Equal(t, http.StatusAccepted, rr.Code)
		cmdID := decode[dto.CommandResponse](t, rr).ID

		require.Eventually(t, func() bool {
			rr := f.do(t, http.MethodGet, "/api/v1/commands/"+cmdID, operator, nil)
			return decode[dto.CommandResponse](t, rr).Status == string(store.CommandFailed)
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("log session", func(t *testing.T) {
		root := t.TempDir()
		var lines bytes.Buffer
		for i := 1; i <= 5; i++ {
			fmt.Fprintf(&lines, "line %d\n", i)
		}
		require.NoError(t, os.WriteFile(filepath.Join(root, "app.log"), lines.Bytes(), 0o644))

		rr := f.do(t, http.MethodPost, nodePath+"/policies", operator, dto.CreatePolicyRequest{Kind: "log", RootPath: root})
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = f.do(t, http.MethodPost, nodePath+"/policies", admin, dto.CreatePolicyRequest{Kind: "log", Name: "app", RootPath: root})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		policyID := decode[dto.PolicyResponse](t, rr).ID

		rr = f.do(t, http.MethodPost, nodePath+"/sessions", operator, dto.OpenSessionRequest{Kind: "log", PolicyID: policyID})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		sessionID := decode[dto.SessionResponse](t, rr).ID

		rr = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/tail?path=app.log&lines=2", operator, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, []string{"line 4", "line 5"}, decode[dto.TailResponse](t, rr).Lines)

		rr = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/tail?path=../../etc/passwd", operator, nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = f.do(t, http.MethodDelete, "/api/v1/sessions/"+sessionID, operator, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, string(store.SessionClosed), decode[dto.SessionResponse](t, rr).Status)
	})

	t.Run("delete node drops agent", func(t *testing.T) {
		rr := f.do(t, http.MethodDelete, nodePath, admin, nil)
		require.Equal(t, http.StatusNoContent, rr.Code)

		rr = f.do(t, http.MethodGet, nodePath, operator, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
