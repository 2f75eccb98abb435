package http

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/enroll"
	"github.com/EternisAI/silo-fleet/internal/events"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-admin-key"

var testJWT = auth.Config{Secret: "test-secret", Expiry: time.Hour, Issuer: "silo-fleet-test"}

type testAPI struct {
	engine *gin.Engine
	store  *store.MemoryStore
}

func newTestAPI(t *testing.T, opts ...func(*Services)) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	hub := events.NewHub(nil)
	locks := nodes.NewKeyedMutex()
	backoffs := nodes.NewMemoryBackoffStore()

	cm := grpcserver.NewConnectionManager()
	t.Cleanup(cm.Stop)

	registry := nodes.NewRegistry(st, backoffs, hub, nil, locks)
	registry.SetDisconnector(cm)
	tracker := nodes.NewTracker(st, backoffs, hub, nil, locks, nodes.Config{})

	sessionManager := sessions.NewManager(st, cm, hub, nil, sessions.Config{})
	registry.SetTerminalCloser(sessionManager)

	srvs := &Services{
		Registry:    registry,
		Tracker:     tracker,
		Prober:      nodes.NewProber(tracker, cm),
		Queue:       commands.NewQueue(st, cm, hub, nil, locks, commands.Config{}),
		Sessions:    sessionManager,
		Enroll:      enroll.NewService(st, registry, nil),
		Hub:         hub,
		ConnManager: cm,
		Reconnect:   backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2},
	}
	for _, opt := range opts {
		opt(srvs)
	}

	engine := gin.New()
	SetupRoute(engine, Config{AdminAPIKey: testAPIKey}, testJWT, srvs)
	return &testAPI{engine: engine, store: st}
}

func (a *testAPI) token(t *testing.T, role string) string {
	t.Helper()
	token, _, err := auth.GenerateToken(testJWT, "tester-"+role, role)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
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
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func (a *testAPI) addNode(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, a.store.CreateNode(context.Background(), &store.Node{
		ID:        id,
		Hostname:  id + ".lan",
		Status:    store.NodeOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.ConnectedAgents)
}

func TestIssueToken(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/auth/token", "", dto.TokenRequest{Subject: "alice", Role: auth.RoleOperator})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body, _ := json.Marshal(dto.TokenRequest{Subject: "alice", Role: auth.RoleOperator})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[dto.TokenResponse](t, rec)
	claims, err := auth.ValidateToken(testJWT.Secret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestNodes_RequireToken(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/v1/nodes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNodes_ListAndGet(t *testing.T) {
	api := newTestAPI(t)
	api.addNode(t, "node-a")
	api.addNode(t, "node-b")
	operator := api.token(t, auth.RoleOperator)

	w := api.do(t, http.MethodGet, "/api/v1/nodes", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListNodesResponse](t, w)
	assert.Equal(t, 2, list.Count)

	w = api.do(t, http.MethodGet, "/api/v1/nodes/node-a", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[dto.NodeResponse](t, w)
	assert.Equal(t, "node-a.lan", node.Hostname)
	assert.Equal(t, "offline", node.Status)
	assert.False(t, node.Connected)

	w = api.do(t, http.MethodGet, "/api/v1/nodes/missing", operator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNodes_AdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	api.addNode(t, "node-a")
	operator := api.token(t, auth.RoleOperator)
	admin := api.token(t, auth.RoleAdmin)

	w := api.do(t, http.MethodPut, "/api/v1/nodes/node-a/maintenance", operator, gin.H{"enabled": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPut, "/api/v1/nodes/node-a/maintenance", admin, gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "maintenance", decode[dto.NodeResponse](t, w).Status)

	w = api.do(t, http.MethodPut, "/api/v1/nodes/node-a/maintenance", admin, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPut, "/api/v1/nodes/node-a/error", admin, dto.SetErrorRequest{Code: "disk_full", Message: "/var is full"})
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[dto.NodeResponse](t, w)
	assert.Equal(t, "error", node.Status)
	assert.Equal(t, "disk_full", node.ErrorCode)

	w = api.do(t, http.MethodDelete, "/api/v1/nodes/node-a/error", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[dto.NodeResponse](t, w).ErrorCode)

	w = api.do(t, http.MethodDelete, "/api/v1/nodes/node-a", operator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodDelete, "/api/v1/nodes/node-a", admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/nodes/node-a", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommands_EnqueueAndCancel(t *testing.T) {
	api := newTestAPI(t)
	api.addNode(t, "node-a")
	operator := api.token(t, auth.RoleOperator)

	w := api.do(t, http.MethodPost, "/api/v1/nodes/missing/commands", operator, dto.EnqueueCommandRequest{Type: "exec"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/commands", operator, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	payload := json.RawMessage(`{"command":"uptime"}`)
	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/commands", operator, dto.EnqueueCommandRequest{Type: "exec", Payload: payload})
	require.Equal(t, http.StatusAccepted, w.Code)
	cmd := decode[dto.CommandResponse](t, w)
	assert.Equal(t, "queued", cmd.Status)
	assert.JSONEq(t, string(payload), string(cmd.Payload))

	w = api.do(t, http.MethodGet, "/api/v1/nodes/node-a/commands", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.ListCommandsResponse](t, w).Count)

	w = api.do(t, http.MethodGet, "/api/v1/nodes/node-a/commands?limit=x", operator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/cancel", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cancelled := decode[dto.CommandResponse](t, w)
	assert.Equal(t, "failed", cancelled.Status)
	assert.Equal(t, commands.ReasonCancelled, cancelled.FailureReason)

	w = api.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/cancel", operator, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessions_Policies(t *testing.T) {
	api := newTestAPI(t)
	api.addNode(t, "node-a")
	operator := api.token(t, auth.RoleOperator)
	admin := api.token(t, auth.RoleAdmin)

	req := dto.CreatePolicyRequest{Kind: "log", Name: "app logs", RootPath: "/var/log/app"}
	w := api.do(t, http.MethodPost, "/api/v1/nodes/node-a/policies", operator, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/policies", admin, req)
	require.Equal(t, http.StatusCreated, w.Code)
	policy := decode[dto.PolicyResponse](t, w)

	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/policies", admin, dto.CreatePolicyRequest{Kind: "log", RootPath: "relative"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/nodes/node-a/policies", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListPoliciesResponse](t, w).Policies, 1)

	// The agent is not connected, so opening is refused after the policy
	// check passes.
	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/sessions", operator, dto.OpenSessionRequest{Kind: "log", PolicyID: policy.ID})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/sessions", operator, dto.OpenSessionRequest{Kind: "files", SystemScope: true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodDelete, "/api/v1/policies/"+policy.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSessions_UnknownSessionIsUniform(t *testing.T) {
	api := newTestAPI(t)
	operator := api.token(t, auth.RoleOperator)

	for _, path := range []string{
		"/api/v1/sessions/nope/files",
		"/api/v1/sessions/nope/read?path=a.log",
		"/api/v1/sessions/nope/tail",
	} {
		w := api.do(t, http.MethodGet, path, operator, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.JSONEq(t, `{"error":"session not found or expired"}`, w.Body.String(), path)
	}
}

func TestSessions_EndedSessionsReadAsClosed(t *testing.T) {
	api := newTestAPI(t)
	api.addNode(t, "node-a")
	operator := api.token(t, auth.RoleOperator)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)

	for _, s := range []*store.Session{
		{ID: "live", NodeID: "node-a", Kind: store.SessionTerminal, Status: store.SessionActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "lapsed", NodeID: "node-a", Kind: store.SessionTerminal, Status: store.SessionActive, CreatedAt: past, ExpiresAt: past.Add(time.Minute)},
		{ID: "expired", NodeID: "node-a", Kind: store.SessionTerminal, Status: store.SessionExpired, CreatedAt: past, ExpiresAt: past.Add(time.Minute)},
		{ID: "closed", NodeID: "node-a", Kind: store.SessionTerminal, Status: store.SessionClosed, CreatedAt: past, ExpiresAt: now.Add(time.Hour), ClosedAt: &past},
	} {
		require.NoError(t, api.store.CreateSession(ctx, s))
	}

	want := map[string]string{"live": "active", "lapsed": "closed", "expired": "closed", "closed": "closed"}
	for id, status := range want {
		w := api.do(t, http.MethodGet, "/api/v1/sessions/"+id, operator, nil)
		require.Equal(t, http.StatusOK, w.Code, id)
		assert.Equal(t, status, decode[dto.SessionResponse](t, w).Status, id)
	}

	w := api.do(t, http.MethodGet, "/api/v1/nodes/node-a/sessions", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, s := range decode[dto.ListSessionsResponse](t, w).Sessions {
		assert.Equal(t, want[s.ID], s.Status, s.ID)
	}
}

func TestEnroll(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(t, auth.RoleAdmin)

	w := api.do(t, http.MethodPost, "/api/v1/admin/enrollment-tokens", api.token(t, auth.RoleOperator), dto.CreateEnrollmentTokenRequest{Name: "rack-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/admin/enrollment-tokens", admin, dto.CreateEnrollmentTokenRequest{Name: "rack-1", ExpiresInHours: 1})
	require.Equal(t, http.StatusCreated, w.Code)
	token := decode[dto.EnrollmentTokenResponse](t, w)
	require.NotEmpty(t, token.Token)

	w = api.do(t, http.MethodPost, "/api/v1/admin/enrollment-tokens", admin, dto.CreateEnrollmentTokenRequest{ExpiresInHours: 24 * 31})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	enrollReq := dto.EnrollRequest{Token: token.Token, Hostname: "edge-01", OS: "linux", AgentVersion: "1.0.0"}
	w = api.do(t, http.MethodPost, "/api/v1/enroll", "", enrollReq)
	require.Equal(t, http.StatusCreated, w.Code)
	enrolled := decode[dto.EnrollResponse](t, w)
	assert.NotEmpty(t, enrolled.NodeID)
	assert.Equal(t, enroll.Fingerprint(enrolled.AgentKey), enrolled.KeyFingerprint)

	w = api.do(t, http.MethodPost, "/api/v1/enroll", "", enrollReq)
	assert.Equal(t, http.StatusConflict, w.Code)

	enrollReq.Token = "et_unknown"
	w = api.do(t, http.MethodPost, "/api/v1/enroll", "", enrollReq)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/nodes/"+enrolled.NodeID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[dto.NodeResponse](t, w)
	assert.Equal(t, "edge-01", node.Hostname)
	assert.Equal(t, "offline", node.Status)

	w = api.do(t, http.MethodGet, "/api/v1/admin/enrollment-tokens", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListEnrollmentTokensResponse](t, w)
	require.Len(t, list.Tokens, 1)
	assert.Empty(t, list.Tokens[0].Token)
	assert.Equal(t, enrolled.NodeID, list.Tokens[0].NodeID)
	assert.NotNil(t, list.Tokens[0].UsedAt)
}

func TestAdminConnections(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/v1/admin/connections", api.token(t, auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.ConnectionsResponse](t, w)
	assert.Equal(t, 0, resp.Count)
	assert.Empty(t, resp.Connections)
}

func TestNodeCertificate(t *testing.T) {
	t.Run("without CA", func(t *testing.T) {
		api := newTestAPI(t)
		api.addNode(t, "node-a")
		w := api.do(t, http.MethodPost, "/api/v1/nodes/node-a/certificate", api.token(t, auth.RoleAdmin), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	dir := t.TempDir()
	paths := cert.Paths{
		CACert:     filepath.Join(dir, "ca.pem"),
		CAKey:      filepath.Join(dir, "ca-key.pem"),
		ServerCert: filepath.Join(dir, "server.pem"),
		ServerKey:  filepath.Join(dir, "server-key.pem"),
	}
	require.NoError(t, cert.Ensure(paths, nil))
	issuer, err := cert.NewIssuer(paths.CACert, paths.CAKey)
	require.NoError(t, err)

	api := newTestAPI(t, func(s *Services) { s.Certs = issuer })
	api.addNode(t, "node-a")
	admin := api.token(t, auth.RoleAdmin)

	w := api.do(t, http.MethodPost, "/api/v1/nodes/node-a/certificate", api.token(t, auth.RoleOperator), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/nodes/ghost/certificate", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/nodes/node-a/certificate", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"node-cert.pem", "node-key.pem", "ca-cert.pem"}, names)
}
