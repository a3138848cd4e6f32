//go:build !integration && !e2e
// +build !integration,!e2e

package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/api"
	"github.com/g1331/autorouter/internal/config"
	"github.com/g1331/autorouter/internal/database"
	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
)

const gatewayEncryptionKey = "gateway-test-encryption-key"

type gatewayFixture struct {
	server   *httptest.Server
	auth     *service.AuthService
	breaker  *service.CircuitBreaker
	balancer *service.LoadBalancer
	upRepo   repository.UpstreamRepository
	logRepo  repository.RequestLogRepository
	store    *service.UpstreamStore
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))

	logger := zap.NewNop()
	cfg := config.DefaultConfig()
	cfg.Security.EncryptionKey = gatewayEncryptionKey
	cfg.Failover.Strategy = models.StrategyRoundRobin

	upRepo := repository.NewUpstreamRepository(db)
	keyRepo := repository.NewAPIKeyRepository(db)
	breakerRepo := repository.NewCircuitBreakerRepository(db)
	healthRepo := repository.NewHealthRepository(db)
	logRepo := repository.NewRequestLogRepository(db)

	store, err := service.NewUpstreamStore(upRepo, time.Millisecond)
	require.NoError(t, err)
	breaker := service.NewCircuitBreaker(breakerRepo, cfg.Breaker, logger)
	health := service.NewHealthTracker(healthRepo, breaker, store, time.Second, logger)
	balancer := service.NewLoadBalancer()
	authService := service.NewAuthService(keyRepo, logger)
	modelRouter := service.NewModelRouter(store, breaker, logger)
	forwarder := service.NewForwarder(gatewayEncryptionKey, logger)
	executor := service.NewFailoverExecutor(balancer, breaker, health, forwarder, nil, cfg.Failover, logger)

	apiServer := api.NewServer(api.ServerDeps{
		Config:       cfg,
		AuthService:  authService,
		ModelRouter:  modelRouter,
		Executor:     executor,
		Breaker:      breaker,
		Health:       health,
		UpstreamRepo: upRepo,
		KeyRepo:      keyRepo,
		BreakerRepo:  breakerRepo,
		LogRepo:      logRepo,
		Store:        store,
		Metrics:      nil,
		Logger:       logger,
	})

	server := httptest.NewServer(apiServer)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		server:   server,
		auth:     authService,
		breaker:  breaker,
		balancer: balancer,
		upRepo:   upRepo,
		logRepo:  logRepo,
		store:    store,
	}
}

func (f *gatewayFixture) addUpstream(t *testing.T, id, name, baseURL string, mutate func(*models.Upstream)) *models.Upstream {
	t.Helper()
	enc, err := service.EncryptSecret("sk-upstream-"+id, gatewayEncryptionKey)
	require.NoError(t, err)
	up := &models.Upstream{
		ID:              id,
		Name:            name,
		ProviderType:    models.ProviderOpenAI,
		BaseURL:         baseURL,
		APIKeyEncrypted: enc,
		TimeoutSeconds:  5,
		IsActive:        true,
		Weight:          1,
	}
	if mutate != nil {
		mutate(up)
	}
	require.NoError(t, f.upRepo.Insert(context.Background(), up))
	f.store.Invalidate()
	return up
}

func (f *gatewayFixture) newKey(t *testing.T, upstreamIDs ...string) string {
	t.Helper()
	literal, _, err := f.auth.CreateAPIKey(context.Background(), "test-key", nil, upstreamIDs)
	require.NoError(t, err)
	return literal
}

func (f *gatewayFixture) post(t *testing.T, key, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code
}

func latestLog(t *testing.T, f *gatewayFixture) *models.RequestLog {
	t.Helper()
	var latest *models.RequestLog
	require.Eventually(t, func() bool {
		logs, err := f.logRepo.FindRecent(context.Background(), 1, 0)
		if err != nil || len(logs) == 0 || logs[0].CompletedAt == nil {
			return false
		}
		latest = logs[0]
		return true
	}, 2*time.Second, 10*time.Millisecond, "request log should be finalized")
	return latest
}

const chatBody = `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

func TestGateway_HappyPathNonStream(t *testing.T) {
	fix := newGatewayFixture(t)

	var upstreamAuth string
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`))
	}))
	defer llm.Close()

	up := fix.addUpstream(t, "u1", "openai-main", llm.URL, nil)
	key := fix.newKey(t, up.ID)

	resp := fix.post(t, key, "/v1/chat/completions", chatBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"chatcmpl-1"`)
	assert.Equal(t, "Bearer sk-upstream-u1", upstreamAuth)

	logEntry := latestLog(t, fix)
	assert.Equal(t, 30, logEntry.Usage.TotalTokens)
	assert.Equal(t, 10, logEntry.Usage.PromptTokens)
	assert.Equal(t, 20, logEntry.Usage.CompletionTokens)
	require.NotNil(t, logEntry.RoutingDecision)
	assert.Equal(t, "u1", logEntry.RoutingDecision.SelectedUpstreamID)
	assert.Empty(t, logEntry.FailoverAttempts[0].ErrorType)
}

func TestGateway_AuthErrors(t *testing.T) {
	fix := newGatewayFixture(t)

	resp := fix.post(t, "", "/v1/chat/completions", chatBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_API_KEY", errorCode(t, resp))

	resp = fix.post(t, "sk-ar-definitely-not-a-key", "/v1/chat/completions", chatBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_API_KEY", errorCode(t, resp))
}

func TestGateway_InvalidRequest(t *testing.T) {
	fix := newGatewayFixture(t)
	llm := statusStub(t, 200, `{}`)
	up := fix.addUpstream(t, "u1", "one", llm.URL, nil)
	key := fix.newKey(t, up.ID)

	tests := []struct {
		name string
		body string
	}{
		{"missing model", `{"messages":[]}`},
		{"malformed json", `{"model": `},
		{"empty body", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := fix.post(t, key, "/v1/chat/completions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
		})
	}
}

func TestGateway_NoUpstreamsConfigured(t *testing.T) {
	fix := newGatewayFixture(t)
	llm := statusStub(t, 200, `{}`)
	up := fix.addUpstream(t, "u1", "openai-only", llm.URL, nil)
	key := fix.newKey(t, up.ID)

	// Anthropic model with only an openai upstream configured.
	resp := fix.post(t, key, "/v1/messages", `{"model":"claude-sonnet-4"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_UPSTREAMS_CONFIGURED", errorCode(t, resp))
}

func TestGateway_FailoverHidesUpstreamNames(t *testing.T) {
	fix := newGatewayFixture(t)
	bad := statusStub(t, 500, `{"error":"internal"}`)
	up := fix.addUpstream(t, "u1", "secret-upstream-name", bad.URL, nil)
	key := fix.newKey(t, up.ID)

	resp := fix.post(t, key, "/v1/chat/completions", chatBody)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "ALL_UPSTREAMS_UNAVAILABLE")
	assert.NotContains(t, string(payload), "secret-upstream-name")

	// The log keeps the full detail.
	logEntry := latestLog(t, fix)
	assert.Equal(t, "ALL_UPSTREAMS_UNAVAILABLE", logEntry.ErrorCode)
	require.Len(t, logEntry.FailoverAttempts, 1)
	assert.Equal(t, "secret-upstream-name", logEntry.FailoverAttempts[0].UpstreamName)
}

func TestGateway_FailoverToSecondUpstream(t *testing.T) {
	fix := newGatewayFixture(t)
	bad := statusStub(t, 500, `{"error":"down"}`)
	good := statusStub(t, 200, `{"id":"ok"}`)
	u1 := fix.addUpstream(t, "u1", "flaky", bad.URL, nil)
	u2 := fix.addUpstream(t, "u2", "stable", good.URL, nil)
	key := fix.newKey(t, u1.ID, u2.ID)

	resp := fix.post(t, key, "/v1/chat/completions", chatBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	logEntry := latestLog(t, fix)
	require.NotNil(t, logEntry.UpstreamID)
	assert.Equal(t, "u2", *logEntry.UpstreamID)
	require.Len(t, logEntry.FailoverAttempts, 2)
	assert.Equal(t, models.FailoverHTTP5xx, logEntry.FailoverAttempts[0].ErrorType)
}

func TestGateway_CircuitOpenExcludedFromRouting(t *testing.T) {
	fix := newGatewayFixture(t)
	var brokenCalls int
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenCalls++
		w.WriteHeader(500)
	}))
	defer broken.Close()
	good := statusStub(t, 200, `{"id":"ok"}`)

	u1 := fix.addUpstream(t, "u1", "broken", broken.URL, nil)
	u2 := fix.addUpstream(t, "u2", "good", good.URL, nil)
	key := fix.newKey(t, u1.ID, u2.ID)

	require.NoError(t, fix.breaker.ForceOpen(context.Background(), u1.ID))

	resp := fix.post(t, key, "/v1/chat/completions", chatBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, brokenCalls, "no request may reach an upstream with an open breaker")

	logEntry := latestLog(t, fix)
	require.NotNil(t, logEntry.RoutingDecision)
	require.Len(t, logEntry.RoutingDecision.Excluded, 1)
	assert.Equal(t, models.ExcludedCircuitOpen, logEntry.RoutingDecision.Excluded[0].Reason)
}

func TestGateway_ModelRedirectDoesNotRewriteBody(t *testing.T) {
	fix := newGatewayFixture(t)

	var upstreamBody []byte
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer llm.Close()

	up := fix.addUpstream(t, "u1", "redirecting", llm.URL, func(u *models.Upstream) {
		u.ModelRedirects = map[string]string{"gpt-4-turbo": "gpt-4"}
		u.AllowedModels = []string{"gpt-4"}
	})
	key := fix.newKey(t, up.ID)

	body := `{"model":"gpt-4-turbo","messages":[]}`
	resp := fix.post(t, key, "/v1/chat/completions", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The outbound body is the literal downstream body.
	assert.Equal(t, body, string(upstreamBody))

	logEntry := latestLog(t, fix)
	require.NotNil(t, logEntry.RoutingDecision)
	assert.Equal(t, "gpt-4", logEntry.RoutingDecision.ResolvedModel)
	assert.True(t, logEntry.RoutingDecision.ModelRedirectApplied)
	assert.Equal(t, "gpt-4", logEntry.ResolvedModel)
}

func TestGateway_KeyNotAuthorizedForUpstream(t *testing.T) {
	fix := newGatewayFixture(t)
	llm := statusStub(t, 200, `{}`)
	fix.addUpstream(t, "u1", "restricted", llm.URL, nil)
	key := fix.newKey(t) // no upstreams granted

	resp := fix.post(t, key, "/v1/chat/completions", chatBody)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_UPSTREAMS_CONFIGURED", errorCode(t, resp))
}

func TestGateway_StreamingPipesSSE(t *testing.T) {
	fix := newGatewayFixture(t)

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"hel\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"delta\":\"lo\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":11,\"total_tokens\":18}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer llm.Close()

	up := fix.addUpstream(t, "u1", "streaming", llm.URL, nil)
	key := fix.newKey(t, up.ID)

	req, err := http.NewRequest(http.MethodPost, fix.server.URL+"/v1/chat/completions",
		bytes.NewReader([]byte(`{"model":"gpt-4","stream":true}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "data: {\"delta\":\"hel\"}")
	assert.Contains(t, string(payload), "data: [DONE]")
	assert.NotContains(t, string(payload), "STREAM_ERROR")

	logEntry := latestLog(t, fix)
	assert.True(t, logEntry.Stream)
	assert.Equal(t, 18, logEntry.Usage.TotalTokens)
	assert.Equal(t, 0, fix.balancer.Connections("u1"))
}

func TestGateway_StreamClientDisconnect(t *testing.T) {
	fix := newGatewayFixture(t)

	upstreamGone := make(chan struct{})
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"chunk1\"}\n\n")
		flusher.Flush()
		// Hold the stream open until the proxy cancels the upstream request.
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer llm.Close()

	up := fix.addUpstream(t, "u1", "streaming", llm.URL, nil)
	key := fix.newKey(t, up.ID)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fix.server.URL+"/v1/chat/completions", bytes.NewReader([]byte(`{"model":"gpt-4","stream":true}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	// Read the first chunk, then drop the connection.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "chunk1")
	cancel()
	resp.Body.Close()

	// Disconnect propagates to the upstream read.
	select {
	case <-upstreamGone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled after client disconnect")
	}

	// Connection accounting settles; no breaker failure is recorded.
	require.Eventually(t, func() bool {
		return fix.balancer.Connections("u1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	st, err := fix.breaker.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.FailureCount)

	logEntry := latestLog(t, fix)
	assert.Greater(t, logEntry.DurationMs, 0.0)
}

func TestGateway_PathAndMethodForwarding(t *testing.T) {
	fix := newGatewayFixture(t)

	var gotMethod, gotPath string
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer llm.Close()

	up := fix.addUpstream(t, "u1", "one", llm.URL+"/v1", nil)
	key := fix.newKey(t, up.ID)

	req, err := http.NewRequest(http.MethodPatch, fix.server.URL+"/v1/fine_tuning/jobs/ft-1",
		bytes.NewReader([]byte(`{"model":"gpt-4"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/v1/fine_tuning/jobs/ft-1", gotPath)
}

func statusStub(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}
