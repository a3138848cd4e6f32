//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/config"
	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
)

type executorFixture struct {
	executor *FailoverExecutor
	breaker  *CircuitBreaker
	balancer *LoadBalancer
	health   *memHealthRepo
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	breaker, _, _ := newTestBreaker(models.DefaultBreakerConfig())
	balancer := NewLoadBalancer()
	healthRepo := newMemHealthRepo()
	store := newTestStore(t)
	health := NewHealthTracker(healthRepo, breaker, store, 0, zap.NewNop())
	forwarder := NewForwarder(testEncryptionKey, zap.NewNop())

	cfg := config.FailoverConfig{
		MaxAttempts: 10,
		Strategy:    models.StrategyRoundRobin, // deterministic ordering for tests
	}
	return &executorFixture{
		executor: NewFailoverExecutor(balancer, breaker, health, forwarder, nil, cfg, zap.NewNop()),
		breaker:  breaker,
		balancer: balancer,
		health:   healthRepo,
	}
}

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func fixtureUpstream(t *testing.T, id, name, baseURL string) *models.Upstream {
	t.Helper()
	return &models.Upstream{
		ID:              id,
		Name:            name,
		ProviderType:    models.ProviderOpenAI,
		BaseURL:         baseURL,
		APIKeyEncrypted: encryptedKey(t, "sk-up-"+id),
		TimeoutSeconds:  5,
		IsActive:        true,
		Weight:          1,
	}
}

func testProxyRequest() *ProxyRequest {
	return &ProxyRequest{
		Method: http.MethodPost,
		Path:   "chat/completions",
		Header: http.Header{},
		Body:   []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`),
	}
}

func TestExecute_HappyPath(t *testing.T) {
	fix := newExecutorFixture(t)
	server := statusServer(t, 200, `{"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	u1 := fixtureUpstream(t, "u1", "primary", server.URL)

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Response.StatusCode)
	assert.Equal(t, "u1", result.Upstream.ID)
	assert.Equal(t, 30, result.Response.Usage.TotalTokens)
	require.Len(t, result.Attempts, 1)
	assert.Empty(t, result.Attempts[0].ErrorType)

	assert.Equal(t, 0, fix.balancer.Connections("u1"))
}

func TestExecute_FailoverOn500(t *testing.T) {
	fix := newExecutorFixture(t)
	bad := statusServer(t, 500, `{"error":"boom"}`)
	good := statusServer(t, 200, `{"ok":true}`)
	u1 := fixtureUpstream(t, "u1", "bad", bad.URL)
	u2 := fixtureUpstream(t, "u2", "good", good.URL)

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1, u2})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Response.StatusCode)
	assert.Equal(t, "u2", result.Upstream.ID)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "u1", result.Attempts[0].UpstreamID)
	assert.Equal(t, models.FailoverHTTP5xx, result.Attempts[0].ErrorType)
	require.NotNil(t, result.Attempts[0].StatusCode)
	assert.Equal(t, 500, *result.Attempts[0].StatusCode)

	// Exactly one breaker failure and one unhealthy mark for u1.
	st, err := fix.breaker.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailureCount)
	rec, err := fix.health.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, rec.IsHealthy)

	assert.Equal(t, 0, fix.balancer.Connections("u1"))
	assert.Equal(t, 0, fix.balancer.Connections("u2"))
}

func TestExecute_FailoverOn429(t *testing.T) {
	fix := newExecutorFixture(t)
	limited := statusServer(t, 429, `{"error":"rate limited"}`)
	good := statusServer(t, 200, `{}`)
	u1 := fixtureUpstream(t, "u1", "limited", limited.URL)
	u2 := fixtureUpstream(t, "u2", "good", good.URL)

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1, u2})
	require.NoError(t, err)
	assert.Equal(t, "u2", result.Upstream.ID)
	assert.Equal(t, models.FailoverHTTP429, result.Attempts[0].ErrorType)
}

func TestExecute_Non2xxOutsideFailoverSetReturned(t *testing.T) {
	fix := newExecutorFixture(t)
	bad := statusServer(t, 400, `{"error":{"message":"bad request"}}`)
	never := statusServer(t, 200, `{}`)
	u1 := fixtureUpstream(t, "u1", "bad-request", bad.URL)
	u2 := fixtureUpstream(t, "u2", "unused", never.URL)

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1, u2})
	require.NoError(t, err)

	// 400 is not in the default failover set; the client sees it as-is.
	assert.Equal(t, 400, result.Response.StatusCode)
	assert.Equal(t, "u1", result.Upstream.ID)

	// And the breaker saw a success, not a failure.
	st, err := fix.breaker.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.FailureCount)
}

func TestExecute_AllUpstreamsFail(t *testing.T) {
	fix := newExecutorFixture(t)
	var ups []*models.Upstream
	for i, id := range []string{"u1", "u2", "u3"} {
		server := statusServer(t, 500, `{"error":"down"}`)
		ups = append(ups, fixtureUpstream(t, id, "up"+string(rune('a'+i)), server.URL))
	}

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), ups)
	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindAllUnavailable))
	assert.Len(t, result.Attempts, 3)

	for _, up := range ups {
		st, err := fix.breaker.Snapshot(context.Background(), up.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, st.FailureCount, "upstream %s", up.ID)
		assert.Equal(t, 0, fix.balancer.Connections(up.ID))
	}
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	fix := newExecutorFixture(t)
	good := statusServer(t, 200, `{}`)
	u1 := fixtureUpstream(t, "u1", "broken", "http://127.0.0.1:1")
	u2 := fixtureUpstream(t, "u2", "good", good.URL)

	// Breaker opened between routing and permit acquisition.
	require.NoError(t, fix.breaker.ForceOpen(context.Background(), "u1"))

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1, u2})
	require.NoError(t, err)
	assert.Equal(t, "u2", result.Upstream.ID)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, models.FailoverCircuitOpen, result.Attempts[0].ErrorType)
	assert.Nil(t, result.Attempts[0].StatusCode)
	assert.Equal(t, 0, fix.balancer.Connections("u1"))
}

func TestExecute_ConnectionErrorFailsOver(t *testing.T) {
	fix := newExecutorFixture(t)
	good := statusServer(t, 200, `{}`)
	u1 := fixtureUpstream(t, "u1", "unreachable", "http://127.0.0.1:1")
	u2 := fixtureUpstream(t, "u2", "good", good.URL)

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1, u2})
	require.NoError(t, err)
	assert.Equal(t, "u2", result.Upstream.ID)
	assert.Equal(t, models.FailoverConnectionError, result.Attempts[0].ErrorType)
}

func TestExecute_ClientDisconnectedStopsLoop(t *testing.T) {
	fix := newExecutorFixture(t)
	server := statusServer(t, 200, `{}`)
	u1 := fixtureUpstream(t, "u1", "one", server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fix.executor.Execute(ctx, testProxyRequest(), []*models.Upstream{u1})
	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindClientDisconnected))
	assert.Equal(t, 0, fix.balancer.Connections("u1"))
}

func TestExecute_EmptyCandidates(t *testing.T) {
	fix := newExecutorFixture(t)

	_, err := fix.executor.Execute(context.Background(), testProxyRequest(), nil)
	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindAllUnavailable))
}

func TestExecute_ExtraStatusCodesWidenFailoverSet(t *testing.T) {
	breaker, _, _ := newTestBreaker(models.DefaultBreakerConfig())
	balancer := NewLoadBalancer()
	store := newTestStore(t)
	health := NewHealthTracker(newMemHealthRepo(), breaker, store, 0, zap.NewNop())
	forwarder := NewForwarder(testEncryptionKey, zap.NewNop())
	executor := NewFailoverExecutor(balancer, breaker, health, forwarder, nil, config.FailoverConfig{
		MaxAttempts:      10,
		Strategy:         models.StrategyRoundRobin,
		ExtraStatusCodes: []int{401},
	}, zap.NewNop())

	unauthorized := statusServer(t, 401, `{}`)
	good := statusServer(t, 200, `{}`)
	u1 := fixtureUpstream(t, "u1", "unauthorized", unauthorized.URL)
	u2 := fixtureUpstream(t, "u2", "good", good.URL)

	result, err := executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1, u2})
	require.NoError(t, err)
	assert.Equal(t, "u2", result.Upstream.ID)
	assert.Equal(t, models.FailoverHTTP4xx, result.Attempts[0].ErrorType)
}

func TestExecute_TimeoutExhaustionSurfacesAsTimeout(t *testing.T) {
	fix := newExecutorFixture(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(slow.Close)
	u1 := fixtureUpstream(t, "u1", "slow", slow.URL)
	u1.TimeoutSeconds = 1

	result, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1})
	require.Error(t, err)
	assert.True(t, proxyerr.IsKind(err, proxyerr.KindTimeout))
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, models.FailoverTimeout, result.Attempts[0].ErrorType)
}

func TestExecute_BreakerOpensAfterThresholdAcrossRequests(t *testing.T) {
	fix := newExecutorFixture(t)
	bad := statusServer(t, 500, `{}`)
	u1 := fixtureUpstream(t, "u1", "flaky", bad.URL)

	for i := 0; i < 5; i++ {
		_, err := fix.executor.Execute(context.Background(), testProxyRequest(), []*models.Upstream{u1})
		require.Error(t, err)
	}

	st, err := fix.breaker.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, st.State)
}
