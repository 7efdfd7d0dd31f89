package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atp/internal/approval"
	"atp/internal/cachestore"
	"atp/internal/engine"
	"atp/internal/observability"
	"atp/internal/policy"
	"atp/internal/server/app"
	"atp/internal/session"
	"atp/internal/toolregistry"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	srv      *httptest.Server
	sessions *session.Manager
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	store := cachestore.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })

	sessions, err := session.NewManager([]byte(testSecret), session.Config{}, store)
	require.NoError(t, err)

	registry := toolregistry.New()
	require.NoError(t, registry.Register(toolregistry.Tool{
		Name:     "crm/getUser",
		Metadata: toolregistry.Metadata{Description: "Load a CRM user record"},
	}))
	require.NoError(t, registry.Register(toolregistry.Tool{
		Name: "email/send",
		Metadata: toolregistry.Metadata{
			OperationType: toolregistry.OpWrite,
			Description:   "Send an email",
		},
	}))
	registry.Seal()

	policies := policy.NewEngine()
	policies.Seal()

	eng := engine.New(store, registry, policies, nil, approval.AutoApprove(), engine.Config{})

	search, err := toolregistry.NewSearchIndex(context.Background(), registry, nil)
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	coordinator := app.NewCoordinator(sessions, eng, registry, search, app.NewEventBroadcaster(), metrics)
	router := NewRouter(coordinator, sessions, RouterConfig{
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: rateLimit,
		Metrics:            metrics,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, sessions: sessions}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func (ts *testServer) initSession(t *testing.T) (clientID, token string) {
	t.Helper()
	resp, body := ts.request(t, http.MethodPost, "/api/init", "", map[string]any{
		"clientInfo": map[string]string{"name": "test-client"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["clientId"].(string), body["token"].(string)
}

func TestInfoAndHealthAreOpen(t *testing.T) {
	ts := newTestServer(t, 0)

	resp, body := ts.request(t, http.MethodGet, "/api/info", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "atp-server", body["name"])
	assert.Equal(t, app.ProtocolVersion, body["protocol"])

	resp, body = ts.request(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestInitIssuesCredentials(t *testing.T) {
	ts := newTestServer(t, 0)
	clientID, token := ts.initSession(t)
	assert.True(t, session.ValidSessionID(clientID))
	assert.NotEmpty(t, token)
}

func TestAuthenticatedEndpointsRejectBadTokens(t *testing.T) {
	ts := newTestServer(t, 0)

	resp, body := ts.request(t, http.MethodGet, "/api/definitions", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["code"])

	resp, body = ts.request(t, http.MethodGet, "/api/definitions", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["code"])
}

func TestClientIDHeaderMustMatchToken(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/definitions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Client-ID", "cli_00000000000000000000000000000000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDefinitionsRenderTypeScript(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, body := ts.request(t, http.MethodGet, "/api/definitions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["typescript"], "getUser")
	assert.ElementsMatch(t, []any{"crm", "email"}, body["apiGroups"])
}

func TestSearchAndExplore(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, body := ts.request(t, http.MethodPost, "/api/search", token, map[string]any{
		"query": "email",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.NotEmpty(t, results)
	first := results[0].(map[string]any)
	assert.Equal(t, "email", first["apiGroup"])

	resp, body = ts.request(t, http.MethodPost, "/api/explore", token, map[string]any{"path": ""})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["entries"])

	resp, _ = ts.request(t, http.MethodPost, "/api/search", token, map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteCompletesSimpleProgram(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, body := ts.request(t, http.MethodPost, "/api/execute", token, map[string]any{
		"code": "return 2 + 3;",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, engine.StatusCompleted, body["status"])
	assert.Equal(t, float64(5), body["result"])
	assert.NotEmpty(t, body["executionId"])
}

func TestExecuteRejectsEmptyCode(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, _ := ts.request(t, http.MethodPost, "/api/execute", token, map[string]any{"code": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteReportsParseErrorInBand(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, body := ts.request(t, http.MethodPost, "/api/execute", token, map[string]any{
		"code": "const = 1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, engine.StatusParseError, body["status"])
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, body := ts.request(t, http.MethodPost, "/api/execute", token, map[string]any{
		"code": "const user = await api.crm.getUser({ id: 7 }); return user.name;",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, engine.StatusPaused, body["status"])
	cb := body["needsCallback"].(map[string]any)
	assert.Equal(t, "crm/getUser", cb["operation"])
	executionID := body["executionId"].(string)

	// Single-callback resume form: no effect id needed.
	resp, body = ts.request(t, http.MethodPost, "/api/resume/"+executionID, token, map[string]any{
		"result": map[string]any{"name": "Ada"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, engine.StatusCompleted, body["status"])
	assert.Equal(t, "Ada", body["result"])
}

func TestResumeUnknownExecutionIs404(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	resp, body := ts.request(t, http.MethodPost, "/api/resume/nope", token, map[string]any{
		"result": "x",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "notFound", body["code"])
}

func TestResumeFromAnotherSessionIsForbidden(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	_, body := ts.request(t, http.MethodPost, "/api/execute", token, map[string]any{
		"code": "return await api.crm.getUser({ id: 1 });",
	})
	require.Equal(t, engine.StatusPaused, body["status"])
	executionID := body["executionId"].(string)

	_, otherToken := ts.initSession(t)
	resp, _ := ts.request(t, http.MethodPost, "/api/resume/"+executionID, otherToken, map[string]any{
		"result": "stolen",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRateLimitKicksIn(t *testing.T) {
	ts := newTestServer(t, 1)

	resp, _ := ts.request(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	limited := false
	for i := 0; i < 5; i++ {
		resp, _ = ts.request(t, http.MethodGet, "/api/health", "", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "repeated requests should hit the limiter")
}

func TestRateLimitKeysAuthenticatedRequestsBySession(t *testing.T) {
	ts := newTestServer(t, 1)
	_, token := ts.initSession(t)

	// The init call drained the IP bucket, so this request only passes
	// because authenticated traffic draws from the session bucket.
	resp, _ := ts.request(t, http.MethodGet, "/api/definitions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	limited := false
	for i := 0; i < 5; i++ {
		resp, _ = ts.request(t, http.MethodGet, "/api/definitions", token, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "session bucket should throttle repeated authenticated requests")
}

func TestMetricsEndpointExposed(t *testing.T) {
	ts := newTestServer(t, 0)

	// Prime the request counter so the vector has a sample to expose.
	resp0, _ := ts.request(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp0.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "atp_http_requests_total")
}
