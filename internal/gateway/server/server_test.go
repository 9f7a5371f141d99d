package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexmgr/codexmgr/internal/gateway/auth"
	"github.com/codexmgr/codexmgr/internal/gateway/config"
	"github.com/codexmgr/codexmgr/internal/gateway/kv/kvtest"
	"github.com/codexmgr/codexmgr/internal/gateway/metrics"
	"github.com/codexmgr/codexmgr/internal/gateway/proxy"
	"github.com/codexmgr/codexmgr/internal/gateway/session"
	"github.com/codexmgr/codexmgr/internal/gateway/tokenprovider"
)

type staticManager struct {
	token     string
	accountID string
}

func (m *staticManager) Auth(context.Context) (*auth.Auth, error) {
	return auth.NewStaticAuth(m.token, m.accountID), nil
}

func (m *staticManager) RefreshToken(context.Context) error { return nil }

func testJWT(t *testing.T, expSeconds int64) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(map[string]int64{"exp": expSeconds})
	require.NoError(t, err)
	return fmt.Sprintf("%s.%s.sig", header, base64.RawURLEncoding.EncodeToString(payload))
}

type testStack struct {
	handler  http.Handler
	fake     *kvtest.Fake
	metrics  *metrics.Metrics
	sessions *session.Store
	upstream *upstreamCapture
}

type upstreamCapture struct {
	hits           int
	authorization  string
	accountID      string
	conversationID string
	path           string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	capture := &upstreamCapture{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.hits++
		capture.authorization = r.Header.Get("Authorization")
		capture.accountID = r.Header.Get("ChatGPT-Account-ID")
		capture.conversationID = r.Header.Get("conversation_id")
		capture.path = r.URL.RequestURI()
		fmt.Fprint(w, `{"upstream":true}`)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			Listen:                   "127.0.0.1:0",
			UpstreamBaseURL:          upstream.URL + "/",
			StickyTTLSeconds:         7200,
			TokenSafetyWindowSeconds: 120,
		},
		Pools: map[string]config.PoolConfig{
			"pool-a": {Labels: []string{"alpha", "beta"}},
		},
	}

	fake := kvtest.NewFake()
	m := metrics.New()
	sessions := session.NewStore(fake)
	// Each account's credentials carry its own id so tests can observe
	// which pool member a request landed on.
	accessToken := testJWT(t, time.Now().Add(time.Hour).Unix())
	tokens := tokenprovider.New(fake, func(accountID string) auth.Manager {
		return &staticManager{token: accessToken, accountID: accountID}
	})
	forwarder := proxy.New(upstream.Client(), upstream.URL, m)

	srv := New(cfg, fake, sessions, tokens, forwarder, m)
	return &testStack{
		handler:  srv.Handler(),
		fake:     fake,
		metrics:  m,
		sessions: sessions,
		upstream: capture,
	}
}

func (ts *testStack) issueSession(t *testing.T, poolID string) string {
	t.Helper()
	token, err := session.NewToken()
	require.NoError(t, err)
	err = ts.sessions.Put(context.Background(), token, &session.Session{
		AccountPoolID: poolID,
		ExpiresAtMS:   time.Now().Add(time.Hour).UnixMilli(),
	}, 3600)
	require.NoError(t, err)
	return token
}

func TestPublicEndpoints(t *testing.T) {
	ts := newTestStack(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codex_mgr_gateway")
}

func TestReadyzReportsKVOutage(t *testing.T) {
	ts := newTestStack(t)
	ts.fake.FailWith(assert.AnError)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.KVErrorsTotal))
}

func TestMissingBearerIs401(t *testing.T) {
	ts := newTestStack(t)

	for _, header := range []string{"", "Bearer ", "Token abc", "bearer abc"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	}
	assert.Equal(t, float64(4), testutil.ToFloat64(ts.metrics.RequestsUnauthorizedTotal))
	assert.Zero(t, ts.upstream.hits)
}

func TestUnknownSessionIs401(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer gw_unknown")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKVOutageIs503(t *testing.T) {
	ts := newTestStack(t)
	ts.fake.FailWith(assert.AnError)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer gw_any")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.KVErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.Requests5xxTotal))
}

func TestUnknownPoolIs500(t *testing.T) {
	ts := newTestStack(t)
	token := ts.issueSession(t, "no-such-pool")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.RoutingErrorsTotal))
}

func TestProxyHappyPath(t *testing.T) {
	ts := newTestStack(t)
	token := ts.issueSession(t, "pool-a")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat?stream=false", strings.NewReader(`{"q":1}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("conversation_id", "chat-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `{"upstream":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	assert.Equal(t, 1, ts.upstream.hits)
	assert.Equal(t, "/v1/chat?stream=false", ts.upstream.path)
	assert.True(t, strings.HasPrefix(ts.upstream.authorization, "Bearer ey"),
		"upstream must see the account bearer, got %q", ts.upstream.authorization)
	assert.NotEqual(t, "Bearer "+token, ts.upstream.authorization)
	assert.Contains(t, []string{"alpha", "beta"}, ts.upstream.accountID)
	assert.Empty(t, ts.upstream.conversationID, "conversation headers must be consumed by the gateway")
}

func TestProxyStickyAffinity(t *testing.T) {
	ts := newTestStack(t)
	token := ts.issueSession(t, "pool-a")

	send := func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("conversation_id", "chat-sticky")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	send()
	first := ts.upstream.accountID
	send()
	assert.Equal(t, first, ts.upstream.accountID)
}

func TestAuthzDiagnostic(t *testing.T) {
	ts := newTestStack(t)
	token := ts.issueSession(t, "pool-a")

	req := httptest.NewRequest(http.MethodGet, "/authz", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("conversation_id", "chat-1")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool=pool-a")
	assert.Contains(t, rec.Body.String(), "conversation=chat-1")
}

func TestParseBearer(t *testing.T) {
	cases := []struct {
		in    string
		token string
		ok    bool
	}{
		{"Bearer abc", "abc", true},
		{"Bearer gw_x-y_z", "gw_x-y_z", true},
		{"Bearer ", "", false},
		{"Bearer", "", false},
		{"", "", false},
		{"Basic abc", "", false},
	}
	for _, tc := range cases {
		token, ok := ParseBearer(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.token, token, "input %q", tc.in)
	}
}

func TestRequestCountersOnHappyPath(t *testing.T) {
	ts := newTestStack(t)
	token := ts.issueSession(t, "pool-a")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.RequestsTotal.WithLabelValues("/v1/chat")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ts.metrics.RequestsInflight))
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.UpstreamRequestsTotal))
}
