package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kiloguardian/kilo/pkg/api"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/storage"
)

const testToken = "kg_test_token"

type fixture struct {
	gw     *Gateway
	tokens *storage.TokenStore
	clk    *clocktesting.FakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	tokens, err := storage.NewTokenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { tokens.Close() })

	_, err = tokens.Create(testToken, []string{"*"}, time.Time{})
	require.NoError(t, err)

	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return &fixture{gw: New(cfg, tokens, clk), tokens: tokens, clk: clk}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set(authHeader, token)
	}
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

// echoBackend records the path it was invoked with
type echoBackend struct {
	path string
}

func (b *echoBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.path = r.URL.Path
	api.WriteJSON(w, http.StatusOK, map[string]string{"backend": "echo"})
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.gw.Mount("/meds", "registry", &echoBackend{})

	rec := f.do(t, http.MethodGet, "/meds", nil, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.gw.Mount("/meds", "registry", &echoBackend{})

	rec := f.do(t, http.MethodGet, "/meds", nil, "not-a-token")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidTokenRoutesToBackend(t *testing.T) {
	f := newFixture(t, Config{})
	backend := &echoBackend{}
	f.gw.Mount("/meds", "registry", backend)

	rec := f.do(t, http.MethodGet, "/v1/meds/abc/take", nil, testToken)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/meds/abc/take", backend.path)
}

func TestUnknownPathReturns404(t *testing.T) {
	f := newFixture(t, Config{})
	f.gw.Mount("/meds", "registry", &echoBackend{})

	rec := f.do(t, http.MethodGet, "/nope", nil, testToken)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLongestPrefixWins(t *testing.T) {
	f := newFixture(t, Config{})
	short := &echoBackend{}
	long := &echoBackend{}
	f.gw.Mount("/coaching", "coaching", short)
	f.gw.Mount("/coaching/messages", "messages", long)

	f.do(t, http.MethodGet, "/coaching/messages", nil, testToken)

	assert.Empty(t, short.path)
	assert.Equal(t, "/coaching/messages", long.path)
}

func TestPrefixDoesNotMatchSiblingPath(t *testing.T) {
	f := newFixture(t, Config{})
	backend := &echoBackend{}
	f.gw.Mount("/meds", "registry", backend)

	rec := f.do(t, http.MethodGet, "/medsextra", nil, testToken)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, backend.path)
}

func TestBackendTimeoutReturns504(t *testing.T) {
	f := newFixture(t, Config{BackendTimeout: 50 * time.Millisecond})
	f.gw.Mount("/slow", "slow", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))

	rec := f.do(t, http.MethodGet, "/slow", nil, testToken)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "timeout")
	assert.Contains(t, rec.Body.String(), rec.Header().Get("X-Correlation-Id"))
}

func TestRateLimitEnforced(t *testing.T) {
	f := newFixture(t, Config{RatePerSecond: 1, RateBurst: 2})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := f.do(t, http.MethodGet, "/health", nil, "")
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}

func TestTokenLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	// Create
	rec := f.do(t, http.MethodPost, "/admin/tokens", map[string]any{"ttl_hours": 24}, testToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Regexp(t, `^kg_[0-9a-f]{64}$`, created.Token)
	assert.Equal(t, []string{"*"}, created.Scopes)
	assert.False(t, created.ExpiresAt.IsZero())

	// The new token authenticates
	rec = f.do(t, http.MethodGet, "/admin/tokens", nil, created.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hash")
	var listed struct {
		Tokens []tokenView `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Tokens, 2)

	// Revoke
	rec = f.do(t, http.MethodPost, "/admin/tokens/"+created.ID+"/revoke", nil, testToken)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Revoked token no longer authenticates
	rec = f.do(t, http.MethodGet, "/admin/tokens", nil, created.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/admin/tokens", map[string]any{"ttl_hours": 1}, testToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	f.clk.SetTime(f.clk.Now().Add(2 * time.Hour))

	rec = f.do(t, http.MethodGet, "/admin/tokens", nil, created.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/admin/validate", map[string]string{"token": testToken}, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = f.do(t, http.MethodPost, "/admin/validate", map[string]string{"token": "bogus"}, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)
}

func TestStatusFanOut(t *testing.T) {
	f := newFixture(t, Config{HealthTimeout: 100 * time.Millisecond})
	f.gw.RegisterHealth("store", func(ctx context.Context) error { return nil })
	f.gw.RegisterHealth("broken", func(ctx context.Context) error { return errors.New("bucket missing") })
	f.gw.RegisterHealth("stuck", func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})

	// Status is public: no token on the request
	rec := f.do(t, http.MethodGet, "/admin/status", nil, "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status     string                     `json:"status"`
		Components map[string]componentStatus `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Components["store"].Status)
	assert.Equal(t, "down", body.Components["broken"].Status)
	assert.Contains(t, body.Components["broken"].Error, "bucket missing")
	assert.Equal(t, "down", body.Components["stuck"].Status)
}

func TestStatusAllHealthy(t *testing.T) {
	f := newFixture(t, Config{})
	f.gw.RegisterHealth("store", func(ctx context.Context) error { return nil })

	rec := f.do(t, http.MethodGet, "/admin/status", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestBootstrapTokenSeededOnStart(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	tokens, err := storage.NewTokenStore(t.TempDir())
	require.NoError(t, err)
	defer tokens.Close()

	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := New(Config{ListenAddr: "127.0.0.1:0", BootstrapToken: "bootstrap-secret"}, tokens, clk)
	require.NoError(t, gw.Start())
	defer gw.Stop(context.Background())

	_, err = tokens.Validate("bootstrap-secret", clk.Now())
	assert.NoError(t, err)

	// Second startup with tokens already present must not duplicate
	require.NoError(t, tokens.EnsureBootstrap("bootstrap-secret"))
	listed, err := tokens.List()
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestBackendStatusForwarded(t *testing.T) {
	f := newFixture(t, Config{})
	f.gw.Mount("/meds", "registry", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusConflict, "conflict", "no open dose")
	}))

	rec := f.do(t, http.MethodPost, "/meds/abc/take", nil, testToken)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no open dose")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestPrefixMatch(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/meds", "/meds", true},
		{"/meds/abc", "/meds", true},
		{"/medsextra", "/meds", false},
		{"/habits", "/meds", false},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tc.path, tc.prefix), func(t *testing.T) {
			assert.Equal(t, tc.want, prefixMatch(tc.path, tc.prefix))
		})
	}
}
