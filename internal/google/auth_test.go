package google

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/oauth2"

	"github.com/mcptools/gmail-mcp/internal/instrumentation"
)

// newTokenEndpoint returns an httptest server acting as the OAuth token
// endpoint, always issuing the given access/refresh pair.
func newTokenEndpoint(t *testing.T, accessToken, refreshToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"token_type":    "Bearer",
			"refresh_token": refreshToken,
			"expires_in":    3600,
		})
	}))
}

func testOAuthConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.com/auth",
			TokenURL: tokenURL,
		},
		Scopes: Scopes,
	}
}

// approveConsent returns a browser launcher that simulates the user granting
// consent: it parses the consent URL and immediately hits the redirect URI
// with the given query values merged over code/state.
func approveConsent(t *testing.T, values url.Values) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		redirect := u.Query().Get("redirect_uri")
		require.NotEmpty(t, redirect)

		q := url.Values{}
		q.Set("state", u.Query().Get("state"))
		q.Set("code", "test-auth-code")
		for k, v := range values {
			q[k] = v
		}

		go func() {
			resp, err := http.Get(redirect + "?" + q.Encode())
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

// newTestMetrics returns a recorder backed by a manual reader so tests can
// inspect what was recorded.
func newTestMetrics(t *testing.T) (*instrumentation.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := instrumentation.NewMetrics(mp.Meter("auth-test"))
	require.NoError(t, err)
	return metrics, reader
}

// tokenRefreshCount sums the oauth_token_refresh_total datapoints carrying
// the given result attribute.
func tokenRefreshCount(t *testing.T, reader *sdkmetric.ManualReader, result string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "oauth_token_refresh_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("result")); ok && v.AsString() == result {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTokenUsesValidCachedToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	cached := &oauth2.Token{
		AccessToken:  "cached-access",
		RefreshToken: "cached-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}
	require.NoError(t, SaveToken(tokenFile, cached))

	auth := NewAuthenticator(testOAuthConfig("http://127.0.0.1:0/unreachable"), tokenFile,
		WithBrowserLauncher(func(string) error {
			t.Fatal("browser must not launch for a valid cached token")
			return nil
		}),
	)

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-access", tok.AccessToken)
}

func TestTokenRefreshesExpiredToken(t *testing.T) {
	ts := newTokenEndpoint(t, "refreshed-access", "")
	defer ts.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.json")
	expired := &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "valid-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}
	require.NoError(t, SaveToken(tokenFile, expired))

	browserLaunched := false
	auth := NewAuthenticator(testOAuthConfig(ts.URL), tokenFile,
		WithBrowserLauncher(func(string) error {
			browserLaunched = true
			return nil
		}),
	)

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", tok.AccessToken)
	assert.Equal(t, "valid-refresh", tok.RefreshToken, "refresh token carried over when the response omits it")
	assert.False(t, browserLaunched, "silent refresh must not launch a browser")

	// The cache file must reflect the refreshed token.
	persisted := LoadCachedToken(tokenFile)
	require.NotNil(t, persisted)
	assert.Equal(t, "refreshed-access", persisted.AccessToken)
}

func TestTokenInteractiveFlow(t *testing.T) {
	ts := newTokenEndpoint(t, "fresh-access", "fresh-refresh")
	defer ts.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.json")

	auth := NewAuthenticator(testOAuthConfig(ts.URL), tokenFile,
		WithBrowserLauncher(approveConsent(t, nil)),
		WithConsentTimeout(5*time.Second),
	)

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
	assert.Equal(t, "fresh-refresh", tok.RefreshToken)

	persisted := LoadCachedToken(tokenFile)
	require.NotNil(t, persisted)
	assert.Equal(t, "fresh-access", persisted.AccessToken)
}

func TestTokenConsentDenied(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.json")

	auth := NewAuthenticator(testOAuthConfig("http://127.0.0.1:0/unreachable"), tokenFile,
		WithBrowserLauncher(approveConsent(t, url.Values{"error": {"access_denied"}, "code": {""}})),
		WithConsentTimeout(5*time.Second),
	)

	_, err := auth.Token(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "denied")
	assert.Nil(t, LoadCachedToken(tokenFile), "no token may be persisted on denial")
}

func TestTokenConsentTimeout(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.json")

	auth := NewAuthenticator(testOAuthConfig("http://127.0.0.1:0/unreachable"), tokenFile,
		WithBrowserLauncher(func(string) error { return nil }), // user never responds
		WithConsentTimeout(100*time.Millisecond),
	)

	_, err := auth.Token(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "timed out")
}

func TestTokenStateMismatch(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.json")

	auth := NewAuthenticator(testOAuthConfig("http://127.0.0.1:0/unreachable"), tokenFile,
		WithBrowserLauncher(approveConsent(t, url.Values{"state": {"forged"}})),
		WithConsentTimeout(5*time.Second),
	)

	_, err := auth.Token(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "state")
}

func TestRefreshFailureFallsThroughToInteractive(t *testing.T) {
	// Token endpoint rejects the refresh grant but accepts the code exchange.
	var sawRefresh bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") == "refresh_token" {
			sawRefresh = true
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "reauthorized-access",
			"token_type":    "Bearer",
			"refresh_token": "reauthorized-refresh",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(tokenFile, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "revoked-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	auth := NewAuthenticator(testOAuthConfig(ts.URL), tokenFile,
		WithBrowserLauncher(approveConsent(t, nil)),
		WithConsentTimeout(5*time.Second),
	)

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.True(t, sawRefresh, "a refresh must be attempted before re-authorizing")
	assert.Equal(t, "reauthorized-access", tok.AccessToken)
}

func TestTokenRefreshRecordsMetric(t *testing.T) {
	ts := newTokenEndpoint(t, "refreshed-access", "")
	defer ts.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(tokenFile, &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "valid-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	metrics, reader := newTestMetrics(t)
	auth := NewAuthenticator(testOAuthConfig(ts.URL), tokenFile, WithMetrics(metrics))

	_, err := auth.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), tokenRefreshCount(t, reader, instrumentation.ResultSuccess))
	assert.Equal(t, int64(0), tokenRefreshCount(t, reader, instrumentation.ResultFailure))
}

func TestTokenRefreshFailureRecordsMetric(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer ts.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(tokenFile, &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "revoked-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	metrics, reader := newTestMetrics(t)
	auth := NewAuthenticator(testOAuthConfig(ts.URL), tokenFile,
		WithMetrics(metrics),
		WithBrowserLauncher(func(string) error { return nil }), // user never responds
		WithConsentTimeout(100*time.Millisecond),
	)

	_, err := auth.Token(context.Background())
	require.Error(t, err)

	assert.Equal(t, int64(1), tokenRefreshCount(t, reader, instrumentation.ResultFailure))
	assert.Equal(t, int64(0), tokenRefreshCount(t, reader, instrumentation.ResultSuccess))
}

func TestPersistingTokenSourceRecordsSilentRefresh(t *testing.T) {
	ts := newTokenEndpoint(t, "rotated-access", "")
	defer ts.Close()

	conf := testOAuthConfig(ts.URL)
	expired := &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "still-good",
		Expiry:       time.Now().Add(-time.Hour),
	}

	metrics, reader := newTestMetrics(t)
	src := &persistingTokenSource{
		src:       oauth2.ReuseTokenSource(expired, conf.TokenSource(context.Background(), expired)),
		tokenFile: filepath.Join(t.TempDir(), "token.json"),
		last:      expired,
		logger:    slog.Default(),
		metrics:   metrics,
	}

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", tok.AccessToken)
	assert.Equal(t, int64(1), tokenRefreshCount(t, reader, instrumentation.ResultSuccess))

	// Serving the still-valid token again is not a refresh.
	_, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokenRefreshCount(t, reader, instrumentation.ResultSuccess))
}

func TestPersistingTokenSourceRecordsFailedRefresh(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer ts.Close()

	conf := testOAuthConfig(ts.URL)
	expired := &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}

	metrics, reader := newTestMetrics(t)
	src := &persistingTokenSource{
		src:       oauth2.ReuseTokenSource(expired, conf.TokenSource(context.Background(), expired)),
		tokenFile: filepath.Join(t.TempDir(), "token.json"),
		last:      expired,
		logger:    slog.Default(),
		metrics:   metrics,
	}

	_, err := src.Token()
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int64(1), tokenRefreshCount(t, reader, instrumentation.ResultFailure))
}

func TestTokenRepeatedRedirectDoesNotStall(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.json")

	// A stale tab or a browser retry can hit the callback endpoint more than
	// once. Later hits must not wedge a handler goroutine, which would hold
	// up the callback server shutdown after the flow resolves.
	launcher := func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		redirect := u.Query().Get("redirect_uri")
		require.NotEmpty(t, redirect)

		client := &http.Client{Timeout: time.Second}
		for i := 0; i < 2; i++ {
			resp, err := client.Get(redirect + "?state=forged&code=test-auth-code")
			require.NoError(t, err)
			resp.Body.Close()
		}
		return nil
	}

	auth := NewAuthenticator(testOAuthConfig("http://127.0.0.1:0/unreachable"), tokenFile,
		WithBrowserLauncher(launcher),
		WithConsentTimeout(5*time.Second),
	)

	start := time.Now()
	_, err := auth.Token(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "state")
	assert.Less(t, time.Since(start), 3*time.Second,
		"a replayed redirect must not stall the consent flow")
}

func TestClientReturnsAuthenticatedClient(t *testing.T) {
	ts := newTokenEndpoint(t, "client-access", "client-refresh")
	defer ts.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(tokenFile, &oauth2.Token{
		AccessToken:  "client-access",
		RefreshToken: "client-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}))

	auth := NewAuthenticator(testOAuthConfig(ts.URL), tokenFile)

	client, tok, err := auth.Client(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "client-access", tok.AccessToken)

	// The client must attach the bearer token to outgoing requests.
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer client-access", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
}
