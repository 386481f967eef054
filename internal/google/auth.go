package google

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcptools/gmail-mcp/internal/instrumentation"
	"github.com/mcptools/gmail-mcp/internal/logging"
)

// DefaultConsentTimeout bounds how long the interactive flow waits for the
// user to complete consent in the browser.
const DefaultConsentTimeout = 5 * time.Minute

// AuthError indicates a failed authentication attempt: denied consent, a
// timeout waiting for the redirect, or a failed refresh or code exchange.
// It is fatal for the current request only; the process stays alive and the
// next request retries.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Authenticator produces authenticated HTTP clients from the OAuth client
// configuration and the token cache file. It owns all writes to the token
// file; no other component persists credentials.
type Authenticator struct {
	conf           *oauth2.Config
	tokenFile      string
	consentTimeout time.Duration
	listenAddr     string
	launchBrowser  func(url string) error
	logger         *slog.Logger
	metrics        *instrumentation.Metrics
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithConsentTimeout overrides the interactive consent timeout.
func WithConsentTimeout(d time.Duration) Option {
	return func(a *Authenticator) { a.consentTimeout = d }
}

// WithListenAddr overrides the callback listener address. The default binds
// an ephemeral port on the loopback interface.
func WithListenAddr(addr string) Option {
	return func(a *Authenticator) { a.listenAddr = addr }
}

// WithBrowserLauncher overrides how the consent URL is opened. Tests use
// this to drive the flow without a real browser.
func WithBrowserLauncher(launch func(url string) error) Option {
	return func(a *Authenticator) { a.launchBrowser = launch }
}

// WithLogger sets the logger used for auth events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// WithMetrics sets the recorder for token refresh outcomes. A nil recorder
// is ignored; the authenticator always carries a usable one.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(a *Authenticator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewAuthenticator creates an Authenticator for the given OAuth client
// configuration and token cache path.
func NewAuthenticator(conf *oauth2.Config, tokenFile string, opts ...Option) *Authenticator {
	a := &Authenticator{
		conf:           conf,
		tokenFile:      tokenFile,
		consentTimeout: DefaultConsentTimeout,
		listenAddr:     "127.0.0.1:0",
		launchBrowser:  openBrowser,
		logger:         slog.Default(),
		metrics:        &instrumentation.Metrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Token returns a usable OAuth token, obtaining one if necessary.
//
// A valid cached token is reused directly. An expired token with a refresh
// token is refreshed silently; a failed refresh (revoked or invalid refresh
// token) falls through to the interactive flow. Every newly obtained token
// is persisted to the cache file before being returned.
func (a *Authenticator) Token(ctx context.Context) (*oauth2.Token, error) {
	cached := LoadCachedToken(a.tokenFile)
	if cached != nil {
		if cached.Valid() {
			return cached, nil
		}
		if cached.RefreshToken != "" {
			fresh, err := a.refresh(ctx, cached)
			if err == nil {
				a.persist(fresh)
				return fresh, nil
			}
			a.logger.Warn("token refresh failed, falling back to interactive authorization",
				logging.Operation("refresh"), logging.Err(err))
		}
	}

	tok, err := a.authorize(ctx)
	if err != nil {
		return nil, err
	}
	a.persist(tok)
	return tok, nil
}

// Client returns an HTTP client that authenticates requests with a usable
// token, plus the token it started from. The client refreshes silently as
// needed and persists every refreshed token back to the cache file.
func (a *Authenticator) Client(ctx context.Context) (*http.Client, *oauth2.Token, error) {
	tok, err := a.Token(ctx)
	if err != nil {
		return nil, nil, err
	}

	src := &persistingTokenSource{
		src:       oauth2.ReuseTokenSource(tok, a.conf.TokenSource(ctx, tok)),
		tokenFile: a.tokenFile,
		last:      tok,
		logger:    a.logger,
		metrics:   a.metrics,
	}
	return oauth2.NewClient(ctx, src), tok, nil
}

func (a *Authenticator) refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	fresh, err := a.conf.TokenSource(ctx, tok).Token()
	if err != nil {
		a.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.ResultFailure)
		return nil, &AuthError{Reason: "refreshing access token", Err: err}
	}
	a.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.ResultSuccess)
	// Google omits the refresh token on refresh responses; carry it over so
	// the persisted token stays complete.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// authorize runs the interactive authorization-code flow: bind an ephemeral
// loopback listener, open the consent URL in the browser, block until the
// redirect delivers a code or the timeout elapses, then exchange the code.
func (a *Authenticator) authorize(ctx context.Context) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return nil, &AuthError{Reason: "starting callback listener", Err: err}
	}

	conf := *a.conf
	conf.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())

	state, err := randomState()
	if err != nil {
		ln.Close()
		return nil, &AuthError{Reason: "generating state parameter", Err: err}
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	// Channel sends must never block the handler: a stale tab or a retried
	// redirect can hit /callback again after the first outcome was delivered,
	// and a blocked handler would stall the deferred server shutdown.
	deliverErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			deliverErr(&AuthError{Reason: "state parameter mismatch on redirect"})
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "authorization denied", http.StatusForbidden)
			deliverErr(&AuthError{Reason: "authorization denied: " + errCode})
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			deliverErr(&AuthError{Reason: "redirect delivered no authorization code"})
			return
		}
		fmt.Fprint(w, "Authorization complete. You can close this window and return to your MCP client.")
		select {
		case codeCh <- code:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			deliverErr(&AuthError{Reason: "callback listener failed", Err: serveErr})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
	a.logger.Info("waiting for browser consent", logging.Operation("authorize"))
	if err := a.launchBrowser(authURL); err != nil {
		// Not fatal; the user can follow the URL from the log.
		a.logger.Warn("could not open browser, visit the URL manually",
			logging.Err(err), "url", authURL)
	}

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(a.consentTimeout):
		return nil, &AuthError{Reason: fmt.Sprintf("timed out after %s waiting for consent", a.consentTimeout)}
	case <-ctx.Done():
		return nil, &AuthError{Reason: "authorization canceled", Err: ctx.Err()}
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, &AuthError{Reason: "exchanging authorization code", Err: err}
	}
	return tok, nil
}

// persist writes tok to the token file. A write failure is a warning, not
// fatal: the in-memory token stays usable for the process lifetime.
func (a *Authenticator) persist(tok *oauth2.Token) {
	if err := SaveToken(a.tokenFile, tok); err != nil {
		a.logger.Warn("failed to persist token", "path", a.tokenFile, logging.Err(err))
	}
}

// persistingTokenSource saves every token change back to the cache file so
// the file always reflects the most recently obtained valid token.
type persistingTokenSource struct {
	src       oauth2.TokenSource
	tokenFile string
	logger    *slog.Logger
	metrics   *instrumentation.Metrics

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		s.metrics.RecordOAuthTokenRefresh(context.Background(), instrumentation.ResultFailure)
		return nil, &AuthError{Reason: "refreshing access token", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || tok.AccessToken != s.last.AccessToken {
		// A changed access token means the underlying source refreshed.
		s.metrics.RecordOAuthTokenRefresh(context.Background(), instrumentation.ResultSuccess)
		if tok.RefreshToken == "" && s.last != nil {
			tok.RefreshToken = s.last.RefreshToken
		}
		if err := SaveToken(s.tokenFile, tok); err != nil {
			s.logger.Warn("failed to persist refreshed token", "path", s.tokenFile, logging.Err(err))
		}
		s.last = tok
	}
	return tok, nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
