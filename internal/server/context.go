package server

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/api/option"

	"github.com/mcptools/gmail-mcp/internal/config"
	"github.com/mcptools/gmail-mcp/internal/gmail"
	"github.com/mcptools/gmail-mcp/internal/google"
	"github.com/mcptools/gmail-mcp/internal/instrumentation"
)

// ServerContext holds the shared state of the MCP server. The Gmail client
// is created lazily on first use so that starting the server never blocks on
// a browser consent flow.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg  config.Config
	auth *google.Authenticator

	mu          sync.RWMutex
	gmailClient *gmail.Client
	metrics     *instrumentation.Metrics
	shutdown    bool

	logger *slog.Logger
}

// NewServerContext creates a new server context. The authenticator is only
// exercised when a tool or resource first needs the Gmail client.
func NewServerContext(ctx context.Context, cfg config.Config, auth *google.Authenticator) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:     shutdownCtx,
		cancel:  cancel,
		cfg:     cfg,
		auth:    auth,
		metrics: &instrumentation.Metrics{},
		logger:  slog.Default(),
	}
}

// Context returns the server's shutdown context.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Config returns the server's configuration.
func (sc *ServerContext) Config() config.Config {
	return sc.cfg
}

// GmailClient returns the Gmail client, creating and caching it on first
// use. The first call may trigger an interactive consent flow when no usable
// token is cached.
func (sc *ServerContext) GmailClient(ctx context.Context) (*gmail.Client, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.gmailClient != nil {
		return sc.gmailClient, nil
	}

	httpClient, _, err := sc.auth.Client(ctx)
	if err != nil {
		sc.metrics.RecordOAuthAuth(ctx, instrumentation.ResultFailure)
		return nil, err
	}
	sc.metrics.RecordOAuthAuth(ctx, instrumentation.ResultSuccess)

	client, err := gmail.NewClient(sc.ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	sc.logger.Info("gmail client initialized")
	sc.gmailClient = client
	return client, nil
}

// SetGmailClient sets the Gmail client, bypassing lazy initialization.
func (sc *ServerContext) SetGmailClient(client *gmail.Client) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.gmailClient = client
}

// SetMetrics installs the metrics recorder. A nil recorder is ignored; the
// context always carries a usable recorder.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	if m == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// Metrics returns the metrics recorder. Never nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// IsShutdown returns whether the server has been shut down.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context. Safe to call more than once.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	return nil
}
