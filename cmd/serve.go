package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcptools/gmail-mcp/internal/config"
	"github.com/mcptools/gmail-mcp/internal/google"
	"github.com/mcptools/gmail-mcp/internal/instrumentation"
	"github.com/mcptools/gmail-mcp/internal/logging"
	"github.com/mcptools/gmail-mcp/internal/resources"
	"github.com/mcptools/gmail-mcp/internal/server"
	"github.com/mcptools/gmail-mcp/internal/tools/gmail_tools"
)

// transport types supported by the serve command
const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

// MetricsConfig holds configuration for the metrics server
type MetricsConfig struct {
	// Enabled determines whether to start the metrics server (default: true)
	Enabled bool

	// Addr is the address for the metrics server (e.g., ":9090")
	Addr string
}

func newServeCmd() *cobra.Command {
	var (
		debugMode   bool
		transport   string
		httpAddr    string
		authTimeout time.Duration
		// Metrics server configuration
		metricsEnabled bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server exposing read-only
Gmail tools and resources for AI assistants.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport

Configuration:
  GMAIL_CREDENTIALS_FILE   Path to the OAuth client secret JSON (required)
  GMAIL_TOKEN_FILE         Path where the OAuth token is cached (required)

Both variables may also be supplied via a .env file in the working
directory. When no valid token is cached, the first Gmail operation opens
a browser window for consent; use the 'auth' subcommand to complete this
flow ahead of time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsConfig := MetricsConfig{
				Enabled: metricsEnabled,
				Addr:    metricsAddr,
			}
			loadMetricsEnvVars(cmd, &metricsConfig)
			return runServe(transport, debugMode, httpAddr, authTimeout, metricsConfig)
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&transport, "transport", transportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport)")
	cmd.Flags().DurationVar(&authTimeout, "auth-timeout", google.DefaultConsentTimeout, "How long to wait for the user to approve the OAuth consent screen")
	cmd.Flags().BoolVar(&metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// loadMetricsEnvVars applies METRICS_ENABLED and METRICS_ADDR for flags the
// user did not set explicitly; flags win over the environment.
func loadMetricsEnvVars(cmd *cobra.Command, cfg *MetricsConfig) {
	if !cmd.Flags().Changed("metrics-enabled") {
		if v := os.Getenv("METRICS_ENABLED"); v != "" {
			if enabled, err := strconv.ParseBool(v); err == nil {
				cfg.Enabled = enabled
			}
		}
	}
	if !cmd.Flags().Changed("metrics-addr") {
		if addr := os.Getenv("METRICS_ADDR"); addr != "" {
			cfg.Addr = addr
		}
	}
}

func runServe(transport string, debugMode bool, httpAddr string, authTimeout time.Duration, metricsConfig MetricsConfig) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.Setup(debugMode)

	// Missing configuration or an unreadable client secret is fatal at
	// startup; there is no point accepting MCP traffic we cannot serve.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	oauthConf, err := google.LoadClientSecret(cfg.CredentialsFile, google.Scopes...)
	if err != nil {
		return err
	}

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	if err := instrConfig.Validate(); err != nil {
		return fmt.Errorf("invalid instrumentation config: %w", err)
	}

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	auth := google.NewAuthenticator(oauthConf, cfg.TokenFile,
		google.WithConsentTimeout(authTimeout),
		google.WithLogger(logger),
		google.WithMetrics(provider.Metrics()),
	)

	// Start metrics server if enabled and not in stdio mode. Stdio servers
	// are short-lived child processes; binding a scrape port for them only
	// causes address conflicts.
	var metricsServer *server.MetricsServer
	if transport != transportStdio && metricsConfig.Enabled && provider.PrometheusHandler() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    metricsConfig.Addr,
			InstrumentationProvider: provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}

		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	serverContext := server.NewServerContext(shutdownCtx, cfg, auth)
	if provider.Enabled() {
		serverContext.SetMetrics(provider.Metrics())
	}
	defer func() {
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", logging.Err(err))
			}
		}
		if err := serverContext.Shutdown(); err != nil {
			logger.Error("server context shutdown failed", logging.Err(err))
		}
	}()

	mcpSrv := mcpserver.NewMCPServer("gmail-mcp", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false), // Subscribe and listChanged
	)

	if err := registerAll(mcpSrv, serverContext); err != nil {
		return err
	}

	logger.Info("starting MCP server", "transport", transport)

	switch transport {
	case transportStdio:
		return runStdioServer(mcpSrv)
	case transportStreamableHTTP:
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, httpAddr, logger)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", transport)
	}
}

// registerAll registers all MCP tools and resources.
func registerAll(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext) error {
	if err := gmail_tools.RegisterGmailTools(mcpSrv, sc); err != nil {
		return fmt.Errorf("failed to register Gmail tools: %w", err)
	}
	if err := resources.RegisterInboxResources(mcpSrv, sc); err != nil {
		return fmt.Errorf("failed to register inbox resources: %w", err)
	}
	return nil
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, addr string, logger *slog.Logger) error {
	httpServer := mcpserver.NewStreamableHTTPServer(mcpSrv)

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	logger.Info("streamable HTTP server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	return nil
}
