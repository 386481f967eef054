package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcptools/gmail-mcp/internal/config"
	"github.com/mcptools/gmail-mcp/internal/google"
	"github.com/mcptools/gmail-mcp/internal/logging"
)

func newAuthCmd() *cobra.Command {
	var (
		debugMode   bool
		authTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with Google and cache the OAuth token",
		Long: `Run the OAuth consent flow ahead of time so the MCP server can start
without user interaction.

A browser window opens for Google's consent screen; after approval the
token is written to the file named by GMAIL_TOKEN_FILE. If a valid or
refreshable token is already cached, no browser opens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Setup(debugMode)

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			oauthConf, err := google.LoadClientSecret(cfg.CredentialsFile, google.Scopes...)
			if err != nil {
				return err
			}

			auth := google.NewAuthenticator(oauthConf, cfg.TokenFile,
				google.WithConsentTimeout(authTimeout),
				google.WithLogger(logger),
			)

			tok, err := auth.Token(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Authenticated. Token cached at %s", cfg.TokenFile)
			if !tok.Expiry.IsZero() {
				fmt.Printf(" (access token expires %s)", tok.Expiry.Format(time.RFC3339))
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().DurationVar(&authTimeout, "auth-timeout", google.DefaultConsentTimeout, "How long to wait for the user to approve the OAuth consent screen")

	return cmd
}
