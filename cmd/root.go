package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the gmail-mcp application
var rootCmd = &cobra.Command{
	Use:   "gmail-mcp",
	Short: "MCP server exposing read-only Gmail access",
	Long: `gmail-mcp is a Model Context Protocol (MCP) server that gives AI
assistants read-only access to a Gmail inbox.

It exposes the 10 most recent inbox messages as a resource and a
search_emails tool backed by Gmail's native query syntax. Authentication
uses a local OAuth consent flow; tokens are cached on disk and refreshed
silently.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "gmail-mcp version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newVersionCmd())
}
