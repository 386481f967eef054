// Package cmd implements the gmail-mcp command line interface.
package cmd
