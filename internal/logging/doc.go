// Package logging provides structured logging utilities built on log/slog.
//
// Logs are written to stderr so that stdout stays reserved for the MCP
// stdio transport. Attribute helpers keep key names consistent across the
// codebase, and sanitizers prevent tokens from leaking into log output.
package logging
