// Package server holds shared runtime state for the MCP server: the lazily
// authenticated Gmail client, the metrics recorder, and the dedicated
// Prometheus metrics listener.
package server
