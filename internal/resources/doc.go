// Package resources registers the MCP resources exposed by the server.
package resources
