// Package gmail_tools registers the Gmail-backed MCP tools.
package gmail_tools
