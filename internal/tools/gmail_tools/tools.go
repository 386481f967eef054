package gmail_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcptools/gmail-mcp/internal/gmail"
	"github.com/mcptools/gmail-mcp/internal/instrumentation"
	"github.com/mcptools/gmail-mcp/internal/server"
	"github.com/mcptools/gmail-mcp/internal/tools/common"
)

// maxResultsFromArgs extracts the max_results argument, falling back to the
// default. JSON numbers arrive as float64.
func maxResultsFromArgs(args map[string]interface{}) int64 {
	if v, ok := args["max_results"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			return int64(f)
		}
	}
	return gmail.DefaultMaxResults
}

// RegisterGmailTools registers all Gmail-related tools with the MCP server.
func RegisterGmailTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	searchTool := mcp.NewTool("search_emails",
		mcp.WithDescription("Search Gmail messages using Gmail's query syntax"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Gmail search query (e.g., 'from:user@example.com', 'subject:invoice is:unread')"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of results to return (default: 10)"),
		),
	)

	s.AddTool(searchTool, common.InstrumentedToolHandler("search_emails", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleSearchEmails(ctx, request, sc)
		}))

	return nil
}

func handleSearchEmails(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	maxResults := maxResultsFromArgs(args)

	client, err := sc.GmailClient(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Gmail authentication failed: %v", err)), nil
	}

	start := time.Now()
	summaries, err := client.Search(ctx, query, maxResults)
	duration := time.Since(start)

	if err != nil {
		sc.Metrics().RecordGmailAPIOperation(ctx, "search", instrumentation.StatusError, duration)
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	sc.Metrics().RecordGmailAPIOperation(ctx, "search", instrumentation.StatusSuccess, duration)

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}
