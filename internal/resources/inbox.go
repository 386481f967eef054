package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcptools/gmail-mcp/internal/gmail"
	"github.com/mcptools/gmail-mcp/internal/instrumentation"
	"github.com/mcptools/gmail-mcp/internal/server"
)

// RecentInboxURI identifies the recent-inbox resource.
const RecentInboxURI = "mail://inbox/recent"

// RegisterInboxResources registers the inbox resources with the MCP server.
func RegisterInboxResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	recentResource := mcp.NewResource(
		RecentInboxURI,
		"Recent Inbox Messages",
		mcp.WithResourceDescription("The 10 most recent messages in the Gmail inbox"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(recentResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleRecentInbox(ctx, request, sc)
	})

	return nil
}

// handleRecentInbox returns the most recent inbox messages. Each read
// fetches fresh state; nothing is cached between reads.
func handleRecentInbox(ctx context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	client, err := sc.GmailClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Gmail authentication failed: %w", err)
	}

	start := time.Now()
	summaries, err := client.ListRecent(ctx, gmail.DefaultMaxResults)
	duration := time.Since(start)

	if err != nil {
		sc.Metrics().RecordGmailAPIOperation(ctx, "list_recent", instrumentation.StatusError, duration)
		return nil, fmt.Errorf("failed to list inbox messages: %w", err)
	}
	sc.Metrics().RecordGmailAPIOperation(ctx, "list_recent", instrumentation.StatusSuccess, duration)

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages: %w", err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
