package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mcptools/gmail-mcp/internal/logging"
)

// DefaultMaxResults bounds result lists when the caller does not specify a
// limit.
const DefaultMaxResults = 10

// metadataHeaders are the only headers fetched per message; the Summary
// shape needs nothing else.
var metadataHeaders = []string{"Subject", "From", "Date"}

// Client wraps the Gmail Users service for read-only inbox access.
type Client struct {
	svc    *gmail.UsersService
	logger *slog.Logger
}

// NewClient creates a Gmail client. Callers pass option.WithHTTPClient with
// an OAuth-authenticated client; tests point it at a fixture endpoint
// instead.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}
	return &Client{
		svc:    svc.Users,
		logger: slog.Default(),
	}, nil
}

// ListRecent fetches up to limit of the most recent inbox messages, newest
// first. A non-positive limit falls back to DefaultMaxResults.
func (c *Client) ListRecent(ctx context.Context, limit int64) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	res, err := c.svc.Messages.List("me").
		LabelIds("INBOX").
		MaxResults(limit).
		Context(ctx).Do()
	if err != nil {
		return nil, wrapRemote("listing inbox messages", err)
	}

	c.logger.Debug("listed inbox messages",
		logging.Operation("list_recent"), "count", len(res.Messages))
	return c.summarize(ctx, res.Messages, limit)
}

// Search forwards query verbatim to Gmail's search endpoint and returns up
// to limit matches. An empty query is rejected before any remote call.
func (c *Client) Search(ctx context.Context, query string, limit int64) ([]Summary, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	res, err := c.svc.Messages.List("me").
		Q(query).
		MaxResults(limit).
		Context(ctx).Do()
	if err != nil {
		return nil, wrapRemote("searching messages", err)
	}

	c.logger.Debug("searched messages",
		logging.Operation("search"), "count", len(res.Messages))
	return c.summarize(ctx, res.Messages, limit)
}

// summarize resolves message references into Summaries via per-message
// metadata fetches, preserving the API's ordering and the requested bound.
// A failed fetch fails the whole call; partial lists are never returned as
// if they were complete.
func (c *Client) summarize(ctx context.Context, refs []*gmail.Message, limit int64) ([]Summary, error) {
	if int64(len(refs)) > limit {
		refs = refs[:limit]
	}

	summaries := make([]Summary, 0, len(refs))
	for _, ref := range refs {
		msg, err := c.svc.Messages.Get("me", ref.Id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).Do()
		if err != nil {
			return nil, wrapRemote(fmt.Sprintf("fetching message %s", ref.Id), err)
		}
		summaries = append(summaries, NewSummary(msg))
	}
	return summaries, nil
}

// wrapRemote converts an API error into a RemoteError, preserving the HTTP
// status code when the underlying error carries one.
func wrapRemote(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &RemoteError{Op: op, StatusCode: apiErr.Code, Err: err}
	}
	return &RemoteError{Op: op, Err: err}
}
