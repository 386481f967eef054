package gmail

import (
	"fmt"

	gmail "google.golang.org/api/gmail/v1"
)

// Summary is the normalized projection of a remote mail record. It is
// constructed per request and discarded after the response is sent.
type Summary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
}

// NewSummary maps a Gmail message into a Summary. Missing optional headers
// fall back to placeholder values instead of failing; the remote response
// shape is not under our control.
func NewSummary(msg *gmail.Message) Summary {
	s := Summary{
		ID:      msg.Id,
		From:    "Unknown",
		Subject: "No Subject",
		Date:    "Unknown",
		Snippet: msg.Snippet,
	}
	if msg.Payload == nil {
		return s
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "From":
			s.From = h.Value
		case "Subject":
			s.Subject = h.Value
		case "Date":
			s.Date = h.Value
		}
	}
	return s
}

// ValidationError indicates a malformed caller argument. It is surfaced to
// the caller as-is; there is nothing to retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RemoteError indicates a transport or API failure talking to the Gmail
// API. No local retry or backoff is performed; the provider's own
// throttling responses surface here too.
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gmail: %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gmail: %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
