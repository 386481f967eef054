// Package gmail provides a thin read-only client over the Gmail API.
//
// It exposes exactly two operations: listing the most recent inbox messages
// and searching messages with Gmail's native query grammar. Remote message
// records are normalized into a fixed Summary shape; nothing is cached and
// nothing is ever written to the mailbox.
package gmail
