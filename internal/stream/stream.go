// Package stream abstracts consumer-grouped message streams. The pending
// entries list of each group doubles as the runner's crash-recovery
// inventory: messages are acknowledged only after their executor returns.
package stream

import (
	"context"
	"time"
)

// Message is one stream entry. Values is a flat map of string fields.
type Message struct {
	ID     string
	Stream string
	Values map[string]string
}

// Client is the consumer-group contract used by the dispatchers.
type Client interface {
	// EnsureGroup creates the consumer group (and the stream if missing).
	// Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Read fetches up to count messages for the consumer. With fromPending
	// it re-reads the consumer's own pending entries instead of new ones.
	// A nil slice with nil error means the block timeout elapsed.
	Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, fromPending bool) ([]Message, error)

	// Claim transfers messages pending longer than minIdle from any
	// consumer in the group to this one.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error)

	// Ack removes a message from the group's pending list.
	Ack(ctx context.Context, stream, group, id string) error

	// Add appends a message to the stream and returns its ID.
	Add(ctx context.Context, stream string, values map[string]string) (string, error)
}
