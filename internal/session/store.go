package session

import (
	"context"
	"time"
)

// Store persists session hashes. Writes are blind field merges; the
// per-session ordering guarantee comes from stream partitioning, not from
// store-level CAS.
type Store interface {
	// Get returns the parsed session, or a NOT_FOUND AppError.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// UpdateStatus merges the status, the patch fields, and a fresh
	// last_activity_at into the session hash.
	UpdateStatus(ctx context.Context, sessionID string, status Status, patch map[string]interface{}) error

	// Increment atomically adds delta to a numeric session field and
	// returns the new value.
	Increment(ctx context.Context, sessionID string, field string, delta int64) (int64, error)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
