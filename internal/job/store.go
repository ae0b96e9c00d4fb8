package job

import (
	"context"
)

// Store persists job hashes. Like the session store, writes are blind
// field merges.
type Store interface {
	// Get returns the parsed job, or a NOT_FOUND AppError.
	Get(ctx context.Context, jobID string) (*Job, error)

	// UpdateStatus merges the status and the patch fields into the job
	// hash.
	UpdateStatus(ctx context.Context, jobID string, status Status, patch map[string]interface{}) error
}
