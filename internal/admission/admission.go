// Package admission bounds the number of concurrently running prompts per
// user across the whole runner fleet.
package admission

import "context"

// Controller is a soft per-user cap. TryAcquire may briefly over-shoot
// under contention; the increment-check-decrement pattern bounds the
// overshoot to the number of racing runners.
type Controller interface {
	// TryAcquire reserves one slot for the user. It returns false when the
	// user is at capacity; the reservation is rolled back before return.
	TryAcquire(ctx context.Context, userID string, limit int) (bool, error)

	// Release frees one slot. Safe to call after a failed executor.
	Release(ctx context.Context, userID string)
}
