package admission

import (
	"context"
	"sync"
)

// MemoryController is a process-local Controller for tests.
type MemoryController struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewMemoryController creates an empty MemoryController.
func NewMemoryController() *MemoryController {
	return &MemoryController{counters: make(map[string]int)}
}

// TryAcquire implements Controller.
func (c *MemoryController) TryAcquire(_ context.Context, userID string, limit int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters[userID] >= limit {
		return false, nil
	}
	c.counters[userID]++
	return true, nil
}

// Release implements Controller.
func (c *MemoryController) Release(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters[userID] > 0 {
		c.counters[userID]--
	}
}

// InFlight returns the current count for a user, for assertions.
func (c *MemoryController) InFlight(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[userID]
}
