package admission

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryControllerCap(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController()

	ok, err := c.TryAcquire(ctx, "u1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryAcquire(ctx, "u1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryAcquire(ctx, "u1", 2)
	require.NoError(t, err)
	assert.False(t, ok, "third acquire must be rejected at cap 2")

	// Another user is unaffected.
	ok, err = c.TryAcquire(ctx, "u2", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Release(ctx, "u1")
	ok, err = c.TryAcquire(ctx, "u1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryControllerReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController()

	c.Release(ctx, "u1")
	c.Release(ctx, "u1")
	assert.Equal(t, 0, c.InFlight("u1"))

	ok, err := c.TryAcquire(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryControllerConcurrentNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryController()
	const limit = 3
	const attempts = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.TryAcquire(ctx, "u1", limit)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			if n := c.InFlight("u1"); n > maxSeen {
				maxSeen = n
			}
			mu.Unlock()
			c.Release(ctx, "u1")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, limit)
	assert.Equal(t, 0, c.InFlight("u1"))
}
