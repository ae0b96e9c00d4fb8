package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobox/runner/internal/rediskeys"
	"github.com/repobox/runner/internal/stream"
)

func deliverOne(t *testing.T, c *stream.MemoryClient, streamName string) stream.Message {
	t.Helper()
	ctx := context.Background()
	group := rediskeys.Group(streamName)
	require.NoError(t, c.EnsureGroup(ctx, streamName, group))
	_, err := c.Add(ctx, streamName, map[string]string{"k": "v"})
	require.NoError(t, err)
	msgs, err := c.Read(ctx, streamName, group, "c1", 1, 0, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestPoolAcksAfterSuccess(t *testing.T) {
	streams := stream.NewMemoryClient()
	msg := deliverOne(t, streams, "s")

	pool := NewPool(2, streams, nil, nil)
	pool.Start(context.Background())

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{
		Stream:    msg.Stream,
		MessageID: msg.ID,
		Execute: func(context.Context) error {
			close(done)
			return nil
		},
	}))
	<-done
	pool.Stop()

	assert.Equal(t, 0, streams.PendingCount("s", rediskeys.Group("s")))
}

func TestPoolAcksAfterError(t *testing.T) {
	streams := stream.NewMemoryClient()
	msg := deliverOne(t, streams, "s")

	pool := NewPool(1, streams, nil, nil)
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(context.Background(), Task{
		Stream:    msg.Stream,
		MessageID: msg.ID,
		Execute: func(context.Context) error {
			return errors.New("executor blew up")
		},
	}))
	pool.Stop()

	assert.Equal(t, 0, streams.PendingCount("s", rediskeys.Group("s")))
}

func TestPoolRecoversPanicAndStillAcks(t *testing.T) {
	streams := stream.NewMemoryClient()
	msg := deliverOne(t, streams, "s")

	var panicked atomic.Bool
	pool := NewPool(1, streams, nil, nil)
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(context.Background(), Task{
		Stream:    msg.Stream,
		MessageID: msg.ID,
		Execute: func(context.Context) error {
			panic("boom")
		},
		OnPanic: func(context.Context, interface{}) {
			panicked.Store(true)
		},
	}))

	// The worker survives the panic: a later task still runs.
	msg2 := deliverOne(t, streams, "s2")
	require.NoError(t, pool.Submit(context.Background(), Task{
		Stream:    msg2.Stream,
		MessageID: msg2.ID,
		Execute:   func(context.Context) error { return nil },
	}))
	pool.Stop()

	assert.True(t, panicked.Load())
	assert.Equal(t, 0, streams.PendingCount("s", rediskeys.Group("s")))
	assert.Equal(t, 0, streams.PendingCount("s2", rediskeys.Group("s2")))
}

func TestPoolReleasesAdmissionAfterAck(t *testing.T) {
	streams := stream.NewMemoryClient()
	msg := deliverOne(t, streams, "s")

	var released atomic.Int32
	pool := NewPool(1, streams, func(_ context.Context, userID string) {
		if userID == "u1" {
			released.Add(1)
		}
	}, nil)
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(context.Background(), Task{
		Stream:           msg.Stream,
		MessageID:        msg.ID,
		UserID:           "u1",
		ReleaseAdmission: true,
		Execute: func(context.Context) error {
			return errors.New("failed executor still releases")
		},
	}))
	pool.Stop()

	assert.Equal(t, int32(1), released.Load())
}

func TestPoolLeavesMessagePendingOnShutdown(t *testing.T) {
	streams := stream.NewMemoryClient()
	msg := deliverOne(t, streams, "s")

	var released atomic.Int32
	pool := NewPool(1, streams, func(context.Context, string) {
		released.Add(1)
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{
		Stream:           msg.Stream,
		MessageID:        msg.ID,
		UserID:           "u1",
		ReleaseAdmission: true,
		Execute: func(taskCtx context.Context) error {
			close(started)
			<-taskCtx.Done()
			return taskCtx.Err()
		},
	}))
	<-started
	cancel()
	pool.Stop()

	// The interrupted message stays pending so another runner replays
	// it; the admission slot is freed regardless.
	assert.Equal(t, 1, streams.PendingCount("s", rediskeys.Group("s")))
	assert.Equal(t, int32(1), released.Load())
}

func TestPoolSubmitHonorsCancellation(t *testing.T) {
	streams := stream.NewMemoryClient()

	pool := NewPool(1, streams, nil, nil)
	pool.Start(context.Background())

	// Fill the single worker and the channel buffer.
	block := make(chan struct{})
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			Stream:    "s",
			MessageID: "m",
			Execute: func(context.Context) error {
				<-block
				return nil
			},
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Task{
		Stream:    "s",
		MessageID: "m3",
		Execute:   func(context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	pool.Stop()
}
