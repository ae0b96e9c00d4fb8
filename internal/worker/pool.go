// Package worker provides the fixed-size pool that executes dispatched
// messages. Acknowledgement is the worker's responsibility: it happens
// after the executor returns, success or failure, so the pending-entries
// list is always the crash-recovery inventory.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/rediskeys"
	"github.com/repobox/runner/internal/stream"
)

// ackTimeout bounds the post-executor acknowledgement, which must go
// through even when the shutdown context is already cancelled.
const ackTimeout = 5 * time.Second

// Task is one dispatched message bound to its executor.
type Task struct {
	Stream    string
	MessageID string
	UserID    string

	// Execute runs the executor. The context carries the per-job deadline.
	Execute func(ctx context.Context) error

	// OnPanic records a recovered executor panic on the relevant
	// session/job before the message is acknowledged. Optional.
	OnPanic func(ctx context.Context, recovered interface{})

	// ReleaseAdmission frees the user's admission slot after the message
	// is acknowledged. Set for prompt-stream tasks only.
	ReleaseAdmission bool

	// Done runs after the task's terminal bookkeeping, acked or not.
	// Optional; the dispatcher uses it to drop its in-flight marker.
	Done func()
}

// ReleaseFunc frees one admission slot for a user.
type ReleaseFunc func(ctx context.Context, userID string)

// Pool drains a bounded task channel with a fixed number of workers.
type Pool struct {
	tasks   chan Task
	streams stream.Client
	release ReleaseFunc
	logger  *logger.Logger

	wg sync.WaitGroup
}

// NewPool creates a Pool with the given worker count. release may be nil
// when no task carries ReleaseAdmission.
func NewPool(workers int, streams stream.Client, release ReleaseFunc, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		tasks:   make(chan Task, workers),
		streams: streams,
		release: release,
		logger:  log.WithFields(zap.String("component", "worker_pool")),
	}
}

// Start launches the workers. They drain the channel until Stop closes it.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < cap(p.tasks); i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				p.handle(ctx, t)
			}
		}()
	}
}

// Submit queues a task, blocking while all workers are busy and the
// channel is full. Returns the context error on cancellation.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for in-flight executors to finish.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) handle(ctx context.Context, t Task) {
	interrupted := false

	// Registered first so it runs after the recover defer: the message is
	// acknowledged even when the executor panicked.
	defer func() { p.finish(ctx, t, interrupted) }()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panicked",
				zap.String("stream", t.Stream),
				zap.String("message_id", t.MessageID),
				zap.Any("panic", r))
			if t.OnPanic != nil {
				t.OnPanic(ctx, r)
			}
		}
	}()

	if err := t.Execute(ctx); err != nil {
		// A shutdown cancellation is not an outcome. The message stays
		// pending so another runner replays the work.
		if ctx.Err() != nil {
			interrupted = true
			p.logger.Info("executor interrupted by shutdown",
				zap.String("stream", t.Stream),
				zap.String("message_id", t.MessageID))
			return
		}
		p.logger.Warn("executor finished with error",
			zap.String("stream", t.Stream),
			zap.String("message_id", t.MessageID),
			zap.Error(err))
	}
}

// finish acknowledges the message and releases the admission slot. Runs
// on a detached context so a shutdown in progress cannot lose the ack of
// completed work. Interrupted tasks keep their message pending but still
// free the slot; the replaying runner acquires its own.
func (p *Pool) finish(ctx context.Context, t Task, interrupted bool) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if !interrupted {
		if err := p.streams.Ack(ackCtx, t.Stream, rediskeys.Group(t.Stream), t.MessageID); err != nil {
			p.logger.Error("failed to ack message",
				zap.String("stream", t.Stream),
				zap.String("message_id", t.MessageID),
				zap.Error(err))
		}
	}
	if t.ReleaseAdmission && p.release != nil {
		p.release(ackCtx, t.UserID)
	}
	if t.Done != nil {
		t.Done()
	}
}
