// Package dispatcher runs one consumer loop per stream, feeding parsed
// messages to the worker pool. All loops share one consumer identity, so
// the group's pending entries for that identity survive a crash and are
// reclaimed on the next start.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/repobox/runner/internal/admission"
	apperrors "github.com/repobox/runner/internal/common/errors"
	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/executor"
	"github.com/repobox/runner/internal/job"
	"github.com/repobox/runner/internal/rediskeys"
	"github.com/repobox/runner/internal/session"
	"github.com/repobox/runner/internal/stream"
	"github.com/repobox/runner/internal/worker"
)

const (
	// readBlock is the per-iteration blocking read timeout.
	readBlock = 5 * time.Second

	// claimIdle is how long a pending message may sit with a dead consumer
	// before any dispatcher takes it over.
	claimIdle = 5 * time.Minute

	// claimInterval is how often each loop sweeps for stale pending
	// messages after the startup sweep.
	claimInterval = time.Minute

	// admissionRetryDelay is the pause after an admission rejection before
	// the loop re-reads its own pending entries.
	admissionRetryDelay = 100 * time.Millisecond

	// readErrorDelay throttles the loop when the store is unreachable.
	readErrorDelay = time.Second

	// pendingReadBatch is the read size on the pending-retry path. The
	// PEL starts with the messages workers are still running, so a
	// single-entry read could never reach the rejected one behind them.
	pendingReadBatch = 100
)

// Executors bundles the per-stream handlers.
type Executors struct {
	Init   *session.InitExecutor
	Prompt *session.PromptExecutor
	Push   *session.PushExecutor
	Legacy *executor.LegacyExecutor
}

// Options configures a Dispatcher.
type Options struct {
	Consumer       string // consumer name within each group
	MaxJobsPerUser int
	JobTimeout     time.Duration
}

// Dispatcher consumes the four streams.
type Dispatcher struct {
	streams   stream.Client
	pool      *worker.Pool
	admission admission.Controller
	sessions  session.Store
	jobs      job.Store
	execs     Executors
	opts      Options
	logger    *logger.Logger

	// inFlight marks messages currently owned by a worker, keyed
	// stream/id. Pending re-reads and claim sweeps can both return such
	// messages; dispatching them again would run the same work twice.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Dispatcher.
func New(streams stream.Client, pool *worker.Pool, adm admission.Controller, sessions session.Store, jobs job.Store, execs Executors, opts Options, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		streams:   streams,
		pool:      pool,
		admission: adm,
		sessions:  sessions,
		jobs:      jobs,
		execs:     execs,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "dispatcher")),
		inFlight:  make(map[string]struct{}),
	}
}

// Run consumes all streams until the context is cancelled. A loop only
// returns an error when its consumer group cannot be created.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	streams := []string{
		rediskeys.SessionInitStream,
		rediskeys.SessionJobStream,
		rediskeys.SessionPushStream,
		rediskeys.LegacyJobStream,
	}
	for _, name := range streams {
		name := name
		g.Go(func() error { return d.consume(ctx, name) })
	}
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, streamName string) error {
	group := rediskeys.Group(streamName)
	log := d.logger.WithFields(zap.String("stream", streamName))

	if err := d.streams.EnsureGroup(ctx, streamName, group); err != nil {
		return err
	}

	// Startup sweep: whatever a dead runner left pending is ours now.
	fromPending := d.claimStale(ctx, streamName, group, log)
	lastClaim := time.Now()

	log.Info("consuming stream", zap.String("consumer", d.opts.Consumer))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastClaim) >= claimInterval {
			if d.claimStale(ctx, streamName, group, log) {
				fromPending = true
			}
			lastClaim = time.Now()
		}

		count := int64(1)
		if fromPending {
			count = pendingReadBatch
		}
		msgs, err := d.streams.Read(ctx, streamName, group, d.opts.Consumer, count, readBlock, fromPending)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorDelay):
			}
			continue
		}
		if len(msgs) == 0 {
			// Own pending drained, go back to new entries.
			fromPending = false
			continue
		}

		rejected := false
		for _, m := range msgs {
			if d.dispatch(ctx, m, log) {
				rejected = true
			}
		}
		if rejected {
			// Leave the message in our pending list and retry it shortly;
			// a 5 min reclaim cycle would be far too slow here. The
			// re-read also returns messages workers are still running;
			// dispatch skips those via the in-flight set.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(admissionRetryDelay):
			}
			fromPending = true
		} else {
			fromPending = false
		}
	}
}

// claimStale takes over messages idle past claimIdle. The return value
// reports an admission rejection among them, so the caller switches to
// the fast pending-retry path instead of waiting out another idle cycle.
func (d *Dispatcher) claimStale(ctx context.Context, streamName, group string, log *logger.Logger) (rejected bool) {
	msgs, err := d.streams.Claim(ctx, streamName, group, d.opts.Consumer, claimIdle)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to claim stale messages", zap.Error(err))
		}
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	log.Info("claimed stale messages", zap.Int("count", len(msgs)))
	for _, m := range msgs {
		if d.dispatch(ctx, m, log) {
			rejected = true
		}
	}
	return rejected
}

// dispatch parses one message and hands it to the pool. The return value
// reports an admission rejection, the only case where the message must
// not be acknowledged.
func (d *Dispatcher) dispatch(ctx context.Context, m stream.Message, log *logger.Logger) (rejected bool) {
	// Already owned by a worker: a pending re-read or a claim sweep
	// returned it, nothing to do.
	if d.isInFlight(m) {
		return false
	}

	task, err := d.buildTask(m)
	if err != nil {
		// Malformed entries are acked and dropped so they cannot wedge the
		// group.
		log.Error("dropping poison message",
			zap.String("message_id", m.ID),
			zap.Error(err))
		d.ack(ctx, m, log)
		return false
	}

	if task.ReleaseAdmission {
		ok, err := d.admission.TryAcquire(ctx, task.UserID, d.opts.MaxJobsPerUser)
		if err != nil {
			log.Warn("admission check failed", zap.Error(err))
			return true
		}
		if !ok {
			log.Debug("admission rejected",
				zap.String("user_id", task.UserID),
				zap.String("message_id", m.ID))
			return true
		}
	}

	key := flightKey(m)
	d.markInFlight(key)
	task.Done = func() { d.clearInFlight(key) }

	if err := d.pool.Submit(ctx, task); err != nil {
		// Shutting down: the message stays pending for the next runner,
		// but the slot we just took must not leak.
		d.clearInFlight(key)
		if task.ReleaseAdmission {
			d.admission.Release(context.WithoutCancel(ctx), task.UserID)
		}
		return false
	}
	return false
}

func flightKey(m stream.Message) string {
	return m.Stream + "/" + m.ID
}

func (d *Dispatcher) isInFlight(m stream.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[flightKey(m)]
	return ok
}

func (d *Dispatcher) markInFlight(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[key] = struct{}{}
}

func (d *Dispatcher) clearInFlight(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, key)
}

// buildTask parses the message for its stream and binds the executor with
// the per-job deadline.
func (d *Dispatcher) buildTask(m stream.Message) (worker.Task, error) {
	task := worker.Task{Stream: m.Stream, MessageID: m.ID}

	switch m.Stream {
	case rediskeys.SessionInitStream:
		msg, err := session.ParseInitMessage(m.Values)
		if err != nil {
			return task, err
		}
		task.UserID = msg.UserID
		task.Execute = d.withTimeout(func(ctx context.Context) error {
			return d.execs.Init.Execute(ctx, msg)
		})
		task.OnPanic = func(ctx context.Context, _ interface{}) {
			d.markSession(ctx, msg.SessionID, session.StatusFailed, map[string]interface{}{
				"error_message": "internal error",
			})
		}

	case rediskeys.SessionJobStream:
		msg, err := session.ParsePromptMessage(m.Values)
		if err != nil {
			return task, err
		}
		task.UserID = msg.UserID
		task.ReleaseAdmission = true
		task.Execute = d.withTimeout(func(ctx context.Context) error {
			return d.execs.Prompt.Execute(ctx, msg)
		})
		task.OnPanic = func(ctx context.Context, _ interface{}) {
			d.markJob(ctx, msg.JobID, "internal error")
			d.markSession(ctx, msg.SessionID, session.StatusReady, map[string]interface{}{
				"error_message":   "internal error",
				"last_job_status": string(job.StatusFailed),
			})
		}

	case rediskeys.SessionPushStream:
		msg, err := session.ParsePushMessage(m.Values)
		if err != nil {
			return task, err
		}
		task.UserID = msg.UserID
		task.Execute = d.withTimeout(func(ctx context.Context) error {
			return d.execs.Push.Execute(ctx, msg)
		})
		task.OnPanic = func(ctx context.Context, _ interface{}) {
			d.markSession(ctx, msg.SessionID, session.StatusReady, map[string]interface{}{
				"mr_warning": "internal error",
			})
		}

	case rediskeys.LegacyJobStream:
		msg, err := executor.ParseLegacyJobMessage(m.Values)
		if err != nil {
			return task, err
		}
		task.Execute = d.withTimeout(func(ctx context.Context) error {
			return d.execs.Legacy.Execute(ctx, msg)
		})
		task.OnPanic = func(ctx context.Context, _ interface{}) {
			d.markJob(ctx, msg.JobID, "internal error")
		}

	default:
		return task, apperrors.PoisonMessage("message from unknown stream " + m.Stream)
	}

	return task, nil
}

func (d *Dispatcher) withTimeout(fn func(ctx context.Context) error) func(ctx context.Context) error {
	timeout := d.opts.JobTimeout
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return fn(ctx)
	}
}

// markSession records a panic outcome. Detached from the caller's
// context: the panic may well be a consequence of that context dying.
func (d *Dispatcher) markSession(ctx context.Context, sessionID string, status session.Status, patch map[string]interface{}) {
	ctx = context.WithoutCancel(ctx)
	if err := d.sessions.UpdateStatus(ctx, sessionID, status, patch); err != nil {
		d.logger.Error("failed to record panic on session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (d *Dispatcher) markJob(ctx context.Context, jobID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := d.jobs.UpdateStatus(ctx, jobID, job.StatusFailed, map[string]interface{}{
		"finished_at":   time.Now().UnixMilli(),
		"error_message": reason,
	}); err != nil {
		d.logger.Error("failed to record panic on job",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func (d *Dispatcher) ack(ctx context.Context, m stream.Message, log *logger.Logger) {
	if err := d.streams.Ack(ctx, m.Stream, rediskeys.Group(m.Stream), m.ID); err != nil {
		log.Error("failed to ack message", zap.String("message_id", m.ID), zap.Error(err))
	}
}
