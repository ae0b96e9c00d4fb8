package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobox/runner/internal/admission"
	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/executor"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/job"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/provider"
	"github.com/repobox/runner/internal/rediskeys"
	"github.com/repobox/runner/internal/session"
	"github.com/repobox/runner/internal/stream"
	"github.com/repobox/runner/internal/worker"
)

// gateAgent blocks each execution until released, to hold prompts
// in-flight deterministically, and counts executions per job.
type gateAgent struct {
	mu      sync.Mutex
	runs    map[string]int
	waiting chan chan struct{}
}

func newGateAgent() *gateAgent {
	return &gateAgent{
		runs:    make(map[string]int),
		waiting: make(chan chan struct{}, 16),
	}
}

func (g *gateAgent) Execute(ctx context.Context, opts agent.ExecuteOptions) error {
	g.mu.Lock()
	g.runs[opts.JobID]++
	g.mu.Unlock()

	release := make(chan struct{})
	g.waiting <- release
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gateAgent) runCount(jobID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs[jobID]
}

type fixture struct {
	streams   *stream.MemoryClient
	sessions  *session.MemoryStore
	jobs      *job.MemoryStore
	providers *provider.MemoryStore
	adm       *admission.MemoryController
	pool      *worker.Pool
	disp      *Dispatcher
	tempDir   string
}

func newFixture(t *testing.T, ag agent.Agent, maxPerUser int) *fixture {
	t.Helper()
	f := &fixture{
		streams:   stream.NewMemoryClient(),
		sessions:  session.NewMemoryStore(),
		jobs:      job.NewMemoryStore(),
		providers: provider.NewMemoryStore(),
		adm:       admission.NewMemoryController(),
		tempDir:   t.TempDir(),
	}
	sink := output.NewMemorySink()
	gitAuthor := git.Options{AuthorName: "repobox", AuthorEmail: "runner@repobox.dev"}

	execs := Executors{
		Init:   session.NewInitExecutor(f.sessions, f.providers, sink, f.tempDir, gitAuthor, nil),
		Prompt: session.NewPromptExecutor(f.sessions, f.jobs, ag, sink, f.tempDir, nil),
		Push:   session.NewPushExecutor(f.sessions, f.providers, sink, f.tempDir, gitAuthor, nil),
		Legacy: executor.NewLegacyExecutor(f.jobs, f.providers, ag, sink, f.tempDir, gitAuthor, nil),
	}

	f.pool = worker.NewPool(4, f.streams, f.adm.Release, nil)
	f.disp = New(f.streams, f.pool, f.adm, f.sessions, f.jobs, execs, Options{
		Consumer:       "test-runner",
		MaxJobsPerUser: maxPerUser,
		JobTimeout:     time.Minute,
	}, nil)
	return f
}

func (f *fixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- f.disp.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		f.pool.Stop()
	})
	return cancel
}

func (f *fixture) seedReadySession(t *testing.T, id, userID string) {
	t.Helper()
	f.sessions.Put(id, map[string]string{
		"id":      id,
		"user_id": userID,
		"status":  string(session.StatusReady),
	})
	require.NoError(t, os.MkdirAll(session.WorkDir(f.tempDir, id), 0755))
}

func TestDispatcherDropsPoisonMessages(t *testing.T) {
	f := newFixture(t, newGateAgent(), 3)
	f.start(t)

	ctx := context.Background()
	_, err := f.streams.Add(ctx, rediskeys.SessionInitStream, map[string]string{
		"session_id": "s1",
		// user_id, provider_id, repo_url missing
	})
	require.NoError(t, err)

	group := rediskeys.Group(rediskeys.SessionInitStream)
	assert.Eventually(t, func() bool {
		return f.streams.PendingCount(rediskeys.SessionInitStream, group) == 0
	}, 5*time.Second, 10*time.Millisecond, "poison message must be acked and dropped")
}

func TestDispatcherRunsInitToReady(t *testing.T) {
	f := newFixture(t, newGateAgent(), 3)

	// A clone from a previous delivery exists, so the init executor takes
	// the idempotent path and no git processes run.
	require.NoError(t, os.MkdirAll(filepath.Join(session.WorkDir(f.tempDir, "s1"), ".git"), 0755))
	f.sessions.Put("s1", map[string]string{
		"id": "s1", "user_id": "u1", "status": string(session.StatusInitializing),
	})

	f.start(t)

	ctx := context.Background()
	_, err := f.streams.Add(ctx, rediskeys.SessionInitStream, map[string]string{
		"session_id":  "s1",
		"user_id":     "u1",
		"provider_id": "p1",
		"repo_url":    "https://github.com/x/y",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		sess, err := f.sessions.Get(ctx, "s1")
		return err == nil && sess.Status == session.StatusReady
	}, 5*time.Second, 10*time.Millisecond)

	group := rediskeys.Group(rediskeys.SessionInitStream)
	assert.Eventually(t, func() bool {
		return f.streams.PendingCount(rediskeys.SessionInitStream, group) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherEnforcesAdmissionCap(t *testing.T) {
	ag := newGateAgent()
	f := newFixture(t, ag, 1)
	f.seedReadySession(t, "s1", "u1")
	f.seedReadySession(t, "s2", "u1")
	f.jobs.Put("j1", map[string]string{"id": "j1", "status": "pending"})
	f.jobs.Put("j2", map[string]string{"id": "j2", "status": "pending"})

	f.start(t)

	ctx := context.Background()
	for i, ids := range [][2]string{{"s1", "j1"}, {"s2", "j2"}} {
		_, err := f.streams.Add(ctx, rediskeys.SessionJobStream, map[string]string{
			"session_id": ids[0],
			"job_id":     ids[1],
			"user_id":    "u1",
			"prompt":     "prompt " + string(rune('0'+i)),
		})
		require.NoError(t, err)
	}

	// One prompt gets through and blocks inside the agent.
	var first chan struct{}
	select {
	case first = <-ag.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("first prompt never reached the agent")
	}

	// The second stays rejected while the slot is held.
	select {
	case <-ag.waiting:
		t.Fatal("second prompt ran despite cap 1")
	case <-time.After(300 * time.Millisecond):
	}
	assert.LessOrEqual(t, f.adm.InFlight("u1"), 1)

	// Finish the first; the pending second is retried and runs.
	close(first)
	select {
	case second := <-ag.waiting:
		close(second)
	case <-time.After(5 * time.Second):
		t.Fatal("second prompt was never retried after release")
	}

	assert.Eventually(t, func() bool {
		j1, err1 := f.jobs.Get(ctx, "j1")
		j2, err2 := f.jobs.Get(ctx, "j2")
		return err1 == nil && err2 == nil &&
			j1.Status == job.StatusSuccess && j2.Status == job.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	group := rediskeys.Group(rediskeys.SessionJobStream)
	assert.Eventually(t, func() bool {
		return f.streams.PendingCount(rediskeys.SessionJobStream, group) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.adm.InFlight("u1"))
}

func TestRejectionRetryDoesNotRedeliverRunningPrompts(t *testing.T) {
	ag := newGateAgent()
	f := newFixture(t, ag, 2)
	f.seedReadySession(t, "s1", "u1")
	f.seedReadySession(t, "s2", "u2")
	f.seedReadySession(t, "s3", "u2")
	f.seedReadySession(t, "s4", "u2")
	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		f.jobs.Put(id, map[string]string{"id": id, "status": "pending"})
	}

	f.start(t)

	ctx := context.Background()
	for _, m := range []struct{ sess, jobID, user string }{
		{"s1", "j1", "u1"},
		{"s2", "j2", "u2"},
		{"s3", "j3", "u2"},
		{"s4", "j4", "u2"},
	} {
		_, err := f.streams.Add(ctx, rediskeys.SessionJobStream, map[string]string{
			"session_id": m.sess,
			"job_id":     m.jobID,
			"user_id":    m.user,
			"prompt":     "p",
		})
		require.NoError(t, err)
	}

	// j1 (u1) and both u2 slots block inside the agent; j4 is over cap.
	var gates []chan struct{}
	for i := 0; i < 3; i++ {
		select {
		case g := <-ag.waiting:
			gates = append(gates, g)
		case <-time.After(5 * time.Second):
			t.Fatalf("prompt %d never reached the agent", i)
		}
	}

	// The rejected prompt's retry path re-reads this consumer's pending
	// entries, which include the three running prompts. j1's user has a
	// free slot, but the running prompt must not start a second time.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, ag.runCount("j1"))
	assert.Equal(t, 1, ag.runCount("j2"))
	assert.Equal(t, 1, ag.runCount("j3"))
	assert.Equal(t, 0, ag.runCount("j4"))

	for _, g := range gates {
		close(g)
	}
	select {
	case g := <-ag.waiting:
		close(g)
	case <-time.After(5 * time.Second):
		t.Fatal("rejected prompt was never retried after release")
	}

	assert.Eventually(t, func() bool {
		for _, id := range []string{"j1", "j2", "j3", "j4"} {
			j, err := f.jobs.Get(ctx, id)
			if err != nil || j.Status != job.StatusSuccess {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// Still exactly one execution each.
	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		assert.Equal(t, 1, ag.runCount(id), id)
	}
	assert.Equal(t, 0, f.adm.InFlight("u1"))
	assert.Equal(t, 0, f.adm.InFlight("u2"))
}
