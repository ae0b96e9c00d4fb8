package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
)

const (
	// maxLineBytes is the scanner buffer size; agent output lines can be
	// very long (minified diffs, base64 blobs).
	maxLineBytes = 1024 * 1024

	// killGracePeriod is how long a terminated child gets before the
	// process group is killed.
	killGracePeriod = 5 * time.Second
)

// ClaudeAgent runs the Claude Code CLI as a one-shot subprocess.
type ClaudeAgent struct {
	cfg    *Config
	logger *logger.Logger
}

// NewClaudeAgent creates a ClaudeAgent.
func NewClaudeAgent(cfg *Config, log *logger.Logger) *ClaudeAgent {
	if log == nil {
		log = logger.Default()
	}
	return &ClaudeAgent{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "agent")),
	}
}

// Execute implements Agent. With the agent disabled or no API key
// configured it runs in mock mode, writing a sentinel file so the rest of
// the pipeline stays testable.
func (a *ClaudeAgent) Execute(ctx context.Context, opts ExecuteOptions) error {
	if !a.cfg.Enabled || a.cfg.APIKey == "" {
		return a.executeMock(opts)
	}

	deadline := time.Duration(a.cfg.Timeout) * time.Second
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(execCtx, a.cfg.CLIPath,
		"--print",
		"--output-format", "text",
		"-p", opts.Prompt,
	)
	cmd.Dir = opts.WorkDir
	// The API key goes through the child environment, never through argv.
	cmd.Env = append(os.Environ(), "ANTHROPIC_API_KEY="+a.cfg.APIKey)
	for k, v := range opts.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Own process group so cancellation can take down the CLI together
	// with anything it spawned: SIGTERM, a grace period, then SIGKILL.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ExecutionError{Kind: KindSpawnFailure, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ExecutionError{Kind: KindSpawnFailure, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &ExecutionError{Kind: KindSpawnFailure, Err: err}
	}

	a.logger.Info("agent started",
		zap.String("job_id", opts.JobID),
		zap.Int("pid", cmd.Process.Pid))

	// Shared line budget across both streams; one truncation notice.
	var lineCount int64
	var truncated int64
	emit := func(stream, line string) {
		if opts.Output == nil {
			return
		}
		n := atomic.AddInt64(&lineCount, 1)
		limit := int64(a.cfg.MaxOutputLines)
		if limit > 0 && n > limit {
			if atomic.CompareAndSwapInt64(&truncated, 0, 1) {
				opts.Output("stderr", fmt.Sprintf("[output truncated after %d lines]", limit))
			}
			return
		}
		opts.Output(stream, line)
	}

	// Both pipes get their own scanner so neither can fill up and
	// deadlock the child.
	done := make(chan struct{}, 2)
	go func() {
		scanLines(stdout, "stdout", emit)
		done <- struct{}{}
	}()
	go func() {
		scanLines(stderr, "stderr", emit)
		done <- struct{}{}
	}()
	<-done
	<-done

	err = cmd.Wait()
	if err == nil {
		a.logger.Info("agent completed", zap.String("job_id", opts.JobID))
		return nil
	}

	if execCtx.Err() == context.DeadlineExceeded {
		a.logger.Warn("agent timed out", zap.String("job_id", opts.JobID))
		return &ExecutionError{Kind: KindTimeout, Err: err}
	}
	if ctx.Err() == context.Canceled {
		return &ExecutionError{Kind: KindCancelled, Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		a.logger.Warn("agent exited non-zero",
			zap.String("job_id", opts.JobID),
			zap.Int("exit_code", exitErr.ExitCode()))
		return &ExecutionError{Kind: KindNonZeroExit, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return &ExecutionError{Kind: KindSpawnFailure, Err: err}
}

// executeMock writes a sentinel file describing the job instead of
// invoking the CLI.
func (a *ClaudeAgent) executeMock(opts ExecuteOptions) error {
	a.logger.Info("agent disabled, running in mock mode", zap.String("job_id", opts.JobID))

	sentinel := filepath.Join(opts.WorkDir, "REPOBOX_MOCK.md")
	content := fmt.Sprintf(
		"# repobox mock execution\n\njob: %s\nenvironment: %v\n\n## prompt\n\n%s\n",
		opts.JobID, opts.Environment, opts.Prompt)
	if err := os.WriteFile(sentinel, []byte(content), 0644); err != nil {
		return &ExecutionError{Kind: KindSpawnFailure, Err: err}
	}

	if opts.Output != nil {
		opts.Output("stdout", "mock mode: agent disabled, wrote REPOBOX_MOCK.md")
	}
	return nil
}

func scanLines(r interface{ Read([]byte) (int, error) }, stream string, emit func(stream, line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		emit(stream, scanner.Text())
	}
}
