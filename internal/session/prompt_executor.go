package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/job"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/rediskeys"
)

// PromptExecutor runs one prompt inside an existing session workspace.
// Nothing is committed here; the push executor commits the accumulated
// tree, so diff stats are computed against the dirty working tree.
type PromptExecutor struct {
	sessions Store
	jobs     job.Store
	agent    agent.Agent
	sink     output.Sink
	tempDir  string
	logger   *logger.Logger
}

// NewPromptExecutor creates a PromptExecutor.
func NewPromptExecutor(sessions Store, jobs job.Store, ag agent.Agent, sink output.Sink, tempDir string, log *logger.Logger) *PromptExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &PromptExecutor{
		sessions: sessions,
		jobs:     jobs,
		agent:    ag,
		sink:     sink,
		tempDir:  tempDir,
		logger:   log.WithFields(zap.String("component", "prompt_executor")),
	}
}

// Execute handles one prompt message.
func (e *PromptExecutor) Execute(ctx context.Context, msg *PromptMessage) error {
	log := e.logger.WithSessionID(msg.SessionID).WithJobID(msg.JobID)

	sess, err := e.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return e.failJobOnly(ctx, msg, fmt.Sprintf("session not found: %v", err))
	}

	// A redelivered message after a worker crash finds the session still
	// marked running; accept it, the previous handler is gone.
	if sess.Status != StatusReady && sess.Status != StatusRunning {
		return e.failJobOnly(ctx, msg, fmt.Sprintf("session is %s, not ready", sess.Status))
	}

	workDir := WorkDir(e.tempDir, msg.SessionID)
	if _, err := os.Stat(workDir); err != nil {
		return e.failJob(ctx, msg, "session workdir not found")
	}

	if err := e.sessions.UpdateStatus(ctx, msg.SessionID, StatusRunning, nil); err != nil {
		return err
	}
	if err := e.jobs.UpdateStatus(ctx, msg.JobID, job.StatusRunning, map[string]interface{}{
		"started_at": nowMillis(),
	}); err != nil {
		log.Error("failed to mark job running", zap.Error(err))
	}

	e.emit(ctx, msg.SessionID, output.RunnerLine(output.StreamStdout,
		"Running prompt: "+truncate(msg.Prompt, 100)))
	log.Info("executing prompt")

	outputKey := rediskeys.WorkSessionOutputKey(msg.SessionID)
	execErr := e.agent.Execute(ctx, agent.ExecuteOptions{
		WorkDir:     workDir,
		Prompt:      msg.Prompt,
		Environment: msg.Environment,
		JobID:       msg.JobID,
		Output: func(stream, line string) {
			e.sink.Append(ctx, outputKey, output.AgentLine(stream, line))
		},
	})
	if execErr != nil {
		// Shutdown interruptions are not failures. Record cancelled on
		// the job, leave the session running and the message unacked so
		// another runner replays the prompt.
		var agentErr *agent.ExecutionError
		if errors.As(execErr, &agentErr) && agentErr.Kind == agent.KindCancelled {
			wctx := context.WithoutCancel(ctx)
			if err := e.jobs.UpdateStatus(wctx, msg.JobID, job.StatusCancelled, map[string]interface{}{
				"finished_at": nowMillis(),
			}); err != nil {
				log.Error("failed to mark job cancelled", zap.Error(err))
			}
			log.Info("prompt interrupted by shutdown")
			return execErr
		}
		e.emit(context.WithoutCancel(ctx), msg.SessionID, output.RunnerLine(output.StreamStderr,
			fmt.Sprintf("Prompt failed: %v", execErr)))
		return e.failJob(ctx, msg, execErr.Error())
	}

	// Diff against HEAD so multiple uncommitted prompts accumulate.
	g := git.New(git.Options{}, log)
	added, removed, err := g.DiffStats(ctx, workDir)
	if err != nil {
		log.Warn("failed to compute diff stats", zap.Error(err))
		added, removed = 0, 0
	}

	if err := e.jobs.UpdateStatus(ctx, msg.JobID, job.StatusSuccess, map[string]interface{}{
		"finished_at":   nowMillis(),
		"lines_added":   added,
		"lines_removed": removed,
	}); err != nil {
		log.Error("failed to mark job success", zap.Error(err))
	}

	if _, err := e.sessions.Increment(ctx, msg.SessionID, "job_count", 1); err != nil {
		log.Error("failed to bump job count", zap.Error(err))
	}
	if err := e.sessions.UpdateStatus(ctx, msg.SessionID, StatusReady, map[string]interface{}{
		"error_message":       "",
		"last_job_status":     string(job.StatusSuccess),
		"total_lines_added":   added,
		"total_lines_removed": removed,
	}); err != nil {
		return err
	}

	e.emit(ctx, msg.SessionID, output.RunnerLine(output.StreamStdout,
		fmt.Sprintf("Prompt completed (+%d/-%d lines).", added, removed)))
	log.Info("prompt completed", zap.Int("lines_added", added), zap.Int("lines_removed", removed))
	return nil
}

// failJob records the failure on the job and the session; the session
// stays ready so the user can retry. The writes run detached: the
// failure being recorded is often the executor's own dead context
// (JOB_TIMEOUT), which must not also kill the bookkeeping.
func (e *PromptExecutor) failJob(ctx context.Context, msg *PromptMessage, reason string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown: leave state untouched for replay.
		return fmt.Errorf("prompt execution interrupted: %s", reason)
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.sessions.UpdateStatus(ctx, msg.SessionID, StatusReady, map[string]interface{}{
		"error_message":   reason,
		"last_job_status": string(job.StatusFailed),
	}); err != nil {
		e.logger.WithSessionID(msg.SessionID).Error("failed to record failure on session", zap.Error(err))
	}
	return e.failJobOnly(ctx, msg, reason)
}

// failJobOnly fails the job without touching session state, for cases
// where the session is missing or not in a promptable state.
func (e *PromptExecutor) failJobOnly(ctx context.Context, msg *PromptMessage, reason string) error {
	ctx = context.WithoutCancel(ctx)
	log := e.logger.WithSessionID(msg.SessionID).WithJobID(msg.JobID)
	log.Error("prompt failed", zap.String("reason", reason))

	if err := e.jobs.UpdateStatus(ctx, msg.JobID, job.StatusFailed, map[string]interface{}{
		"finished_at":   nowMillis(),
		"error_message": reason,
	}); err != nil {
		log.Error("failed to mark job failed", zap.Error(err))
	}
	return fmt.Errorf("prompt execution failed: %s", reason)
}

func (e *PromptExecutor) emit(ctx context.Context, sessionID string, line output.Line) {
	e.sink.Append(ctx, rediskeys.WorkSessionOutputKey(sessionID), line)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
