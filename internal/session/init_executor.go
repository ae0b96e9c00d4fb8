package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/provider"
	"github.com/repobox/runner/internal/rediskeys"
)

// InitExecutor prepares a session workspace: clone plus feature branch.
// It is idempotent; redelivered messages find the clone and skip it.
type InitExecutor struct {
	sessions  Store
	providers provider.Store
	sink      output.Sink
	tempDir   string
	gitAuthor git.Options
	logger    *logger.Logger
}

// NewInitExecutor creates an InitExecutor.
func NewInitExecutor(sessions Store, providers provider.Store, sink output.Sink, tempDir string, gitAuthor git.Options, log *logger.Logger) *InitExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &InitExecutor{
		sessions:  sessions,
		providers: providers,
		sink:      sink,
		tempDir:   tempDir,
		gitAuthor: gitAuthor,
		logger:    log.WithFields(zap.String("component", "init_executor")),
	}
}

// Execute handles one init message.
func (e *InitExecutor) Execute(ctx context.Context, msg *InitMessage) error {
	log := e.logger.WithSessionID(msg.SessionID)
	log.Info("initializing work session",
		zap.String("user_id", msg.UserID),
		zap.String("repo", msg.RepoName))

	workDir := WorkDir(e.tempDir, msg.SessionID)

	// Redelivery after a crash lands here with the clone already on disk.
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err == nil {
		e.emit(ctx, msg.SessionID, output.StreamStdout, "Repository already initialized, skipping clone.")
		return e.sessions.UpdateStatus(ctx, msg.SessionID, StatusReady, nil)
	}

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return e.failSession(ctx, msg.SessionID, fmt.Errorf("failed to create workdir: %w", err))
	}

	prov, err := e.providers.Get(ctx, msg.UserID, msg.ProviderID)
	if err != nil {
		return e.failSession(ctx, msg.SessionID, fmt.Errorf("failed to get provider: %w", err))
	}

	opts := e.gitAuthor
	opts.Token = prov.Token.Plaintext()
	g := git.New(opts, log)

	e.emit(ctx, msg.SessionID, output.StreamStdout, "Cloning repository...")
	if err := g.Clone(ctx, msg.RepoURL, workDir); err != nil {
		return e.failSession(ctx, msg.SessionID, fmt.Errorf("clone failed: %w", err))
	}
	e.emit(ctx, msg.SessionID, output.StreamStdout, "Clone completed.")

	branch := WorkBranchName(msg.SessionID)
	e.emit(ctx, msg.SessionID, output.StreamStdout, fmt.Sprintf("Creating branch %s...", branch))
	if err := g.CreateBranch(ctx, workDir, branch); err != nil {
		return e.failSession(ctx, msg.SessionID, fmt.Errorf("create branch failed: %w", err))
	}

	e.emit(ctx, msg.SessionID, output.StreamStdout, "Work session ready. You can now submit prompts.")
	log.Info("work session initialized", zap.String("branch", branch))

	return e.sessions.UpdateStatus(ctx, msg.SessionID, StatusReady, map[string]interface{}{
		"work_branch": branch,
	})
}

// failSession moves the session to failed with a masked error. Git errors
// arrive pre-masked; nothing else in this path ever sees the token.
// The writes run detached so a JOB_TIMEOUT that caused the failure cannot
// also kill the bookkeeping.
func (e *InitExecutor) failSession(ctx context.Context, sessionID string, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown: stay initializing, the unacked message replays.
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	e.logger.WithSessionID(sessionID).Error("session initialization failed", zap.Error(cause))
	e.emit(ctx, sessionID, output.StreamStderr, fmt.Sprintf("Initialization failed: %v", cause))

	if err := e.sessions.UpdateStatus(ctx, sessionID, StatusFailed, map[string]interface{}{
		"error_message": cause.Error(),
	}); err != nil {
		e.logger.WithSessionID(sessionID).Error("failed to mark session failed", zap.Error(err))
	}
	return cause
}

func (e *InitExecutor) emit(ctx context.Context, sessionID, stream, text string) {
	e.sink.Append(ctx, rediskeys.WorkSessionOutputKey(sessionID), output.RunnerLine(stream, text))
}
