// Package executor handles the legacy single-shot job stream: one message
// clones, runs the agent, commits, pushes and opens an MR, with no session
// in between.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/agent"
	apperrors "github.com/repobox/runner/internal/common/errors"
	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/job"
	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/provider"
	"github.com/repobox/runner/internal/rediskeys"
)

// LegacyJobMessage is the envelope on the legacy stream. The job record
// itself lives in the store.
type LegacyJobMessage struct {
	JobID      string
	ProviderID string
}

// ParseLegacyJobMessage validates a raw legacy-stream entry.
func ParseLegacyJobMessage(values map[string]string) (*LegacyJobMessage, error) {
	for _, f := range []string{"job_id", "provider_id"} {
		if values[f] == "" {
			return nil, apperrors.PoisonMessage(fmt.Sprintf("legacy job message missing %s", f))
		}
	}
	return &LegacyJobMessage{
		JobID:      values["job_id"],
		ProviderID: values["provider_id"],
	}, nil
}

// LegacyExecutor runs one-shot jobs.
type LegacyExecutor struct {
	jobs      job.Store
	providers provider.Store
	agent     agent.Agent
	sink      output.Sink
	tempDir   string
	gitAuthor git.Options
	logger    *logger.Logger
}

// NewLegacyExecutor creates a LegacyExecutor.
func NewLegacyExecutor(jobs job.Store, providers provider.Store, ag agent.Agent, sink output.Sink, tempDir string, gitAuthor git.Options, log *logger.Logger) *LegacyExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &LegacyExecutor{
		jobs:      jobs,
		providers: providers,
		agent:     ag,
		sink:      sink,
		tempDir:   tempDir,
		gitAuthor: gitAuthor,
		logger:    log.WithFields(zap.String("component", "legacy_executor")),
	}
}

// Execute handles one legacy job message.
func (e *LegacyExecutor) Execute(ctx context.Context, msg *LegacyJobMessage) error {
	j, err := e.jobs.Get(ctx, msg.JobID)
	if err != nil {
		return e.failJob(ctx, msg.JobID, fmt.Errorf("failed to load job: %w", err))
	}

	log := e.logger.WithJobID(j.ID).WithFields(
		zap.String("user_id", j.UserID),
		zap.String("repo", j.RepoName))

	if err := e.jobs.UpdateStatus(ctx, j.ID, job.StatusRunning, map[string]interface{}{
		"started_at": nowMillis(),
	}); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	// One-shot jobs get a throwaway directory, removed on the way out.
	workDir := filepath.Join(e.tempDir, j.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return e.failJob(ctx, j.ID, fmt.Errorf("failed to create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("failed to clean up work dir", zap.Error(err))
		}
	}()

	prov, err := e.providers.Get(ctx, j.UserID, msg.ProviderID)
	if err != nil {
		return e.failJob(ctx, j.ID, fmt.Errorf("failed to get provider: %w", err))
	}

	log.Info("starting job execution")
	e.emit(ctx, j.ID, output.StreamStdout, "Starting job execution...")
	e.emit(ctx, j.ID, output.StreamStdout, fmt.Sprintf("Cloning %s...", j.RepoName))

	opts := e.gitAuthor
	opts.Token = prov.Token.Plaintext()
	g := git.New(opts, log)

	repoPath := filepath.Join(workDir, "repo")
	if err := g.Clone(ctx, j.RepoURL, repoPath); err != nil {
		return e.failJob(ctx, j.ID, fmt.Errorf("clone failed: %w", err))
	}
	e.emit(ctx, j.ID, output.StreamStdout, "Clone completed.")

	targetBranch := j.BaseBranch
	if targetBranch == "" {
		targetBranch = "main"
	}

	branch := fmt.Sprintf("repobox/%s", shortID(j.ID))
	e.emit(ctx, j.ID, output.StreamStdout, fmt.Sprintf("Creating branch %s...", branch))
	if err := g.CreateBranch(ctx, repoPath, branch); err != nil {
		return e.failJob(ctx, j.ID, fmt.Errorf("create branch failed: %w", err))
	}

	e.emit(ctx, j.ID, output.StreamStdout, "Executing AI agent...")
	outputKey := rediskeys.JobOutputKey(j.ID)
	if err := e.agent.Execute(ctx, agent.ExecuteOptions{
		WorkDir: repoPath,
		Prompt:  j.Prompt,
		JobID:   j.ID,
		Output: func(stream, line string) {
			e.sink.Append(ctx, outputKey, output.AgentLine(stream, line))
		},
	}); err != nil {
		// Shutdown interruptions are not failures: mark cancelled, leave
		// the message unacked for another runner to replay.
		var agentErr *agent.ExecutionError
		if errors.As(err, &agentErr) && agentErr.Kind == agent.KindCancelled {
			wctx := context.WithoutCancel(ctx)
			if uerr := e.jobs.UpdateStatus(wctx, j.ID, job.StatusCancelled, nil); uerr != nil {
				log.Error("failed to mark job cancelled", zap.Error(uerr))
			}
			return err
		}
		return e.failJob(ctx, j.ID, fmt.Errorf("agent execution failed: %w", err))
	}

	e.emit(ctx, j.ID, output.StreamStdout, "Committing changes...")
	added, removed, err := g.Commit(ctx, repoPath, mergerequest.GenerateTitle(j.Prompt))
	if err != nil {
		return e.failJob(ctx, j.ID, fmt.Errorf("commit failed: %w", err))
	}

	e.emit(ctx, j.ID, output.StreamStdout, "Pushing to remote...")
	if err := g.Push(ctx, repoPath, branch); err != nil {
		return e.failJob(ctx, j.ID, fmt.Errorf("push failed: %w", err))
	}
	e.emit(ctx, j.ID, output.StreamStdout, "Push completed successfully!")

	mrURL, mrWarning := e.createMergeRequest(ctx, j, prov, branch, targetBranch, added, removed)
	if mrURL != "" {
		log.Info("merge request created", zap.String("mr_url", mrURL))
		e.emit(ctx, j.ID, output.StreamStdout, "Merge request created: "+mrURL)
	} else if mrWarning != "" {
		log.Warn("merge request creation failed", zap.String("warning", mrWarning))
		e.emit(ctx, j.ID, output.StreamStderr, "Warning: "+mrWarning)
	}

	fields := map[string]interface{}{
		"finished_at":   nowMillis(),
		"branch":        branch,
		"lines_added":   added,
		"lines_removed": removed,
	}
	if mrURL != "" {
		fields["mr_url"] = mrURL
	}
	if mrWarning != "" {
		fields["mr_warning"] = mrWarning
	}
	if err := e.jobs.UpdateStatus(ctx, j.ID, job.StatusSuccess, fields); err != nil {
		log.Error("failed to mark job success", zap.Error(err))
	}

	log.Info("job completed",
		zap.String("branch", branch),
		zap.Int("lines_added", added),
		zap.Int("lines_removed", removed))
	return nil
}

func (e *LegacyExecutor) createMergeRequest(ctx context.Context, j *job.Job, prov *provider.Provider, sourceBranch, targetBranch string, added, removed int) (mrURL, warning string) {
	projectID, err := mergerequest.ExtractProjectID(j.RepoURL)
	if err != nil {
		return "", fmt.Sprintf("failed to extract project from repo url: %s", err)
	}
	client, err := mergerequest.ForProvider(prov.Type)
	if err != nil {
		return "", err.Error()
	}

	e.emit(ctx, j.ID, output.StreamStdout, "Creating merge request...")
	res, err := client.Create(ctx, mergerequest.CreateParams{
		Token:        prov.Token,
		BaseURL:      prov.BaseURL,
		ProjectID:    projectID,
		Title:        mergerequest.GenerateTitle(j.Prompt),
		Description: mergerequest.GenerateDescription(mergerequest.TemplateParams{
			Prompt:       j.Prompt,
			LinesAdded:   added,
			LinesRemoved: removed,
			BranchName:   sourceBranch,
			JobID:        j.ID,
		}),
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
	})
	if err != nil {
		return "", fmt.Sprintf("failed to create merge request: %s", err)
	}
	return res.URL, ""
}

// failJob records the terminal failure on a detached context: the cause
// may be the executor's own expired deadline.
func (e *LegacyExecutor) failJob(ctx context.Context, jobID string, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown: leave the job for replay.
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	e.logger.WithJobID(jobID).Error("job failed", zap.Error(cause))
	e.emit(ctx, jobID, output.StreamStderr, "Error: "+cause.Error())

	if err := e.jobs.UpdateStatus(ctx, jobID, job.StatusFailed, map[string]interface{}{
		"finished_at":   nowMillis(),
		"error_message": cause.Error(),
	}); err != nil {
		e.logger.WithJobID(jobID).Error("failed to mark job failed", zap.Error(err))
	}
	return cause
}

func (e *LegacyExecutor) emit(ctx context.Context, jobID, stream, text string) {
	e.sink.Append(ctx, rediskeys.JobOutputKey(jobID), output.RunnerLine(stream, text))
}
