package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/provider"
	"github.com/repobox/runner/internal/rediskeys"
)

// PushExecutor publishes a session's work: it commits the accumulated
// working tree as a single commit, pushes the feature branch, and opens a
// merge request. A push failure leaves the session ready for another
// attempt; an MR API failure still counts as pushed, with a warning.
type PushExecutor struct {
	sessions  Store
	providers provider.Store
	sink      output.Sink
	tempDir   string
	gitAuthor git.Options
	logger    *logger.Logger
}

// NewPushExecutor creates a PushExecutor.
func NewPushExecutor(sessions Store, providers provider.Store, sink output.Sink, tempDir string, gitAuthor git.Options, log *logger.Logger) *PushExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &PushExecutor{
		sessions:  sessions,
		providers: providers,
		sink:      sink,
		tempDir:   tempDir,
		gitAuthor: gitAuthor,
		logger:    log.WithFields(zap.String("component", "push_executor")),
	}
}

// Execute handles one push message.
func (e *PushExecutor) Execute(ctx context.Context, msg *PushMessage) error {
	log := e.logger.WithSessionID(msg.SessionID)

	sess, err := e.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		log.Error("push requested for unknown session", zap.Error(err))
		return err
	}
	if sess.Status != StatusReady {
		log.Warn("push requested in wrong state", zap.String("status", string(sess.Status)))
		return fmt.Errorf("session is %s, not ready", sess.Status)
	}
	if sess.JobCount == 0 {
		return e.stayReady(ctx, msg.SessionID, "no prompts have been run in this session")
	}

	workDir := WorkDir(e.tempDir, msg.SessionID)
	if _, err := os.Stat(workDir); err != nil {
		return e.stayReady(ctx, msg.SessionID, "session workdir not found")
	}

	prov, err := e.providers.Get(ctx, sess.UserID, sess.ProviderID)
	if err != nil {
		return e.stayReady(ctx, msg.SessionID, fmt.Sprintf("failed to get provider: %v", err))
	}

	title := msg.Title
	if title == "" {
		title = fmt.Sprintf("repobox: Work session %s", shortID(sess.ID))
	}

	opts := e.gitAuthor
	opts.Token = prov.Token.Plaintext()
	g := git.New(opts, log)

	// Prompts leave the tree dirty on purpose; the whole session lands as
	// one commit here.
	e.emit(ctx, msg.SessionID, output.StreamStdout, "Committing changes...")
	added, removed, err := g.Commit(ctx, workDir, title)
	switch {
	case errors.Is(err, git.ErrNoChanges):
		e.emit(ctx, msg.SessionID, output.StreamStdout, "No new changes to commit.")
		added, removed = sess.TotalLinesAdded, sess.TotalLinesRemoved
	case err != nil:
		return e.stayReady(ctx, msg.SessionID, fmt.Sprintf("commit failed: %v", err))
	}

	branch := sess.WorkBranch
	if branch == "" {
		branch = WorkBranchName(sess.ID)
	}

	e.emit(ctx, msg.SessionID, output.StreamStdout, fmt.Sprintf("Pushing branch %s...", branch))
	if err := g.Push(ctx, workDir, branch); err != nil {
		return e.stayReady(ctx, msg.SessionID, fmt.Sprintf("push failed: %v", err))
	}
	e.emit(ctx, msg.SessionID, output.StreamStdout, "Branch pushed.")
	log.Info("branch pushed", zap.String("branch", branch))

	description := msg.Description
	if description == "" {
		description = mergerequest.GenerateDescription(mergerequest.TemplateParams{
			Prompt:       fmt.Sprintf("Work session with %d prompts", sess.JobCount),
			LinesAdded:   added,
			LinesRemoved: removed,
			BranchName:   branch,
			JobCount:     sess.JobCount,
			JobID:        sess.ID,
		})
	}

	baseBranch := sess.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	mrURL, mrErr := e.createMergeRequest(ctx, prov, sess.RepoURL, mergerequest.CreateParams{
		Token:        prov.Token,
		BaseURL:      prov.BaseURL,
		Title:        title,
		Description:  description,
		SourceBranch: branch,
		TargetBranch: baseBranch,
	})

	// The branch is on the remote either way, so the session is pushed;
	// an MR failure is surfaced as a warning the user can act on.
	fields := map[string]interface{}{"pushed_at": nowMillis()}
	if mrErr != nil {
		log.Warn("merge request creation failed", zap.Error(mrErr))
		e.emit(ctx, msg.SessionID, output.StreamStderr,
			fmt.Sprintf("Warning: merge request creation failed: %v", mrErr))
		fields["mr_warning"] = mrErr.Error()
	} else {
		e.emit(ctx, msg.SessionID, output.StreamStdout, "Merge request created: "+mrURL)
		log.Info("merge request created", zap.String("mr_url", mrURL))
		fields["mr_url"] = mrURL
	}
	return e.sessions.UpdateStatus(ctx, msg.SessionID, StatusPushed, fields)
}

func (e *PushExecutor) createMergeRequest(ctx context.Context, prov *provider.Provider, repoURL string, params mergerequest.CreateParams) (string, error) {
	client, err := mergerequest.ForProvider(prov.Type)
	if err != nil {
		return "", err
	}
	projectID, err := mergerequest.ExtractProjectID(repoURL)
	if err != nil {
		return "", err
	}
	params.ProjectID = projectID

	e.logger.Info("creating merge request",
		zap.String("provider", prov.Type),
		zap.String("project", projectID))
	res, err := client.Create(ctx, params)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// stayReady records a push problem without leaving ready, so the user can
// retry the push. The writes run detached so a JOB_TIMEOUT that caused
// the failure cannot also kill the bookkeeping.
func (e *PushExecutor) stayReady(ctx context.Context, sessionID, warning string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown: leave state untouched, the unacked message replays.
		return fmt.Errorf("push interrupted: %s", warning)
	}
	ctx = context.WithoutCancel(ctx)
	e.logger.WithSessionID(sessionID).Error("push aborted", zap.String("reason", warning))
	e.emit(ctx, sessionID, output.StreamStderr, "Push failed: "+warning)

	if err := e.sessions.UpdateStatus(ctx, sessionID, StatusReady, map[string]interface{}{
		"mr_warning": warning,
	}); err != nil {
		e.logger.WithSessionID(sessionID).Error("failed to record push warning", zap.Error(err))
	}
	return fmt.Errorf("push failed: %s", warning)
}

func (e *PushExecutor) emit(ctx context.Context, sessionID, stream, text string) {
	e.sink.Append(ctx, rediskeys.WorkSessionOutputKey(sessionID), output.RunnerLine(stream, text))
}
