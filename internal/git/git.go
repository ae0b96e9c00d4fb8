// Package git shells out to the git CLI on behalf of session executors.
//
// The driver synthesizes an authenticated clone/push URL from the provider
// token; the raw token never reaches a log line or an error message — all
// command output is passed through a masker first.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/crypto"
)

// ErrNoChanges is returned by Commit when the working tree has nothing to
// commit.
var ErrNoChanges = errors.New("no changes to commit")

// Error describes a failed git invocation. Output is already masked.
type Error struct {
	Stage    string // clone, branch, commit, push, diff
	ExitCode int
	Output   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Stage, e.ExitCode, e.Output)
}

// Options configures a Git driver instance.
type Options struct {
	Token       string // provider token, kept on the stack only
	AuthorName  string
	AuthorEmail string
}

// Git runs git commands with credential handling and output masking.
type Git struct {
	opts   Options
	logger *logger.Logger
}

// New creates a Git driver.
func New(opts Options, log *logger.Logger) *Git {
	if log == nil {
		log = logger.Default()
	}
	return &Git{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "git")),
	}
}

// Clone clones a repository into dest using the authenticated URL.
func (g *Git) Clone(ctx context.Context, repoURL, dest string) error {
	authURL, err := g.authenticatedURL(repoURL)
	if err != nil {
		return &Error{Stage: "clone", Output: g.mask(err.Error())}
	}
	return g.run(ctx, "clone", "", "clone", authURL, dest)
}

// CreateBranch creates and checks out a new branch in dir.
func (g *Git) CreateBranch(ctx context.Context, dir, name string) error {
	return g.run(ctx, "branch", dir, "checkout", "-b", name)
}

// Commit stages everything and commits it, returning the added/removed
// line counts of the commit. Returns ErrNoChanges when the tree is clean.
func (g *Git) Commit(ctx context.Context, dir, message string) (added, removed int, err error) {
	if err := g.run(ctx, "commit", dir, "add", "-A"); err != nil {
		return 0, 0, err
	}

	stats, err := g.output(ctx, "commit", dir, "diff", "--cached", "--numstat")
	if err != nil {
		return 0, 0, err
	}
	added, removed = parseNumstat(stats)
	if strings.TrimSpace(stats) == "" {
		return 0, 0, ErrNoChanges
	}

	err = g.run(ctx, "commit", dir,
		"-c", "user.name="+g.opts.AuthorName,
		"-c", "user.email="+g.opts.AuthorEmail,
		"commit", "-m", message)
	if err != nil {
		return 0, 0, err
	}
	return added, removed, nil
}

// Push pushes a branch to origin using the authenticated remote.
func (g *Git) Push(ctx context.Context, dir, branch string) error {
	remote, err := g.output(ctx, "push", dir, "remote", "get-url", "origin")
	if err != nil {
		return err
	}
	authURL, err := g.authenticatedURL(strings.TrimSpace(remote))
	if err != nil {
		return &Error{Stage: "push", Output: g.mask(err.Error())}
	}
	return g.run(ctx, "push", dir, "push", authURL, branch)
}

// DiffStats returns the added/removed line counts of the uncommitted
// working tree relative to HEAD, untracked files included.
func (g *Git) DiffStats(ctx context.Context, dir string) (added, removed int, err error) {
	// Intent-to-add puts untracked paths in the index without their
	// content, so new files show up in the numstat the same way Commit
	// will later count them.
	if err := g.run(ctx, "diff", dir, "add", "--intent-to-add", "-A"); err != nil {
		return 0, 0, err
	}
	out, err := g.output(ctx, "diff", dir, "diff", "--numstat", "HEAD")
	if err != nil {
		return 0, 0, err
	}
	added, removed = parseNumstat(out)
	return added, removed, nil
}

// authenticatedURL embeds the token into an https URL as
// https://oauth2:<token>@host/path.
func (g *Git) authenticatedURL(repoURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil {
		return "", fmt.Errorf("invalid repository url: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("unsupported repository url scheme %q", u.Scheme)
	}
	if g.opts.Token != "" {
		u.User = url.UserPassword("oauth2", g.opts.Token)
	}
	return u.String(), nil
}

// run executes a git command, discarding its output.
func (g *Git) run(ctx context.Context, stage, dir string, args ...string) error {
	_, err := g.output(ctx, stage, dir, args...)
	return err
}

// output executes a git command and returns its combined output, masked.
func (g *Git) output(ctx context.Context, stage, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group on cancellation so credential helpers
	// and transfer children do not linger.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	out, err := cmd.CombinedOutput()
	masked := g.mask(string(out))
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		g.logger.Warn("git command failed",
			zap.String("stage", stage),
			zap.Int("exit_code", exitCode),
			zap.String("output", masked))
		return masked, &Error{Stage: stage, ExitCode: exitCode, Output: masked}
	}
	return masked, nil
}

// mask scrubs the token (and its URL-encoded form) from command output.
func (g *Git) mask(s string) string {
	if g.opts.Token == "" {
		return s
	}
	replacement := crypto.Mask(g.opts.Token)
	s = strings.ReplaceAll(s, g.opts.Token, replacement)
	if escaped := url.QueryEscape(g.opts.Token); escaped != g.opts.Token {
		s = strings.ReplaceAll(s, escaped, replacement)
	}
	return s
}

// parseNumstat sums the added/removed columns of git diff --numstat
// output. Binary files report "-" and are skipped.
func parseNumstat(out string) (added, removed int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if a, err := strconv.Atoi(fields[0]); err == nil {
			added += a
		}
		if r, err := strconv.Atoi(fields[1]); err == nil {
			removed += r
		}
	}
	return added, removed
}
