// Package janitor garbage-collects session workspaces: orphaned
// directories, terminal sessions, stale sessions, and disk overuse.
// Deletion is best-effort and never blocks the runner.
package janitor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/repobox/runner/internal/common/errors"
	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/session"
)

// abandonedFactor scales MaxAge for the workspace escape hatch: a
// session stuck in initializing or running this long has no worker and
// no replayable message left, only leaked disk.
const abandonedFactor = 7

// Config holds janitor knobs.
type Config struct {
	Interval  time.Duration
	MaxAge    time.Duration
	MaxDiskMB int
	OnStartup bool
}

// Janitor sweeps the workspace root.
type Janitor struct {
	sessions session.Store
	tempDir  string
	cfg      Config
	logger   *logger.Logger
}

// New creates a Janitor.
func New(sessions session.Store, tempDir string, cfg Config, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.Default()
	}
	return &Janitor{
		sessions: sessions,
		tempDir:  tempDir,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "janitor")),
	}
}

// Run sweeps once at startup (if configured), then on every tick until
// the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.cfg.OnStartup {
		j.Sweep(ctx)
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

type workspace struct {
	sessionID    string
	dir          string
	sess         *session.Session // nil for orphans
	lastActivity int64
}

// Sweep runs one garbage-collection pass.
func (j *Janitor) Sweep(ctx context.Context) {
	root := filepath.Join(j.tempDir, "sessions")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("failed to read workspace root", zap.Error(err))
		}
		return
	}

	var survivors []workspace
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() {
			continue
		}

		ws := workspace{
			sessionID: entry.Name(),
			dir:       filepath.Join(root, entry.Name()),
		}

		sess, err := j.sessions.Get(ctx, ws.sessionID)
		switch {
		case apperrors.IsNotFound(err):
			// No record at all: nothing will ever run here again.
			j.remove(ws.dir, "orphan")
			continue
		case err != nil:
			j.logger.Warn("failed to load session",
				zap.String("session_id", ws.sessionID), zap.Error(err))
			continue
		}
		ws.sess = sess
		ws.lastActivity = sess.LastActivityAt

		if sess.Status.IsTerminal() {
			// Metadata stays readable; only the clone goes.
			j.remove(ws.dir, "terminal session")
			continue
		}

		if sess.Status == session.StatusReady && j.stale(sess) {
			j.archive(ctx, ws, "stale session")
			continue
		}

		// Mid-init and mid-prompt sessions have no legal transition out,
		// so only the directory goes once they are clearly abandoned;
		// executors tolerate a missing workdir.
		if j.abandoned(sess) {
			j.remove(ws.dir, "abandoned session")
			continue
		}

		survivors = append(survivors, ws)
	}

	j.enforceDiskQuota(ctx, survivors)
}

// enforceDiskQuota frees space oldest-first when the workspace root grows
// past the configured budget. Ready sessions are archived before their
// directory goes; sessions mid-init or mid-prompt are never touched.
func (j *Janitor) enforceDiskQuota(ctx context.Context, survivors []workspace) {
	if j.cfg.MaxDiskMB <= 0 {
		return
	}
	budget := int64(j.cfg.MaxDiskMB) * 1024 * 1024

	used := dirSize(filepath.Join(j.tempDir, "sessions"))
	if used <= budget {
		return
	}
	j.logger.Warn("workspace disk budget exceeded",
		zap.Int64("used_bytes", used),
		zap.Int64("budget_bytes", budget))

	sort.Slice(survivors, func(a, b int) bool {
		return survivors[a].lastActivity < survivors[b].lastActivity
	})
	for _, ws := range survivors {
		if ctx.Err() != nil || used <= budget {
			return
		}
		if ws.sess.Status != session.StatusReady {
			continue
		}
		size := dirSize(ws.dir)
		j.archive(ctx, ws, "disk quota")
		used -= size
	}
}

func (j *Janitor) stale(sess *session.Session) bool {
	last := time.UnixMilli(sess.LastActivityAt)
	return time.Since(last) > j.cfg.MaxAge
}

func (j *Janitor) abandoned(sess *session.Session) bool {
	last := time.UnixMilli(sess.LastActivityAt)
	return time.Since(last) > time.Duration(abandonedFactor)*j.cfg.MaxAge
}

func (j *Janitor) archive(ctx context.Context, ws workspace, reason string) {
	if err := j.sessions.UpdateStatus(ctx, ws.sessionID, session.StatusArchived, nil); err != nil {
		j.logger.Error("failed to archive session",
			zap.String("session_id", ws.sessionID), zap.Error(err))
		return
	}
	j.remove(ws.dir, reason)
}

func (j *Janitor) remove(dir, reason string) {
	if err := os.RemoveAll(dir); err != nil {
		j.logger.Warn("failed to remove workspace",
			zap.String("dir", dir),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	j.logger.Info("removed workspace",
		zap.String("dir", dir),
		zap.String("reason", reason))
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
