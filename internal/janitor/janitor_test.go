package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobox/runner/internal/session"
)

func seedWorkspace(t *testing.T, tempDir, sessionID string) string {
	t.Helper()
	dir := session.WorkDir(tempDir, sessionID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("data"), 0644))
	return session.SessionDir(tempDir, sessionID)
}

func seedSession(store *session.MemoryStore, id string, status session.Status, lastActivity time.Time) {
	store.Put(id, map[string]string{
		"id":               id,
		"user_id":          "u1",
		"status":           string(status),
		"last_activity_at": strconv.FormatInt(lastActivity.UnixMilli(), 10),
	})
}

func newJanitor(store *session.MemoryStore, tempDir string) *Janitor {
	return New(store, tempDir, Config{
		Interval: time.Hour,
		MaxAge:   24 * time.Hour,
	}, nil)
}

func TestSweepRemovesOrphans(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()
	dir := seedWorkspace(t, tempDir, "ghost")

	newJanitor(store, tempDir).Sweep(context.Background())

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRemovesTerminalWorkspacesKeepsMetadata(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()

	for _, status := range []session.Status{
		session.StatusPushed, session.StatusArchived, session.StatusFailed,
	} {
		id := "s-" + string(status)
		dir := seedWorkspace(t, tempDir, id)
		seedSession(store, id, status, time.Now())

		newJanitor(store, tempDir).Sweep(context.Background())

		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err), "workspace for %s should be gone", status)

		sess, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, status, sess.Status, "metadata for %s must survive", status)
	}
}

func TestSweepArchivesStaleReadySession(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()
	dir := seedWorkspace(t, tempDir, "stale")
	seedSession(store, "stale", session.StatusReady, time.Now().Add(-25*time.Hour))

	newJanitor(store, tempDir).Sweep(context.Background())

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	sess, err := store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, session.StatusArchived, sess.Status)
}

func TestSweepNeverTouchesActiveSessions(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()

	for _, status := range []session.Status{
		session.StatusInitializing, session.StatusReady, session.StatusRunning,
	} {
		id := "s-" + string(status)
		dir := seedWorkspace(t, tempDir, id)
		seedSession(store, id, status, time.Now())

		newJanitor(store, tempDir).Sweep(context.Background())

		_, err := os.Stat(dir)
		assert.NoError(t, err, "workspace for fresh %s must survive", status)
	}

	// Stale but not ready: still protected, archiving would be an illegal
	// transition.
	dir := seedWorkspace(t, tempDir, "stuck")
	seedSession(store, "stuck", session.StatusRunning, time.Now().Add(-48*time.Hour))
	newJanitor(store, tempDir).Sweep(context.Background())
	_, err := os.Stat(dir)
	assert.NoError(t, err)
}

func TestDiskQuotaDisabledAtZero(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()
	dir := seedWorkspace(t, tempDir, "s1")
	seedSession(store, "s1", session.StatusReady, time.Now())

	New(store, tempDir, Config{
		Interval:  time.Hour,
		MaxAge:    24 * time.Hour,
		MaxDiskMB: 0,
	}, nil).Sweep(context.Background())

	_, err := os.Stat(dir)
	assert.NoError(t, err)
}

func TestDiskQuotaEvictsOldestReadyFirst(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()

	oldDir := seedWorkspace(t, tempDir, "old")
	busyDir := seedWorkspace(t, tempDir, "busy")
	seedSession(store, "old", session.StatusReady, time.Now().Add(-2*time.Hour))
	seedSession(store, "busy", session.StatusRunning, time.Now().Add(-3*time.Hour))

	j := New(store, tempDir, Config{
		Interval:  time.Hour,
		MaxAge:    24 * time.Hour,
		MaxDiskMB: 1,
	}, nil)

	// A few bytes on disk stay under the 1 MB budget, nothing evicted.
	j.Sweep(context.Background())
	_, err := os.Stat(oldDir)
	assert.NoError(t, err)

	// Grow past the budget and sweep again.
	require.NoError(t, os.WriteFile(
		filepath.Join(session.WorkDir(tempDir, "old"), "huge.bin"),
		make([]byte, 2*1024*1024), 0644))
	j.Sweep(context.Background())

	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err), "ready session should be evicted for quota")
	sess, err := store.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, session.StatusArchived, sess.Status)

	// The running session keeps its workspace even though it is older.
	_, err = os.Stat(busyDir)
	assert.NoError(t, err)
}

func TestSweepRemovesAbandonedWorkspaceKeepsStatus(t *testing.T) {
	tempDir := t.TempDir()
	store := session.NewMemoryStore()

	for _, status := range []session.Status{
		session.StatusInitializing, session.StatusRunning,
	} {
		id := "s-" + string(status)
		dir := seedWorkspace(t, tempDir, id)
		seedSession(store, id, status, time.Now().Add(-8*24*time.Hour))

		newJanitor(store, tempDir).Sweep(context.Background())

		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err), "abandoned %s workspace should be gone", status)

		// No legal transition out, only the disk is reclaimed.
		sess, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, status, sess.Status)
	}
}
