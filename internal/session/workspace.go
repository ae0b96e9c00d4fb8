package session

import "path/filepath"

// SessionDir returns the per-session directory under the workspace root.
func SessionDir(tempDir, sessionID string) string {
	return filepath.Join(tempDir, "sessions", sessionID)
}

// WorkDir returns the repository clone directory for a session.
func WorkDir(tempDir, sessionID string) string {
	return filepath.Join(SessionDir(tempDir, sessionID), "repo")
}
