package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockModeWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	a := NewClaudeAgent(&Config{Enabled: false, APIKey: "key"}, nil)

	var lines []string
	err := a.Execute(context.Background(), ExecuteOptions{
		WorkDir: dir,
		Prompt:  "add a README",
		JobID:   "j1",
		Output: func(_, line string) {
			lines = append(lines, line)
		},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "REPOBOX_MOCK.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "add a README")
	assert.Contains(t, string(content), "j1")
	assert.NotEmpty(t, lines)
}

func TestMockModeWhenKeyMissing(t *testing.T) {
	dir := t.TempDir()
	a := NewClaudeAgent(&Config{Enabled: true, APIKey: ""}, nil)

	require.NoError(t, a.Execute(context.Background(), ExecuteOptions{
		WorkDir: dir,
		Prompt:  "p",
		JobID:   "j1",
	}))

	_, err := os.Stat(filepath.Join(dir, "REPOBOX_MOCK.md"))
	assert.NoError(t, err)
}

func TestSpawnFailure(t *testing.T) {
	a := NewClaudeAgent(&Config{
		Enabled: true,
		APIKey:  "key",
		CLIPath: "/nonexistent/definitely-not-a-binary",
		Timeout: 5,
	}, nil)

	err := a.Execute(context.Background(), ExecuteOptions{
		WorkDir: t.TempDir(),
		Prompt:  "p",
		JobID:   "j1",
	})
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindSpawnFailure, execErr.Kind)
}

func TestExecutionErrorMessages(t *testing.T) {
	assert.Equal(t, "agent execution timed out",
		(&ExecutionError{Kind: KindTimeout}).Error())
	assert.Equal(t, "agent execution cancelled",
		(&ExecutionError{Kind: KindCancelled}).Error())
	assert.Equal(t, "agent exited with code 2",
		(&ExecutionError{Kind: KindNonZeroExit, ExitCode: 2}).Error())
	assert.Contains(t,
		(&ExecutionError{Kind: KindSpawnFailure, Err: os.ErrNotExist}).Error(),
		"failed to start agent")
}
