// Package agent spawns the external AI CLI inside a session workspace and
// streams its output line by line.
package agent

import (
	"context"
	"fmt"
)

// Sink receives one output line per call. stream is "stdout" or "stderr".
type Sink func(stream, line string)

// ExecuteOptions describes one agent invocation. Environment entries are
// added to the child process environment verbatim.
type ExecuteOptions struct {
	WorkDir     string
	Prompt      string
	Environment map[string]string
	JobID       string
	Output      Sink
}

// Config holds adapter configuration.
type Config struct {
	Enabled        bool
	Provider       string
	CLIPath        string
	APIKey         string
	Timeout        int // seconds
	MaxOutputLines int
}

// Agent executes prompts. The adapter never commits, pushes, or touches
// git; it only runs the CLI and fans out its output.
type Agent interface {
	Execute(ctx context.Context, opts ExecuteOptions) error
}

// Error categories for a failed execution.
type ErrorKind int

const (
	// KindTimeout means the adapter deadline fired.
	KindTimeout ErrorKind = iota
	// KindCancelled means the invoking context was cancelled.
	KindCancelled
	// KindNonZeroExit means the CLI exited with a non-zero status.
	KindNonZeroExit
	// KindSpawnFailure means the CLI binary could not start.
	KindSpawnFailure
)

// ExecutionError describes why an agent invocation failed.
type ExecutionError struct {
	Kind     ErrorKind
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "agent execution timed out"
	case KindCancelled:
		return "agent execution cancelled"
	case KindNonZeroExit:
		return fmt.Sprintf("agent exited with code %d", e.ExitCode)
	case KindSpawnFailure:
		return fmt.Sprintf("failed to start agent: %v", e.Err)
	}
	return "agent execution failed"
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
