// Package output publishes per-session output logs consumed by the SSE
// endpoint.
package output

import (
	"context"
	"encoding/json"
	"time"
)

// Stream names for output lines.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Source names for output lines.
const (
	SourceRunner = "runner"
	SourceAgent  = "agent"
)

// Line is one record in a session's output log.
type Line struct {
	Timestamp int64  `json:"timestamp"` // epoch millis
	Stream    string `json:"stream"`    // stdout | stderr
	Source    string `json:"source"`    // runner | agent
	Line      string `json:"line"`
}

// RunnerLine builds a runner-sourced line stamped now.
func RunnerLine(stream, text string) Line {
	return Line{
		Timestamp: time.Now().UnixMilli(),
		Stream:    stream,
		Source:    SourceRunner,
		Line:      text,
	}
}

// AgentLine builds an agent-sourced line stamped now.
func AgentLine(stream, text string) Line {
	return Line{
		Timestamp: time.Now().UnixMilli(),
		Stream:    stream,
		Source:    SourceAgent,
		Line:      text,
	}
}

// Sink appends lines to an ordered output log. Appends are best-effort:
// implementations log and drop failed writes, they never fail the caller.
type Sink interface {
	// Append adds one line to the log stored under key and refreshes its
	// TTL. Callers build the key via the rediskeys package.
	Append(ctx context.Context, key string, line Line)
}

func marshalLine(line Line) string {
	data, _ := json.Marshal(line)
	return string(data)
}
