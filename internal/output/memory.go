package output

import (
	"context"
	"sync"
)

// MemorySink is an in-memory Sink for tests and Redis-less local runs.
type MemorySink struct {
	mu    sync.Mutex
	lines map[string][]Line
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{lines: make(map[string][]Line)}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, key string, line Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[key] = append(s.lines[key], line)
}

// Lines returns a copy of the log stored under key.
func (s *MemorySink) Lines(key string) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Line, len(s.lines[key]))
	copy(out, s.lines[key])
	return out
}
