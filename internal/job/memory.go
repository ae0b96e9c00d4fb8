package job

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/repobox/runner/internal/common/errors"
)

// MemoryStore mimics the Redis hash layout for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]map[string]string)}
}

// Put seeds a job hash.
func (s *MemoryStore) Put(jobID string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v
	}
	s.hashes[jobID] = h
}

// Fields returns a copy of the raw hash, for assertions.
func (s *MemoryStore) Fields(jobID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.hashes[jobID]
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[jobID]
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	j, err := ParseJob(h)
	if err != nil {
		return nil, apperrors.Internal("malformed job record", err)
	}
	return j, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, jobID string, status Status, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[jobID]
	if !ok {
		h = make(map[string]string)
		s.hashes[jobID] = h
	}
	h["status"] = string(status)
	for k, v := range patch {
		h[k] = fmt.Sprintf("%v", v)
	}
	return nil
}
