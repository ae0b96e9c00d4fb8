package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	apperrors "github.com/repobox/runner/internal/common/errors"
)

// MemoryStore mimics the Redis hash layout so tests exercise the same
// string-coercion path as production.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]map[string]string)}
}

// Put seeds a session hash.
func (s *MemoryStore) Put(sessionID string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v
	}
	s.hashes[sessionID] = h
}

// Fields returns a copy of the raw hash, for assertions.
func (s *MemoryStore) Fields(sessionID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.hashes[sessionID]
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	sess, err := ParseSession(h)
	if err != nil {
		return nil, apperrors.Internal("malformed session record", err)
	}
	return sess, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, sessionID string, status Status, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[sessionID]
	if !ok {
		h = make(map[string]string)
		s.hashes[sessionID] = h
	}
	h["status"] = string(status)
	h["last_activity_at"] = strconv.FormatInt(nowMillis(), 10)
	for k, v := range patch {
		h[k] = fmt.Sprintf("%v", v)
	}
	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, sessionID string, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[sessionID]
	if !ok {
		h = make(map[string]string)
		s.hashes[sessionID] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}
