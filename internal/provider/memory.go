package provider

import (
	"context"
	"sync"

	apperrors "github.com/repobox/runner/internal/common/errors"
)

// MemoryStore is an in-memory Store for tests and Redis-less local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*Provider // userID/providerID -> record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{providers: make(map[string]*Provider)}
}

// Put stores a provider record.
func (s *MemoryStore) Put(userID, providerID string, p *Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[userID+"/"+providerID] = p
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID, providerID string) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[userID+"/"+providerID]
	if !ok {
		return nil, apperrors.NotFound("provider", providerID)
	}
	cp := *p
	return &cp, nil
}
