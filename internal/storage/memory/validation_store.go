package memory

import (
	"context"
	"sync"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// ValidationStore is an in-memory implementation of storage.ValidationCacheStore.
type ValidationStore struct {
	mu   sync.RWMutex
	data map[string]*types.ValidationCacheEntry // keyed by code_hash
}

// NewValidationStore creates a new in-memory validation cache.
func NewValidationStore() *ValidationStore {
	return &ValidationStore{
		data: make(map[string]*types.ValidationCacheEntry),
	}
}

// Verify interface compliance at compile time.
var _ storage.ValidationCacheStore = (*ValidationStore)(nil)

// Upsert writes a cache entry, last writer wins.
func (s *ValidationStore) Upsert(_ context.Context, e *types.ValidationCacheEntry) error {
	if e == nil || e.CodeHash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eCopy := *e
	s.data[e.CodeHash] = &eCopy
	return nil
}

// Get returns the entry for a code hash. Returns ErrNotFound on a miss.
func (s *ValidationStore) Get(_ context.Context, codeHash string) (*types.ValidationCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[codeHash]
	if !exists {
		return nil, storage.ErrNotFound
	}
	eCopy := *e
	return &eCopy, nil
}
