package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

type stopKey struct {
	scope   types.StopScope
	scopeID string
}

// EmergencyStore is an in-memory implementation of storage.EmergencyStopStore.
type EmergencyStore struct {
	mu   sync.RWMutex
	data map[stopKey]*types.EmergencyStopState
}

// NewEmergencyStore creates a new in-memory emergency stop store.
func NewEmergencyStore() *EmergencyStore {
	return &EmergencyStore{
		data: make(map[stopKey]*types.EmergencyStopState),
	}
}

// Verify interface compliance at compile time.
var _ storage.EmergencyStopStore = (*EmergencyStore)(nil)

// Upsert writes the stop state for (scope, scope_id).
func (s *EmergencyStore) Upsert(_ context.Context, st *types.EmergencyStopState) error {
	if st == nil || st.Scope == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stCopy := *st
	s.data[stopKey{st.Scope, st.ScopeID}] = &stCopy
	return nil
}

// Get returns the state for a scope pair.
func (s *EmergencyStore) Get(_ context.Context, scope types.StopScope, scopeID string) (*types.EmergencyStopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.data[stopKey{scope, scopeID}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	stCopy := *st
	return &stCopy, nil
}

// ListStopped returns every row with is_stopped true.
func (s *EmergencyStore) ListStopped(_ context.Context) ([]*types.EmergencyStopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.EmergencyStopState
	for _, st := range s.data {
		if st.IsStopped {
			stCopy := *st
			result = append(result, &stCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StoppedAt.Before(result[j].StoppedAt)
	})
	return result, nil
}

// Clear resets is_stopped for a scope pair.
func (s *EmergencyStore) Clear(_ context.Context, scope types.StopScope, scopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[stopKey{scope, scopeID}]
	if !exists {
		return storage.ErrNotFound
	}
	st.IsStopped = false
	return nil
}
