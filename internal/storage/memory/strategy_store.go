// Package memory provides in-memory implementations of the storage
// interfaces for tests and dry runs. Semantics mirror the PostgreSQL
// backend, including the claim lease protocol.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// StrategyStore is an in-memory implementation of storage.StrategyStore.
type StrategyStore struct {
	mu   sync.Mutex
	data map[string]*types.Strategy // keyed by id
	now  func() time.Time
}

// NewStrategyStore creates a new in-memory strategy store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		data: make(map[string]*types.Strategy),
		now:  time.Now,
	}
}

// Verify interface compliance at compile time.
var _ storage.StrategyStore = (*StrategyStore)(nil)

// SetClock overrides the store's clock. Tests use it to expire leases
// without sleeping.
func (s *StrategyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// stageTimestamp points the target status at the completion field it stamps.
func stageTimestamp(st *types.Strategy, to types.Status, now time.Time) {
	t := now
	switch to {
	case types.StatusValidated:
		st.ValidatedAt = &t
	case types.StatusTested:
		st.TestedAt = &t
	case types.StatusSelected:
		st.SelectedAt = &t
	case types.StatusLive:
		st.DeployedAt = &t
	case types.StatusRetired:
		st.RetiredAt = &t
	}
}

// Insert adds a new strategy. Returns ErrDuplicateKey when the name or the
// (template_id, param_hash) pair already exists.
func (s *StrategyStore) Insert(_ context.Context, st *types.Strategy) error {
	if st == nil || st.ID == "" || st.Name == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[st.ID]; exists {
		return storage.ErrDuplicateKey
	}
	for _, other := range s.data {
		if other.Name == st.Name {
			return storage.ErrDuplicateKey
		}
		if st.TemplateID != "" && st.ParamHash != "" &&
			other.TemplateID == st.TemplateID && other.ParamHash == st.ParamHash {
			return storage.ErrDuplicateKey
		}
	}

	stCopy := *st
	s.data[st.ID] = &stCopy
	return nil
}

// GetByID retrieves a strategy. Returns ErrNotFound if it does not exist.
func (s *StrategyStore) GetByID(_ context.Context, id string) (*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	stCopy := *st
	return &stCopy, nil
}

// GetByName retrieves a strategy by its unique name.
func (s *StrategyStore) GetByName(_ context.Context, name string) (*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.data {
		if st.Name == name {
			stCopy := *st
			return &stCopy, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Claim reserves the oldest row in the given status whose lease is null or
// expired. The whole scan-and-stamp runs under one lock, matching the
// single-transaction guarantee of the SQL backend.
func (s *StrategyStore) Claim(_ context.Context, status types.Status, workerID string, ttl time.Duration) (*types.Strategy, error) {
	if workerID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var oldest *types.Strategy
	for _, st := range s.data {
		if st.Status != status || !st.LeaseExpired(ttl, now) {
			continue
		}
		if oldest == nil || st.GeneratedAt.Before(oldest.GeneratedAt) {
			oldest = st
		}
	}
	if oldest == nil {
		return nil, storage.ErrNotFound
	}

	started := now
	oldest.ProcessingBy = workerID
	oldest.ProcessingStartedAt = &started
	oldest.UpdatedAt = now

	stCopy := *oldest
	return &stCopy, nil
}

// Release clears the lease without changing status.
func (s *StrategyStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	st.ProcessingBy = ""
	st.ProcessingStartedAt = nil
	st.UpdatedAt = s.now()
	return nil
}

// Advance moves a claimed row along a pipeline edge and clears the lease.
// An empty workerID performs an unleased transition, which requires the
// row to be unclaimed.
func (s *StrategyStore) Advance(_ context.Context, id string, from, to types.Status, workerID string) error {
	if !from.CanTransitionTo(to) {
		return storage.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if st.Status != from {
		return storage.ErrLeaseLost
	}
	if workerID == "" {
		if st.ProcessingBy != "" {
			return storage.ErrLeaseLost
		}
	} else if st.ProcessingBy != workerID {
		return storage.ErrLeaseLost
	}

	now := s.now()
	st.Status = to
	st.ProcessingBy = ""
	st.ProcessingStartedAt = nil
	st.UpdatedAt = now
	stageTimestamp(st, to, now)
	return nil
}

// Fail marks a row FAILED with a reason and clears the lease.
func (s *StrategyStore) Fail(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if st.Status.IsTerminal() {
		return storage.ErrInvalidTransition
	}

	st.Status = types.StatusFailed
	st.FailureReason = reason
	st.ProcessingBy = ""
	st.ProcessingStartedAt = nil
	st.UpdatedAt = s.now()
	return nil
}

// SetOptimalInterval records the interval chosen by the backtest sweep.
func (s *StrategyStore) SetOptimalInterval(_ context.Context, id string, interval types.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	st.OptimalInterval = interval
	st.UpdatedAt = s.now()
	return nil
}

// ListByStatus returns up to limit rows in a status, oldest first.
func (s *StrategyStore) ListByStatus(_ context.Context, status types.Status, limit int) ([]*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*types.Strategy
	for _, st := range s.data {
		if st.Status == status {
			stCopy := *st
			result = append(result, &stCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].GeneratedAt.Before(result[j].GeneratedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountByStatus returns the depth of every queue.
func (s *StrategyStore) CountByStatus(_ context.Context) (map[types.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.Status]int)
	for _, st := range s.data {
		counts[st.Status]++
	}
	return counts, nil
}

// Delete hard-removes a row.
func (s *StrategyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, id)
	return nil
}
