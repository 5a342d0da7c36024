package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// BacktestStore is an in-memory implementation of storage.BacktestStore.
type BacktestStore struct {
	mu   sync.RWMutex
	data map[string]*types.BacktestResult // keyed by id
}

// NewBacktestStore creates a new in-memory backtest store.
func NewBacktestStore() *BacktestStore {
	return &BacktestStore{
		data: make(map[string]*types.BacktestResult),
	}
}

// Verify interface compliance at compile time.
var _ storage.BacktestStore = (*BacktestStore)(nil)

// Insert adds a result row. Returns ErrDuplicateKey if the id exists.
func (s *BacktestStore) Insert(_ context.Context, r *types.BacktestResult) error {
	if r == nil || r.ID == "" || r.StrategyID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	rCopy := *r
	s.data[r.ID] = &rCopy
	return nil
}

// LinkRecent stores the recent row's id on its paired full row.
func (s *BacktestStore) LinkRecent(_ context.Context, fullID, recentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[fullID]
	if !exists {
		return storage.ErrNotFound
	}
	r.RecentResultID = recentID
	return nil
}

// GetByStrategy returns every result row for a strategy, newest first.
func (s *BacktestStore) GetByStrategy(_ context.Context, strategyID string) ([]*types.BacktestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.BacktestResult
	for _, r := range s.data {
		if r.StrategyID == strategyID {
			rCopy := *r
			result = append(result, &rCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// GetOptimalFull returns the full-period row at the optimal interval.
func (s *BacktestStore) GetOptimalFull(_ context.Context, strategyID string) (*types.BacktestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *types.BacktestResult
	for _, r := range s.data {
		if r.StrategyID != strategyID || r.PeriodType != types.PeriodFull || !r.IsOptimal {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, storage.ErrNotFound
	}
	rCopy := *newest
	return &rCopy, nil
}
