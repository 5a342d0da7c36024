package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data map[string]*types.Trade // keyed by id
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data: make(map[string]*types.Trade),
	}
}

// Verify interface compliance at compile time.
var _ storage.TradeStore = (*TradeStore)(nil)

// Insert adds a trade row. Returns ErrDuplicateKey if the id or the venue
// order id already exists.
func (s *TradeStore) Insert(_ context.Context, t *types.Trade) error {
	if t == nil || t.ID == "" || t.StrategyID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if t.VenueOrderID != "" {
		for _, other := range s.data {
			if other.VenueOrderID == t.VenueOrderID {
				return storage.ErrDuplicateKey
			}
		}
	}

	tCopy := *t
	s.data[t.ID] = &tCopy
	return nil
}

// Update persists the mutable fields of a trade.
func (s *TradeStore) Update(_ context.Context, t *types.Trade) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; !exists {
		return storage.ErrNotFound
	}
	tCopy := *t
	s.data[t.ID] = &tCopy
	return nil
}

// GetByID retrieves a trade. Returns ErrNotFound if it does not exist.
func (s *TradeStore) GetByID(_ context.Context, id string) (*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	tCopy := *t
	return &tCopy, nil
}

// GetByVenueOrderID deduplicates fills reported by the venue.
func (s *TradeStore) GetByVenueOrderID(_ context.Context, venueOrderID string) (*types.Trade, error) {
	if venueOrderID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.data {
		if t.VenueOrderID == venueOrderID {
			tCopy := *t
			return &tCopy, nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetOpenBySubaccount returns open trades on a subaccount, oldest first.
func (s *TradeStore) GetOpenBySubaccount(_ context.Context, subaccountID int) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Trade
	for _, t := range s.data {
		if t.SubaccountID == subaccountID && t.IsOpen {
			tCopy := *t
			result = append(result, &tCopy)
		}
	}
	sortByEntry(result)
	return result, nil
}

// GetOpenByStrategy returns open trades for a strategy, oldest first.
func (s *TradeStore) GetOpenByStrategy(_ context.Context, strategyID string) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Trade
	for _, t := range s.data {
		if t.StrategyID == strategyID && t.IsOpen {
			tCopy := *t
			result = append(result, &tCopy)
		}
	}
	sortByEntry(result)
	return result, nil
}

// GetClosedByStrategy returns closed trades, oldest first.
func (s *TradeStore) GetClosedByStrategy(_ context.Context, strategyID string) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Trade
	for _, t := range s.data {
		if t.StrategyID == strategyID && !t.IsOpen {
			tCopy := *t
			result = append(result, &tCopy)
		}
	}
	sortByExit(result, false)
	return result, nil
}

// GetRecentByStrategy returns the newest closed trades first, capped at limit.
func (s *TradeStore) GetRecentByStrategy(_ context.Context, strategyID string, limit int) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Trade
	for _, t := range s.data {
		if t.StrategyID == strategyID && !t.IsOpen {
			tCopy := *t
			result = append(result, &tCopy)
		}
	}
	sortByExit(result, true)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortByEntry(trades []*types.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].EntryTime.Before(trades[j].EntryTime)
	})
}

func sortByExit(trades []*types.Trade, newestFirst bool) {
	sort.Slice(trades, func(i, j int) bool {
		ti, tj := trades[i].ExitTime, trades[j].ExitTime
		if ti == nil || tj == nil {
			return tj == nil
		}
		if newestFirst {
			return ti.After(*tj)
		}
		return ti.Before(*tj)
	})
}
