package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// SubaccountStore is an in-memory implementation of storage.SubaccountStore.
type SubaccountStore struct {
	mu   sync.Mutex
	data map[int]*types.Subaccount // keyed by id
}

// NewSubaccountStore creates a new in-memory subaccount store.
func NewSubaccountStore() *SubaccountStore {
	return &SubaccountStore{
		data: make(map[int]*types.Subaccount),
	}
}

// Verify interface compliance at compile time.
var _ storage.SubaccountStore = (*SubaccountStore)(nil)

// Insert adds a subaccount row.
func (s *SubaccountStore) Insert(_ context.Context, sub *types.Subaccount) error {
	if sub == nil || sub.ID <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sub.ID]; exists {
		return storage.ErrDuplicateKey
	}
	subCopy := *sub
	s.data[sub.ID] = &subCopy
	return nil
}

// Get retrieves a subaccount. Returns ErrNotFound if it does not exist.
func (s *SubaccountStore) Get(_ context.Context, id int) (*types.Subaccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// List returns every subaccount ordered by id.
func (s *SubaccountStore) List(_ context.Context) ([]*types.Subaccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*types.Subaccount
	for _, sub := range s.data {
		subCopy := *sub
		result = append(result, &subCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetByStrategy returns the subaccount currently assigned a strategy.
func (s *SubaccountStore) GetByStrategy(_ context.Context, strategyID string) (*types.Subaccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.data {
		if sub.StrategyID == strategyID && strategyID != "" {
			subCopy := *sub
			return &subCopy, nil
		}
	}
	return nil, storage.ErrNotFound
}

// FindFree returns one ACTIVE subaccount with no assigned strategy,
// lowest id first.
func (s *SubaccountStore) FindFree(_ context.Context) (*types.Subaccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var free *types.Subaccount
	for _, sub := range s.data {
		if sub.Status != types.SubaccountActive || sub.StrategyID != "" {
			continue
		}
		if free == nil || sub.ID < free.ID {
			free = sub
		}
	}
	if free == nil {
		return nil, storage.ErrNotFound
	}
	subCopy := *free
	return &subCopy, nil
}

// Assign binds a strategy and seeds allocated capital and peak balance.
// Fails if the subaccount is not free, so racing deployers lose cleanly.
func (s *SubaccountStore) Assign(_ context.Context, id int, strategyID string, allocated decimal.Decimal) error {
	if strategyID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if sub.Status != types.SubaccountActive || sub.StrategyID != "" {
		return storage.ErrInvalidInput
	}

	now := time.Now()
	sub.StrategyID = strategyID
	sub.AllocatedCapital = allocated
	sub.CurrentBalance = allocated
	sub.PeakBalance = allocated
	sub.PeakUpdatedAt = &now
	sub.UpdatedAt = now
	return nil
}

// Free clears the assignment and returns the subaccount to ACTIVE.
func (s *SubaccountStore) Free(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	sub.StrategyID = ""
	sub.Status = types.SubaccountActive
	sub.AllocatedCapital = decimal.Zero
	sub.DailyPnL = decimal.Zero
	sub.DailyPnLDate = ""
	sub.UpdatedAt = time.Now()
	return nil
}

// Update persists status, balance, peak, and daily PnL fields.
func (s *SubaccountStore) Update(_ context.Context, sub *types.Subaccount) error {
	if sub == nil || sub.ID <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sub.ID]; !exists {
		return storage.ErrNotFound
	}
	subCopy := *sub
	subCopy.UpdatedAt = time.Now()
	s.data[sub.ID] = &subCopy
	return nil
}
