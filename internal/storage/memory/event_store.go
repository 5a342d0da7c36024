package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// EventStore is an in-memory implementation of storage.EventStore.
// Rows are append-only.
type EventStore struct {
	mu     sync.RWMutex
	events []*types.StrategyEvent
	seen   map[string]struct{}
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		seen: make(map[string]struct{}),
	}
}

// Verify interface compliance at compile time.
var _ storage.EventStore = (*EventStore)(nil)

// Append inserts a batch of events.
func (s *EventStore) Append(_ context.Context, events []*types.StrategyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if e == nil || e.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, dup := s.seen[e.ID]; dup {
			return storage.ErrDuplicateKey
		}
	}
	for _, e := range events {
		eCopy := *e
		s.events = append(s.events, &eCopy)
		s.seen[e.ID] = struct{}{}
	}
	return nil
}

// ListByStrategyName returns events for a name, newest first.
func (s *EventStore) ListByStrategyName(_ context.Context, name string, limit int) ([]*types.StrategyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.StrategyEvent
	for _, e := range s.events {
		if e.StrategyName == name {
			eCopy := *e
			result = append(result, &eCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByTimeRange returns events within [from, to), oldest first.
func (s *EventStore) ListByTimeRange(_ context.Context, from, to time.Time, limit int) ([]*types.StrategyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.StrategyEvent
	for _, e := range s.events {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			eCopy := *e
			result = append(result, &eCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountByStageStatus aggregates events since a time into per-stage,
// per-status counts.
func (s *EventStore) CountByStageStatus(_ context.Context, since time.Time) ([]storage.StageStatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type cell struct{ stage, status string }
	counts := make(map[cell]int)
	for _, e := range s.events {
		if e.OccurredAt.Before(since) {
			continue
		}
		counts[cell{e.Stage, e.Status}]++
	}

	var result []storage.StageStatusCount
	for c, n := range counts {
		result = append(result, storage.StageStatusCount{Stage: c.stage, Status: c.status, Count: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Stage != result[j].Stage {
			return result[i].Stage < result[j].Stage
		}
		return result[i].Status < result[j].Status
	})
	return result, nil
}
