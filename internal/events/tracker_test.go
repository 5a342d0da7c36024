package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/memory"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

func TestTrackerFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	tracker := NewTracker(store, DefaultTrackerConfig(), zap.NewNop())

	st := &types.Strategy{ID: "st-1", Name: "Strategy_alpha", BaseCodeHash: "hash-1"}
	for i := 0; i < 3; i++ {
		tracker.StrategyEvent(ctx, st, TypeValidated, StageValidator, StatusSuccess, map[string]any{"pass": i})
	}
	require.NoError(t, tracker.Close(ctx))

	rows, err := store.ListByStrategyName(ctx, "Strategy_alpha", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, e := range rows {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.OccurredAt.IsZero())
		assert.Equal(t, "st-1", e.StrategyID)
		assert.Equal(t, "hash-1", e.BaseCodeHash)
		assert.Equal(t, TypeValidated, e.EventType)
		assert.Equal(t, StageValidator, e.Stage)
		assert.Equal(t, StatusSuccess, e.Status)
	}
}

func TestTrackerFlushesOnInterval(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	cfg := TrackerConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond, SubmitTimeout: time.Second}
	tracker := NewTracker(store, cfg, zap.NewNop())
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })

	tracker.Emit(ctx, &types.StrategyEvent{
		EventType:    TypeTradeOpened,
		Stage:        StageExecutor,
		Status:       StatusSuccess,
		StrategyName: "Strategy_tick",
	})

	require.Eventually(t, func() bool {
		rows, err := store.ListByStrategyName(ctx, "Strategy_tick", 0)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond, "a lone event flushes without filling the batch")
}

func TestStageCompletedRecordsDuration(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	tracker := NewTracker(store, DefaultTrackerConfig(), zap.NewNop())

	st := &types.Strategy{ID: "st-2", Name: "Strategy_beta"}
	tracker.StageCompleted(ctx, st, TypeScored, StageClassifier, 1500*time.Millisecond, nil)
	require.NoError(t, tracker.Close(ctx))

	rows, err := store.ListByStrategyName(ctx, "Strategy_beta", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].DurationMs)
	assert.Equal(t, int64(1500), *rows[0].DurationMs)
	assert.Equal(t, StatusSuccess, rows[0].Status)
}

func TestBreakdownAggregatesByStageAndStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	tracker := NewTracker(store, DefaultTrackerConfig(), zap.NewNop())

	a := &types.Strategy{ID: "st-a", Name: "Strategy_a"}
	b := &types.Strategy{ID: "st-b", Name: "Strategy_b"}
	tracker.StrategyEvent(ctx, a, PhasePassed("shuffle"), StageValidator, StatusSuccess, nil)
	tracker.StrategyEvent(ctx, b, PhasePassed("shuffle"), StageValidator, StatusSuccess, nil)
	tracker.StrategyEvent(ctx, b, PhaseFailed("static"), StageValidator, StatusFailure, nil)
	require.NoError(t, tracker.Close(ctx))

	counts, err := tracker.Breakdown(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, storage.StageStatusCount{Stage: StageValidator, Status: StatusFailure, Count: 1}, counts[0])
	assert.Equal(t, storage.StageStatusCount{Stage: StageValidator, Status: StatusSuccess, Count: 2}, counts[1])
}

// failingEventStore rejects every append.
type failingEventStore struct{}

func (failingEventStore) Append(context.Context, []*types.StrategyEvent) error {
	return errors.New("store down")
}
func (failingEventStore) ListByStrategyName(context.Context, string, int) ([]*types.StrategyEvent, error) {
	return nil, nil
}
func (failingEventStore) ListByTimeRange(context.Context, time.Time, time.Time, int) ([]*types.StrategyEvent, error) {
	return nil, nil
}
func (failingEventStore) CountByStageStatus(context.Context, time.Time) ([]storage.StageStatusCount, error) {
	return nil, nil
}

func TestTrackerSwallowsPersistenceFailures(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(failingEventStore{}, DefaultTrackerConfig(), zap.NewNop())

	tracker.Emit(ctx, &types.StrategyEvent{EventType: TypeCreated, Stage: StageGenerator, Status: StatusSuccess})
	assert.NoError(t, tracker.Close(ctx), "a broken store never fails the caller")

	// Emits after close are dropped, not panicked on.
	tracker.Emit(ctx, &types.StrategyEvent{EventType: TypeCreated})
}

func TestPhaseEventNames(t *testing.T) {
	assert.Equal(t, "shuffle_passed", PhasePassed("shuffle"))
	assert.Equal(t, "static_failed", PhaseFailed("static"))
}
