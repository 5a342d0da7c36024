package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

func newEvent(id, strategyID, name, stage, status string, at time.Time) *types.StrategyEvent {
	return &types.StrategyEvent{
		ID:           id,
		OccurredAt:   at,
		StrategyID:   strategyID,
		StrategyName: name,
		EventType:    "test",
		Stage:        stage,
		Status:       status,
	}
}

func TestEventStoreAppendRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	now := time.Now()

	require.NoError(t, store.Append(ctx, []*types.StrategyEvent{
		newEvent("e1", "s1", "Strategy_s1", "validator", "success", now),
	}))

	err := store.Append(ctx, []*types.StrategyEvent{
		newEvent("e1", "s1", "Strategy_s1", "validator", "success", now),
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestEventStoreListByStrategyName(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	base := time.Now()

	require.NoError(t, store.Append(ctx, []*types.StrategyEvent{
		newEvent("e1", "s1", "Strategy_s1", "generator", "created", base.Add(-2*time.Hour)),
		newEvent("e2", "s1", "Strategy_s1", "validator", "success", base.Add(-time.Hour)),
		newEvent("e3", "s2", "Strategy_s2", "generator", "created", base),
	}))

	events, err := store.ListByStrategyName(ctx, "Strategy_s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID, "newest first")

	capped, err := store.ListByStrategyName(ctx, "Strategy_s1", 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, "e2", capped[0].ID)
}

func TestEventStoreListByTimeRange(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, []*types.StrategyEvent{
		newEvent("e1", "s1", "n1", "generator", "created", base),
		newEvent("e2", "s1", "n1", "validator", "success", base.Add(time.Hour)),
		newEvent("e3", "s1", "n1", "backtester", "scored", base.Add(2*time.Hour)),
	}))

	// Range end is exclusive.
	events, err := store.ListByTimeRange(ctx, base, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID, "oldest first")
	assert.Equal(t, "e2", events[1].ID)
}

func TestEventStoreCountByStageStatus(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	base := time.Now()

	require.NoError(t, store.Append(ctx, []*types.StrategyEvent{
		newEvent("e1", "s1", "n1", "validator", "success", base),
		newEvent("e2", "s2", "n2", "validator", "success", base),
		newEvent("e3", "s3", "n3", "validator", "failed", base),
		newEvent("e4", "s1", "n1", "backtester", "scored", base),
		newEvent("e5", "s9", "n9", "validator", "success", base.Add(-48*time.Hour)),
	}))

	counts, err := store.CountByStageStatus(ctx, base.Add(-time.Hour))
	require.NoError(t, err)

	byCell := make(map[string]int)
	for _, c := range counts {
		byCell[c.Stage+"/"+c.Status] = c.Count
	}
	assert.Equal(t, 2, byCell["validator/success"], "old rows excluded by since")
	assert.Equal(t, 1, byCell["validator/failed"])
	assert.Equal(t, 1, byCell["backtester/scored"])
}

// Event rows carry the strategy name so metrics outlive the strategy row.
func TestEventStoreSurvivesStrategyDeletion(t *testing.T) {
	ctx := context.Background()
	strategies := NewStrategyStore()
	events := NewEventStore()
	now := time.Now()

	st := newStrategy("doomed", types.StatusFailed, now)
	require.NoError(t, strategies.Insert(ctx, st))
	require.NoError(t, events.Append(ctx, []*types.StrategyEvent{
		newEvent("e1", st.ID, st.Name, "validator", "failed", now),
	}))

	require.NoError(t, strategies.Delete(ctx, st.ID))

	remaining, err := events.ListByStrategyName(ctx, st.Name, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, st.ID, remaining[0].StrategyID)

	counts, err := events.CountByStageStatus(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Count)
}
