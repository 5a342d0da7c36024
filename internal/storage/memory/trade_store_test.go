package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

func newTrade(id, strategyID string, entry time.Time) *types.Trade {
	return &types.Trade{
		ID:           id,
		StrategyID:   strategyID,
		SubaccountID: 1,
		Symbol:       "BTC",
		Direction:    types.DirectionLong,
		EntryTime:    entry,
		EntryPrice:   decimal.NewFromInt(100),
		Size:         decimal.NewFromInt(1),
		Leverage:     1,
		IsOpen:       true,
	}
}

func closeTrade(t *types.Trade, exit time.Time, pnl int64) {
	t.ExitTime = &exit
	t.ExitPrice = decimal.NewFromInt(100 + pnl)
	t.ExitReason = types.ExitReasonSignal
	t.PnL = decimal.NewFromInt(pnl)
	t.IsOpen = false
}

func TestTradeStoreVenueOrderDedup(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore()
	base := time.Now()

	first := newTrade("t1", "strat-1", base)
	first.VenueOrderID = "ord-1"
	require.NoError(t, store.Insert(ctx, first))

	// The venue reporting the same fill twice must not create a second row.
	dup := newTrade("t2", "strat-1", base)
	dup.VenueOrderID = "ord-1"
	err := store.Insert(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := store.GetByVenueOrderID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	_, err = store.GetByVenueOrderID(ctx, "ord-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTradeStoreOpenQueries(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore()
	base := time.Now()

	open1 := newTrade("t1", "strat-1", base.Add(-2*time.Hour))
	open2 := newTrade("t2", "strat-1", base.Add(-time.Hour))
	closed := newTrade("t3", "strat-1", base.Add(-3*time.Hour))
	closeTrade(closed, base.Add(-time.Hour), 10)
	other := newTrade("t4", "strat-2", base)
	other.SubaccountID = 2

	for _, tr := range []*types.Trade{open1, open2, closed, other} {
		require.NoError(t, store.Insert(ctx, tr))
	}

	byStrategy, err := store.GetOpenByStrategy(ctx, "strat-1")
	require.NoError(t, err)
	require.Len(t, byStrategy, 2)
	assert.Equal(t, "t1", byStrategy[0].ID, "oldest entry first")

	bySub, err := store.GetOpenBySubaccount(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, bySub, 2)

	bySub, err = store.GetOpenBySubaccount(ctx, 2)
	require.NoError(t, err)
	require.Len(t, bySub, 1)
	assert.Equal(t, "t4", bySub[0].ID)
}

func TestTradeStoreClosedQueries(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore()
	base := time.Now()

	for i, pnl := range []int64{5, -3, 8, -1} {
		tr := newTrade(fmt.Sprintf("t%d", i), "strat-1", base.Add(time.Duration(i)*time.Minute))
		closeTrade(tr, base.Add(time.Duration(i+10)*time.Minute), pnl)
		require.NoError(t, store.Insert(ctx, tr))
	}
	stillOpen := newTrade("open", "strat-1", base)
	require.NoError(t, store.Insert(ctx, stillOpen))

	closed, err := store.GetClosedByStrategy(ctx, "strat-1")
	require.NoError(t, err)
	require.Len(t, closed, 4)
	assert.Equal(t, "t0", closed[0].ID, "oldest exit first")
	assert.Equal(t, "t3", closed[3].ID)

	recent, err := store.GetRecentByStrategy(ctx, "strat-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "t3", recent[0].ID, "newest exit first")
	assert.Equal(t, "t2", recent[1].ID)
}

func TestTradeStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore()

	tr := newTrade("t1", "strat-1", time.Now())
	require.NoError(t, store.Insert(ctx, tr))

	tr.StopLoss = decimal.NewFromInt(95)
	require.NoError(t, store.Update(ctx, tr))

	got, err := store.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(95)))

	err = store.Update(ctx, newTrade("ghost", "strat-1", time.Now()))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
