package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/emergency"
	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/marketdata"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/memory"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/internal/venue"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// execNow pins the executor's clock. Venue fills still stamp wall time,
// so only store-side timestamps are asserted against it.
var execNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

// liveProbe is a scripted strategy: every bar yields whatever signal the
// test currently has in place.
type liveProbe struct {
	signal    *types.Signal
	exitAfter int
}

func (p *liveProbe) Category() types.Category                  { return types.CategoryMomentum }
func (p *liveProbe) Interval() types.Interval                  { return types.Interval1h }
func (p *liveProbe) Direction() types.Direction                { return types.DirectionBidi }
func (p *liveProbe) IndicatorColumns() []string                { return nil }
func (p *liveProbe) ExitAfterBars() int                        { return p.exitAfter }
func (p *liveProbe) PrecomputeIndicators(_ *frame.Frame) error { return nil }

func (p *liveProbe) GenerateSignal(_ *frame.View, _ string) (*types.Signal, error) {
	return p.signal, nil
}

type execFixture struct {
	ex      *Executor
	stores  *storage.Stores
	venue   *venue.DryRunClient
	market  *marketdata.Service
	tracker *events.Tracker
}

func newExecFixture(t *testing.T, probe strategy.Strategy, cfg Config) *execFixture {
	t.Helper()

	stores := memory.NewStores()
	tracker := events.NewTracker(stores.Events, events.DefaultTrackerConfig(), zap.NewNop())
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })

	registry := strategy.NewRegistry()
	registry.Register(&strategy.Template{
		ID:      "tpl_live",
		Factory: func(map[string]any) (strategy.Strategy, error) { return probe, nil },
	})

	vc := venue.NewDryRunClient(venue.DefaultConfig(), zap.NewNop())
	market := marketdata.NewService(marketdata.DefaultConfig(), zap.NewNop())
	gate := emergency.New(stores, tracker, nil, emergency.DefaultConfig(), zap.NewNop())

	ex := New(stores, registry, vc, market, gate, tracker, nil, cfg, zap.NewNop())
	ex.now = func() time.Time { return execNow }

	return &execFixture{ex: ex, stores: stores, venue: vc, market: market, tracker: tracker}
}

func execTestConfig() Config {
	cfg := DefaultConfig()
	cfg.MinHistoryBars = 5
	return cfg
}

func seedLiveStrategy(t *testing.T, f *execFixture, id string, subID int, symbols ...string) *types.Strategy {
	t.Helper()
	ctx := context.Background()
	if len(symbols) == 0 {
		symbols = []string{"BTC"}
	}
	st := &types.Strategy{
		ID:              id,
		Name:            "Live_" + id,
		Category:        types.CategoryMomentum,
		Interval:        types.Interval1h,
		TemplateID:      "tpl_live",
		Status:          types.StatusLive,
		Symbols:         symbols,
		Direction:       types.DirectionBidi,
		OptimalInterval: types.Interval1h,
		GeneratedAt:     execNow.Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, f.stores.Strategies.Insert(ctx, st))
	require.NoError(t, f.stores.Subaccounts.Insert(ctx, &types.Subaccount{
		ID:               subID,
		Status:           types.SubaccountActive,
		StrategyID:       id,
		AllocatedCapital: decimal.NewFromInt(1000),
		CurrentBalance:   decimal.NewFromInt(1000),
		PeakBalance:      decimal.NewFromInt(1000),
	}))
	return st
}

// seedHourlyCandles loads n closed hourly bars from a fixed base so that
// growing the slice by one adds exactly one new bar at the end. Returns
// the last bar's open time.
func seedHourlyCandles(t *testing.T, f *execFixture, symbol string, closes []float64) time.Time {
	t.Helper()
	start := execNow.Add(-48 * time.Hour)
	candles := make([]types.Candle, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		candles[i] = types.Candle{
			Symbol:   symbol,
			Interval: types.Interval1h,
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price.Add(decimal.NewFromInt(1)),
			Low:      price.Sub(decimal.NewFromInt(1)),
			Close:    price,
			Volume:   decimal.NewFromInt(1000),
			Closed:   true,
		}
	}
	f.market.SeedCandles(symbol, types.Interval1h, candles)
	return candles[len(candles)-1].OpenTime
}

func flatCloses(n int, price float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func executorEvents(t *testing.T, f *execFixture, name string) map[string]*types.StrategyEvent {
	t.Helper()
	require.NoError(t, f.tracker.Close(context.Background()))
	listed, err := f.stores.Events.ListByStrategyName(context.Background(), name, 0)
	require.NoError(t, err)
	byType := make(map[string]*types.StrategyEvent, len(listed))
	for _, e := range listed {
		byType[e.EventType] = e
	}
	return byType
}

func TestScanOpensBracketedTrade(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 3,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
		Target:   types.TargetSpec{Kind: types.TargetRR, Value: 2},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))

	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	tr := open[0]
	assert.Equal(t, types.DirectionLong, tr.Direction)
	assert.Equal(t, 1, tr.SubaccountID)
	assert.Equal(t, 3, tr.Leverage)
	assert.True(t, tr.IsOpen)
	assert.NotEmpty(t, tr.VenueOrderID)
	assert.True(t, tr.EntryPrice.Equal(decimal.NewFromInt(100)), "entry %s", tr.EntryPrice)
	// 2% of 1000 at risk over a 5-point stop distance.
	assert.True(t, tr.Size.Equal(decimal.NewFromInt(4)), "size %s", tr.Size)
	assert.True(t, tr.StopLoss.Equal(decimal.NewFromInt(95)), "stop %s", tr.StopLoss)
	// 2R target: entry plus twice the stop distance.
	assert.True(t, tr.TakeProfit.Equal(decimal.NewFromInt(110)), "target %s", tr.TakeProfit)
	assert.True(t, tr.EntryFee.Equal(decimal.NewFromFloat(0.18)), "fee %s", tr.EntryFee)

	evs := executorEvents(t, f, st.Name)
	opened := evs[events.TypeTradeOpened]
	require.NotNil(t, opened)
	assert.Equal(t, events.StatusSuccess, opened.Status)
	assert.Equal(t, "long", opened.Details["direction"])
	assert.Equal(t, "95", opened.Details["stop"])
	assert.Equal(t, "110", opened.Details["target"])
	assert.Equal(t, 3, opened.Details["leverage"])
}

func TestScanRoundsSizeToLotStep(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 3,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 3},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))

	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Risk sizing wants 20/3 = 6.666...; the venue lot step truncates it.
	assert.True(t, open[0].Size.Equal(decimal.RequireFromString("6.666")), "size %s", open[0].Size)
}

func TestScanSkipsExistingPosition(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 2,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))

	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// A fresh bar arrives while the position is still on: no pyramiding.
	seedHourlyCandles(t, f, "BTC", flatCloses(9, 100))
	f.ex.scan(ctx)

	open, err = f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestScanEnforcesPositionCap(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 2,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
	}}
	cfg := execTestConfig()
	cfg.MaxOpenPositions = 1
	f := newExecFixture(t, probe, cfg)
	st := seedLiveStrategy(t, f, "live-1", 1, "BTC", "ETH")
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))

	// ETH has no history yet, so only BTC trades on the first scan.
	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "BTC", open[0].Symbol)

	// ETH history fills in afterwards; the cap keeps the book at one.
	seedHourlyCandles(t, f, "ETH", flatCloses(8, 50))
	f.ex.scan(ctx)

	open, err = f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "BTC", open[0].Symbol)
}

func TestScanPauseStopBlocksEntries(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 2,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))
	require.NoError(t, f.ex.refreshFleet(ctx))

	require.NoError(t, f.stores.Stops.Upsert(ctx, &types.EmergencyStopState{
		Scope:         types.ScopeGlobal,
		ScopeID:       "global",
		IsStopped:     true,
		Reason:        "manual halt",
		Action:        types.ActionPause,
		StoppedAt:     time.Now().UTC(),
		CooldownUntil: time.Now().Add(time.Hour),
	}))

	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestScanCloseStopFlattensPositions(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 3,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))
	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, f.stores.Stops.Upsert(ctx, &types.EmergencyStopState{
		Scope:         types.ScopeSubaccount,
		ScopeID:       "1",
		IsStopped:     true,
		Reason:        "drawdown",
		Action:        types.ActionClosePositions,
		StoppedAt:     time.Now().UTC(),
		CooldownUntil: time.Now().Add(time.Hour),
	}))
	f.ex.scan(ctx)

	open, err = f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonEmergency, closed[0].ExitReason)
	// The dry-run venue closes at the stored entry mark, so the loss is
	// exactly the two fees.
	assert.True(t, closed[0].PnL.Equal(decimal.NewFromFloat(-0.36)), "pnl %s", closed[0].PnL)
}

func TestSignalCloseExitsPosition(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 3,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))
	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	probe.signal = &types.Signal{Action: types.SignalClose}
	seedHourlyCandles(t, f, "BTC", flatCloses(9, 100))
	f.ex.scan(ctx)

	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	tr := closed[0]
	assert.False(t, tr.IsOpen)
	assert.Equal(t, types.ExitReasonSignal, tr.ExitReason)
	assert.True(t, tr.ExitPrice.Equal(decimal.NewFromInt(100)), "exit %s", tr.ExitPrice)
	assert.True(t, tr.ExitFee.Equal(decimal.NewFromFloat(0.18)), "exit fee %s", tr.ExitFee)
	assert.True(t, tr.PnL.Equal(decimal.NewFromFloat(-0.36)), "pnl %s", tr.PnL)
	assert.InDelta(t, -0.00036, tr.PnLRatio, 1e-12)

	sub, err := f.stores.Subaccounts.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sub.CurrentBalance.Equal(decimal.NewFromFloat(999.64)), "balance %s", sub.CurrentBalance)
	assert.True(t, sub.PeakBalance.Equal(decimal.NewFromInt(1000)), "peak %s", sub.PeakBalance)
	assert.True(t, sub.DailyPnL.Equal(decimal.NewFromFloat(-0.36)), "daily %s", sub.DailyPnL)
	assert.Equal(t, "2025-06-02", sub.DailyPnLDate)

	evs := executorEvents(t, f, st.Name)
	closedEv := evs[events.TypeTradeClosed]
	require.NotNil(t, closedEv)
	assert.Equal(t, types.ExitReasonSignal, closedEv.Details["reason"])
	assert.Equal(t, "-0.36", closedEv.Details["pnl"])
}

func TestTimeExitClosesAgedPositions(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{exitAfter: 2}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	lastBar := seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))
	require.NoError(t, f.ex.refreshFleet(ctx))

	openAt := func(id string, entry time.Time) {
		require.NoError(t, f.stores.Trades.Insert(ctx, &types.Trade{
			ID:           id,
			StrategyID:   st.ID,
			SubaccountID: 1,
			Symbol:       "BTC",
			Direction:    types.DirectionLong,
			EntryTime:    entry,
			EntryPrice:   decimal.NewFromInt(100),
			Size:         decimal.NewFromInt(4),
			StopLoss:     decimal.NewFromInt(95),
			Leverage:     3,
			IsOpen:       true,
		}))
	}

	openAt("trade-aged", lastBar.Add(-3*time.Hour))
	f.ex.scan(ctx)

	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonTimeExit, closed[0].ExitReason)
	// No venue position backs a resumed trade, so the close falls back to
	// the recorded entry price.
	assert.True(t, closed[0].ExitPrice.Equal(decimal.NewFromInt(100)), "exit %s", closed[0].ExitPrice)
	assert.True(t, closed[0].PnL.IsZero(), "pnl %s", closed[0].PnL)

	// No new bar this time: the dedup path still ages positions out, with
	// the two-bar allowance inclusive at the boundary.
	openAt("trade-boundary", lastBar.Add(-2*time.Hour))
	openAt("trade-young", lastBar.Add(-time.Hour))
	f.ex.scan(ctx)

	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "trade-young", open[0].ID)
}

func TestRefreshFleetTearsDownRetired(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{signal: &types.Signal{
		Action:   types.SignalLong,
		Leverage: 3,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 5},
	}}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	seedHourlyCandles(t, f, "BTC", flatCloses(8, 100))
	require.NoError(t, f.ex.refreshFleet(ctx))
	f.ex.scan(ctx)

	require.NoError(t, f.stores.Strategies.Advance(ctx, st.ID, types.StatusLive, types.StatusRetired, ""))
	require.NoError(t, f.ex.refreshFleet(ctx))

	assert.Empty(t, f.ex.fleet)

	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonShutdown, closed[0].ExitReason)
}

func TestReconcileAlignsSubaccounts(t *testing.T) {
	ctx := context.Background()
	f := newExecFixture(t, &liveProbe{}, execTestConfig())

	insert := func(id int, allocated, current, peak int64) {
		require.NoError(t, f.stores.Subaccounts.Insert(ctx, &types.Subaccount{
			ID:               id,
			Status:           types.SubaccountActive,
			AllocatedCapital: decimal.NewFromInt(allocated),
			CurrentBalance:   decimal.NewFromInt(current),
			PeakBalance:      decimal.NewFromInt(peak),
		}))
	}
	insert(1, 0, 0, 0)           // fresh row, venue knows 500
	insert(2, 1000, 900, 1000)   // balance drifted up on the venue
	insert(3, 1000, 1000, 50000) // legacy peak in notional units
	insert(4, 1000, 1000, 0)     // no venue account yet

	f.venue.SeedBalance(1, decimal.NewFromInt(500))
	f.venue.SeedBalance(2, decimal.NewFromInt(1100))
	f.venue.SeedBalance(3, decimal.NewFromInt(800))

	require.NoError(t, f.ex.Reconcile(ctx))

	sub1, err := f.stores.Subaccounts.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sub1.AllocatedCapital.Equal(decimal.NewFromInt(500)), "adopted %s", sub1.AllocatedCapital)
	assert.True(t, sub1.CurrentBalance.Equal(decimal.NewFromInt(500)))
	assert.True(t, sub1.PeakBalance.Equal(decimal.NewFromInt(500)))

	sub2, err := f.stores.Subaccounts.Get(ctx, 2)
	require.NoError(t, err)
	assert.True(t, sub2.AllocatedCapital.Equal(decimal.NewFromInt(1000)), "allocation must not be overwritten: %s", sub2.AllocatedCapital)
	assert.True(t, sub2.CurrentBalance.Equal(decimal.NewFromInt(1100)))
	assert.True(t, sub2.PeakBalance.Equal(decimal.NewFromInt(1100)))
	require.NotNil(t, sub2.PeakUpdatedAt)
	assert.True(t, sub2.PeakUpdatedAt.Equal(execNow))

	sub3, err := f.stores.Subaccounts.Get(ctx, 3)
	require.NoError(t, err)
	assert.True(t, sub3.CurrentBalance.Equal(decimal.NewFromInt(800)))
	assert.True(t, sub3.PeakBalance.Equal(decimal.NewFromInt(1000)), "implausible peak must reset to allocation: %s", sub3.PeakBalance)

	sub4, err := f.stores.Subaccounts.Get(ctx, 4)
	require.NoError(t, err)
	assert.True(t, sub4.PeakBalance.Equal(decimal.NewFromInt(1000)))
}

func seedBracketTrade(t *testing.T, f *execFixture, st *types.Strategy, id string, stop, target int64) *types.Trade {
	t.Helper()
	tr := &types.Trade{
		ID:           id,
		StrategyID:   st.ID,
		SubaccountID: 1,
		Symbol:       "BTC",
		Direction:    types.DirectionLong,
		EntryTime:    execNow.Add(-time.Hour),
		EntryPrice:   decimal.NewFromInt(100),
		Size:         decimal.NewFromInt(4),
		StopLoss:     decimal.NewFromInt(stop),
		TakeProfit:   decimal.NewFromInt(target),
		Leverage:     3,
		IsOpen:       true,
	}
	require.NoError(t, f.stores.Trades.Insert(context.Background(), tr))
	return tr
}

func TestTendBracketClosesOnStopCross(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	unit := &liveUnit{st: st, inst: probe, subID: 1, interval: types.Interval1h, symbols: st.Symbols}
	tr := seedBracketTrade(t, f, st, "trade-stop", 95, 110)

	// Above the stop and below the target: nothing moves.
	f.ex.tendBracket(ctx, unit, tr, 96)
	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	f.ex.tendBracket(ctx, unit, tr, 94.5)
	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonStopLoss, closed[0].ExitReason)
}

func TestTendBracketClosesOnTargetCross(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	unit := &liveUnit{st: st, inst: probe, subID: 1, interval: types.Interval1h, symbols: st.Symbols}
	tr := seedBracketTrade(t, f, st, "trade-target", 95, 110)

	f.ex.tendBracket(ctx, unit, tr, 110.5)

	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonTakeProfit, closed[0].ExitReason)
}

func TestTendBracketRatchetsTrailingStop(t *testing.T) {
	ctx := context.Background()
	probe := &liveProbe{}
	f := newExecFixture(t, probe, execTestConfig())
	st := seedLiveStrategy(t, f, "live-1", 1)
	unit := &liveUnit{st: st, inst: probe, subID: 1, interval: types.Interval1h, symbols: st.Symbols}
	tr := seedBracketTrade(t, f, st, "trade-trail", 95, 0)
	f.ex.trails[tr.ID] = &trailState{pct: 0.02, dir: 1}

	// Price pushes up: the stop follows to 2% below.
	f.ex.tendBracket(ctx, unit, tr, 100)
	open, err := f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].StopLoss.Equal(decimal.NewFromInt(98)), "stop %s", open[0].StopLoss)

	// A small dip ratchets nothing; the stop never loosens.
	f.ex.tendBracket(ctx, unit, tr, 98.5)
	open, err = f.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].StopLoss.Equal(decimal.NewFromInt(98)), "stop %s", open[0].StopLoss)

	// The ratcheted level is hit.
	f.ex.tendBracket(ctx, unit, tr, 97.9)
	closed, err := f.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonTrailingStop, closed[0].ExitReason)
}

func TestPositionSize(t *testing.T) {
	f := newExecFixture(t, &liveProbe{}, execTestConfig())

	assert.Zero(t, f.ex.positionSize(0, 100, 5, 3))
	assert.Zero(t, f.ex.positionSize(1000, 0, 5, 3))
	assert.Zero(t, f.ex.positionSize(1000, 100, 0, 3))

	// Risk-bound: 2% of 1000 over a 5-point stop.
	assert.InDelta(t, 4, f.ex.positionSize(1000, 100, 5, 3), 1e-9)

	// Sleeve-bound: a tight stop wants 40 units, the levered sleeve caps it.
	assert.InDelta(t, 10, f.ex.positionSize(1000, 100, 0.5, 3), 1e-9)
}

func TestPnLRatio(t *testing.T) {
	tr := &types.Trade{
		Size:       decimal.NewFromInt(4),
		EntryPrice: decimal.NewFromInt(100),
		Leverage:   4,
	}

	assert.InDelta(t, -0.00036, pnlRatio(decimal.NewFromFloat(-0.36), decimal.NewFromInt(1000), tr), 1e-12)

	// No allocation on record: margin (size * entry / leverage) is the base.
	assert.InDelta(t, 0.1, pnlRatio(decimal.NewFromInt(10), decimal.Zero, tr), 1e-12)

	assert.Zero(t, pnlRatio(decimal.NewFromInt(10), decimal.Zero, &types.Trade{}))
}

func TestClosedCandlesDropsFormingBar(t *testing.T) {
	bars := []types.Candle{
		{OpenTime: execNow.Add(-2 * time.Hour), Closed: true},
		{OpenTime: execNow.Add(-time.Hour), Closed: true},
		{OpenTime: execNow, Closed: false},
	}
	assert.Len(t, closedCandles(bars), 2)

	bars[2].Closed = true
	assert.Len(t, closedCandles(bars), 3)

	assert.Empty(t, closedCandles(nil))
}
