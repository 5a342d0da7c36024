package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/backtester"
	"github.com/atlas-desktop/strategy-pipeline/internal/classifier"
	"github.com/atlas-desktop/strategy-pipeline/internal/deployer"
	"github.com/atlas-desktop/strategy-pipeline/internal/emergency"
	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/generator"
	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/memory"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/internal/validator"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// These tests walk single candidates through the real stages over the
// in-memory backend: no runner goroutines, just claim and Process the
// way a worker would, so every hop is observable and deterministic.

const probeEvery = 150

// cadenceProbe enters long on a fixed bar schedule. The cadence is chosen
// so the validator's synthetic series sees too few entries for a shuffle
// verdict while real history still produces closable trades.
type cadenceProbe struct{}

func (cadenceProbe) Category() types.Category                { return types.CategoryMomentum }
func (cadenceProbe) Interval() types.Interval                { return types.Interval1h }
func (cadenceProbe) Direction() types.Direction              { return types.DirectionLong }
func (cadenceProbe) IndicatorColumns() []string              { return nil }
func (cadenceProbe) ExitAfterBars() int                      { return 0 }
func (cadenceProbe) PrecomputeIndicators(*frame.Frame) error { return nil }

func (cadenceProbe) GenerateSignal(v *frame.View, _ string) (*types.Signal, error) {
	if i := v.Index(); i == 0 || i%probeEvery != 0 {
		return nil, nil
	}
	return &types.Signal{
		Action:   types.SignalLong,
		Leverage: 1,
		Stop:     types.StopSpec{Kind: types.StopPercent, Value: 2},
		Target:   types.TargetSpec{Kind: types.TargetPercent, Value: 4},
		Reason:   "cadence entry",
	}, nil
}

const probeSource = `strategy CadenceProbe(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}

    signal:
        if bars_since_start % {{every_bars}} == 0:
            enter(long, leverage=1, stop=percent({{stop_pct}}), target=percent({{target_pct}}))
`

func probeTemplate() *strategy.Template {
	return &strategy.Template{
		ID:              "cadence_probe",
		Category:        types.CategoryMomentum,
		DefaultInterval: types.Interval1h,
		Source:          probeSource,
		Grid: map[string][]any{
			"every_bars": {probeEvery},
			"stop_pct":   {2.0},
			"target_pct": {4.0},
		},
		Tunable: []string{"stop_pct", "target_pct"},
		Factory: func(map[string]any) (strategy.Strategy, error) {
			return cadenceProbe{}, nil
		},
	}
}

type volumeFeed struct{ rows []types.SymbolVolume }

func (v *volumeFeed) FetchSymbolVolumes(context.Context) ([]types.SymbolVolume, error) {
	out := make([]types.SymbolVolume, len(v.rows))
	copy(out, v.rows)
	return out, nil
}

// scriptedHistory serves the same candle series for every symbol, the
// newest limit bars of it.
type scriptedHistory struct{ candles []types.Candle }

func (h *scriptedHistory) FetchCandles(_ context.Context, _ string, _ types.Interval, limit int) ([]types.Candle, error) {
	src := h.candles
	if limit > 0 && limit < len(src) {
		src = src[len(src)-limit:]
	}
	out := make([]types.Candle, len(src))
	copy(out, src)
	return out, nil
}

// risingCandles builds a steady uptrend, half a percent per bar. The probe
// fills two bars after each cadence entry and rides into its four percent
// target, so every simulated trade closes a winner.
func risingCandles(symbol string, interval types.Interval, bars int) []types.Candle {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	step := interval.Duration()

	out := make([]types.Candle, bars)
	price := 100.0
	for i := 0; i < bars; i++ {
		next := price * 1.005
		out[i] = types.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: start.Add(time.Duration(i) * step),
			Open:     decimal.NewFromFloat(price),
			High:     decimal.NewFromFloat(next * 1.001),
			Low:      decimal.NewFromFloat(price * 0.999),
			Close:    decimal.NewFromFloat(next),
			Volume:   decimal.NewFromInt(1000),
			Closed:   true,
		}
		price = next
	}
	return out
}

type pipeFixture struct {
	stores   *storage.Stores
	tracker  *events.Tracker
	metrics  *observability.Metrics
	registry *strategy.Registry
}

func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()

	stores := memory.NewStores()
	tracker := events.NewTracker(stores.Events, events.DefaultTrackerConfig(), zap.NewNop())
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })

	registry := strategy.NewRegistry()
	registry.Register(probeTemplate())

	return &pipeFixture{
		stores:   stores,
		tracker:  tracker,
		metrics:  observability.NewMetrics(""),
		registry: registry,
	}
}

// newGenerator wires a generator whose only source is the probe template's
// grid over a one-symbol universe.
func (f *pipeFixture) newGenerator(t *testing.T) *generator.Generator {
	t.Helper()

	universe := generator.NewSymbolRegistry(
		&volumeFeed{rows: []types.SymbolVolume{{Symbol: "BTC/USD", QuoteVolume: decimal.NewFromInt(1000)}}},
		f.stores.Tasks, nil, generator.DefaultRegistryConfig(), zap.NewNop())

	cfg := generator.DefaultConfig()
	cfg.SymbolsPerCandidate = 1
	cfg.GridPerCycle = 4
	cfg.GeneratedPerCycle = 0
	cfg.EvoPerCycle = 0
	cfg.PatternPerCycle = 0
	cfg.Synthesis.PerCycle = 0
	cfg.Synthesis.BudgetPath = filepath.Join(t.TempDir(), "budget.json")

	return generator.New(f.registry, universe, f.stores, f.tracker, f.metrics, cfg, zap.NewNop())
}

// newBacktester builds the stage against scripted history, sized so the
// probe's two full-period trades clear every admission gate.
func (f *pipeFixture) newBacktester(minTrades int) *backtester.Backtester {
	cfg := backtester.DefaultConfig()
	cfg.Intervals = []types.Interval{types.Interval1h}
	cfg.FullBars = 400
	cfg.RecentBars = 200
	cfg.MinBars = 100
	cfg.MinTrades = minTrades
	cfg.FeeRate = 0
	cfg.SlippageBps = 0

	history := &scriptedHistory{candles: risingCandles("BTC/USD", types.Interval1h, 400)}
	return backtester.New(f.registry, history, f.stores, f.tracker, cfg, zap.NewNop())
}

func (f *pipeFixture) claim(t *testing.T, status types.Status) *types.Strategy {
	t.Helper()
	st, err := f.stores.Strategies.Claim(context.Background(), status, "w1", time.Minute)
	require.NoError(t, err, "expected a claimable row in %s", status)
	return st
}

func (f *pipeFixture) status(t *testing.T, id string) *types.Strategy {
	t.Helper()
	st, err := f.stores.Strategies.GetByID(context.Background(), id)
	require.NoError(t, err)
	return st
}

// eventsByType flushes the tracker and indexes the strategy's event trail.
func (f *pipeFixture) eventsByType(t *testing.T, name string) map[string]*types.StrategyEvent {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.tracker.Close(ctx))
	rows, err := f.stores.Events.ListByStrategyName(ctx, name, 0)
	require.NoError(t, err)

	byType := make(map[string]*types.StrategyEvent, len(rows))
	for _, e := range rows {
		byType[e.EventType] = e
	}
	return byType
}

// TestStrategyLifecycle drives one candidate end to end: emitted by the
// generator, validated, scored into the pool, deployed onto a subaccount,
// and finally retired by the live review after a drawdown.
func TestStrategyLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)

	// Generate.
	emitted, err := f.newGenerator(t).Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, emitted)

	rows, err := f.stores.Strategies.ListByStatus(ctx, types.StatusGenerated, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	st := rows[0]
	assert.Equal(t, "cadence_probe", st.TemplateID)
	assert.Equal(t, []string{"BTC/USD"}, st.Symbols)
	assert.NotEmpty(t, st.BaseCodeHash)
	assert.NotContains(t, st.SourceCode, "{{")

	// Validate.
	val := validator.New(f.registry, f.stores, f.tracker, validator.DefaultConfig(), zap.NewNop())
	require.NoError(t, val.Process(ctx, f.claim(t, types.StatusGenerated), "w1"))
	assert.Equal(t, types.StatusValidated, f.status(t, st.ID).Status)

	entry, err := f.stores.Validation.Get(ctx, st.BaseCodeHash)
	require.NoError(t, err)
	assert.True(t, entry.ShufflePassed, "sparse cadence is an inconclusive pass")

	// Backtest.
	require.NoError(t, f.newBacktester(1).Process(ctx, f.claim(t, types.StatusValidated), "w1"))
	tested := f.status(t, st.ID)
	assert.Equal(t, types.StatusTested, tested.Status)
	assert.Equal(t, types.Interval1h, tested.OptimalInterval)

	bt, err := f.stores.Backtests.GetOptimalFull(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bt.TradeCount, "cadence entries at bars 150 and 300")
	assert.Equal(t, 1.0, bt.WinRate, "uptrend rides every entry into its target")
	assert.Greater(t, bt.Sharpe, 0.0)
	assert.Greater(t, bt.WeightedExpect, 0.0)
	assert.NotEmpty(t, bt.RecentResultID, "full row links its recent twin")

	results, err := f.stores.Backtests.GetByStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Promote.
	cls := classifier.New(f.stores, f.tracker, classifier.DefaultConfig(), zap.NewNop())
	require.NoError(t, cls.Cycle(ctx))
	assert.Equal(t, types.StatusSelected, f.status(t, st.ID).Status)

	// Deploy onto the only subaccount.
	require.NoError(t, f.stores.Subaccounts.Insert(ctx, &types.Subaccount{
		ID: 1, Status: types.SubaccountActive,
		CurrentBalance: decimal.NewFromInt(2500),
	}))
	gate := emergency.New(f.stores, f.tracker, f.metrics, emergency.DefaultConfig(), zap.NewNop())
	dep := deployer.New(f.stores, gate, f.tracker, deployer.DefaultConfig(), zap.NewNop())
	require.NoError(t, dep.Process(ctx, f.claim(t, types.StatusSelected), "w1"))

	live := f.status(t, st.ID)
	assert.Equal(t, types.StatusLive, live.Status)
	require.NotNil(t, live.DeployedAt)

	sub, err := f.stores.Subaccounts.GetByStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ID)
	assert.True(t, sub.AllocatedCapital.Equal(decimal.NewFromInt(2500)),
		"observed balance becomes the allocation")

	// Live losses breach the drawdown bound; the next review retires it.
	sub.CurrentBalance = decimal.NewFromInt(1800)
	require.NoError(t, f.stores.Subaccounts.Update(ctx, sub))
	require.NoError(t, cls.Cycle(ctx))

	retired := f.status(t, st.ID)
	assert.Equal(t, types.StatusRetired, retired.Status)
	assert.NotNil(t, retired.RetiredAt)

	freed, err := f.stores.Subaccounts.Get(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, freed.StrategyID, "retirement returns the bucket to the pool")
	_, err = f.stores.Subaccounts.GetByStrategy(ctx, st.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The event log tells the whole story under one name.
	trail := f.eventsByType(t, st.Name)
	for _, want := range []string{
		events.TypeCreated,
		events.PhasePassed(validator.PhaseStatic),
		events.PhasePassed(validator.PhaseInstantiate),
		events.PhasePassed(validator.PhaseSmoke),
		events.PhasePassed(validator.PhaseShuffle),
		events.PhasePassed(validator.PhaseStability),
		events.TypeValidated,
		events.TypeScored,
		events.TypeEntered,
		events.TypeDeploySuccess,
		events.TypePromoted,
		events.TypeRetired,
	} {
		assert.Contains(t, trail, want)
	}
	assert.Len(t, trail, 12)
	assert.Equal(t, classifier.ReasonDrawdown, trail[events.TypeRetired].Details["reason"])
}

// TestBacktestRejectsThinTradeHistory raises the trade floor past what the
// cadence can produce; the verdict settles the row FAILED rather than
// bouncing it back to the queue.
func TestBacktestRejectsThinTradeHistory(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)

	st := &types.Strategy{
		ID: "thin-1", Name: "Strategy_thin_probe", Category: types.CategoryMomentum,
		Interval: types.Interval1h, SourceCode: "s", TemplateID: "cadence_probe",
		Parameters: map[string]any{"every_bars": probeEvery}, ParamHash: "ph-thin",
		Status: types.StatusValidated, Symbols: []string{"BTC/USD"},
		Direction: types.DirectionLong, GeneratedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.stores.Strategies.Insert(ctx, st))

	require.NoError(t, f.newBacktester(5).Process(ctx, f.claim(t, types.StatusValidated), "w1"))

	got := f.status(t, st.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "insufficient trades: 2 < 5", got.FailureReason)

	trail := f.eventsByType(t, st.Name)
	require.Contains(t, trail, events.TypeBacktestFailed)
	assert.Equal(t, events.StatusFailure, trail[events.TypeBacktestFailed].Status)
}

// TestValidatorReusesCachedShuffleVerdict seeds a failed shuffle verdict
// under the generated row's base code hash: the variant is rejected from
// cache without rerunning the test.
func TestValidatorReusesCachedShuffleVerdict(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)

	emitted, err := f.newGenerator(t).Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, emitted)

	rows, err := f.stores.Strategies.ListByStatus(ctx, types.StatusGenerated, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, f.stores.Validation.Upsert(ctx, &types.ValidationCacheEntry{
		CodeHash:      rows[0].BaseCodeHash,
		ShufflePassed: false,
		CheckedAt:     time.Now().UTC(),
	}))

	val := validator.New(f.registry, f.stores, f.tracker, validator.DefaultConfig(), zap.NewNop())
	require.NoError(t, val.Process(ctx, f.claim(t, types.StatusGenerated), "w1"))

	got := f.status(t, rows[0].ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "shuffle: cached shuffle failure", got.FailureReason)
}

// TestEmergencyStopHoldsDeployments trips the global exposure stop from
// live state, watches it park a SELECTED row, and deploys after an
// operator clears the flag.
func TestEmergencyStopHoldsDeployments(t *testing.T) {
	ctx := context.Background()
	f := newPipeFixture(t)

	// A live strategy with open notional past the global cap.
	liveSt := &types.Strategy{
		ID: "live-a", Name: "Strategy_live_a", Category: types.CategoryMomentum,
		Interval: types.Interval1h, SourceCode: "s", Status: types.StatusLive,
		Symbols: []string{"BTC/USD"}, Direction: types.DirectionLong,
		GeneratedAt: time.Now().Add(-2 * time.Hour), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.stores.Strategies.Insert(ctx, liveSt))
	require.NoError(t, f.stores.Subaccounts.Insert(ctx, &types.Subaccount{ID: 1, Status: types.SubaccountActive}))
	require.NoError(t, f.stores.Subaccounts.Assign(ctx, 1, liveSt.ID, decimal.NewFromInt(1000)))
	require.NoError(t, f.stores.Trades.Insert(ctx, &types.Trade{
		ID: "tr-1", StrategyID: liveSt.ID, SubaccountID: 1, Symbol: "BTC/USD",
		Direction: types.DirectionLong, EntryTime: time.Now().UTC(),
		EntryPrice: decimal.NewFromInt(1500), Size: decimal.NewFromInt(100),
		Leverage: 1, IsOpen: true,
	}))

	mgr := emergency.New(f.stores, f.tracker, f.metrics, emergency.DefaultConfig(), zap.NewNop())
	require.NoError(t, mgr.Evaluate(ctx))

	stop, err := f.stores.Stops.Get(ctx, types.ScopeGlobal, "global")
	require.NoError(t, err)
	assert.True(t, stop.IsStopped)
	assert.Equal(t, emergency.ReasonGlobalExposure, stop.Reason)

	// A waiting candidate cannot deploy while the stop holds.
	selSt := &types.Strategy{
		ID: "sel-b", Name: "Strategy_sel_b", Category: types.CategoryMomentum,
		Interval: types.Interval1h, SourceCode: "s", Status: types.StatusSelected,
		Symbols: []string{"ETH/USD"}, Direction: types.DirectionLong,
		GeneratedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.stores.Strategies.Insert(ctx, selSt))
	require.NoError(t, f.stores.Subaccounts.Insert(ctx, &types.Subaccount{ID: 2, Status: types.SubaccountActive}))

	dep := deployer.New(f.stores, mgr, f.tracker, deployer.DefaultConfig(), zap.NewNop())
	claimed := f.claim(t, types.StatusSelected)
	err = dep.Process(ctx, claimed, "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emergency gate")
	require.NoError(t, f.stores.Strategies.Release(ctx, claimed.ID))
	assert.Equal(t, types.StatusSelected, f.status(t, selSt.ID).Status)

	// Operator reset: the parked row deploys on the next pass.
	require.NoError(t, f.stores.Stops.Clear(ctx, types.ScopeGlobal, "global"))
	require.NoError(t, dep.Process(ctx, f.claim(t, types.StatusSelected), "w1"))
	assert.Equal(t, types.StatusLive, f.status(t, selSt.ID).Status)

	sub, err := f.stores.Subaccounts.GetByStrategy(ctx, selSt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.ID)

	// The stop itself is on the record.
	require.NoError(t, f.tracker.Close(ctx))
	recorded, err := f.stores.Events.ListByStrategyName(ctx, "global", 0)
	require.NoError(t, err)
	require.NotEmpty(t, recorded)
	assert.Equal(t, events.TypeEmergencyStop, recorded[len(recorded)-1].EventType)
	assert.Equal(t, emergency.ReasonGlobalExposure, recorded[len(recorded)-1].Details["reason"])
}
