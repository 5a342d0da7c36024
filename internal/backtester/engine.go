// Package backtester evaluates VALIDATED strategies: an interval sweep
// picks the optimal bar interval, a dual-period run produces full and
// recent metric rows, and the recency-weighted score decides admission
// to TESTED.
package backtester

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// HistorySource provides candle history for simulated runs.
type HistorySource interface {
	FetchCandles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.Candle, error)
}

// Config controls evaluation depth and admission.
type Config struct {
	Intervals          []types.Interval     `json:"intervals" mapstructure:"intervals"`
	FullBars           int                  `json:"full_bars" mapstructure:"full_bars"`
	RecentBars         int                  `json:"recent_bars" mapstructure:"recent_bars"`
	MinBars            int                  `json:"min_bars" mapstructure:"min_bars"`
	MinTrades          int                  `json:"min_trades" mapstructure:"min_trades"`
	InitialCapital     float64              `json:"initial_capital" mapstructure:"initial_capital"`
	FeeRate            float64              `json:"fee_rate" mapstructure:"fee_rate"`
	SlippageBps        float64              `json:"slippage_bps" mapstructure:"slippage_bps"`
	MaxRecencyPenalty  float64              `json:"max_recency_penalty" mapstructure:"max_recency_penalty"`
	AdmissionThreshold float64              `json:"admission_threshold" mapstructure:"admission_threshold"`
	Weights            types.ScoringWeights `json:"weights" mapstructure:"weights"`
	WalkForward        WalkForwardConfig    `json:"walk_forward" mapstructure:"walk_forward"`
}

// DefaultConfig returns the production evaluation settings.
func DefaultConfig() Config {
	return Config{
		Intervals:          []types.Interval{types.Interval15m, types.Interval30m, types.Interval1h, types.Interval4h},
		FullBars:           3000,
		RecentBars:         500,
		MinBars:            300,
		MinTrades:          10,
		InitialCapital:     10000,
		FeeRate:            0.00045,
		SlippageBps:        2,
		MaxRecencyPenalty:  0.20,
		AdmissionThreshold: 0.40,
		Weights:            types.DefaultScoringWeights(),
		WalkForward:        DefaultWalkForwardConfig(),
	}
}

// Backtester is the pipeline stage consuming VALIDATED rows.
type Backtester struct {
	registry *strategy.Registry
	history  HistorySource
	stores   *storage.Stores
	tracker  *events.Tracker
	config   Config
	logger   *zap.Logger
}

// New creates the stage.
func New(registry *strategy.Registry, history HistorySource, stores *storage.Stores, tracker *events.Tracker, config Config, logger *zap.Logger) *Backtester {
	return &Backtester{
		registry: registry,
		history:  history,
		stores:   stores,
		tracker:  tracker,
		config:   config,
		logger:   logger.Named("backtester"),
	}
}

// Name identifies the stage in logs and metrics.
func (b *Backtester) Name() string { return "backtester" }

// From is the status this stage claims.
func (b *Backtester) From() types.Status { return types.StatusValidated }

// intervalEval is the outcome of evaluating one candidate interval.
type intervalEval struct {
	interval    types.Interval
	symbols     []string
	full        runMetrics
	recent      runMetrics
	wfStability float64
	ratio       float64
	penalty     float64
	wSharpe     float64
	wWinRate    float64
	wExpect     float64
}

// Process evaluates one claimed strategy. Infrastructure errors are
// returned so the claim can be released and retried; evaluation verdicts
// move the row to TESTED or FAILED here.
func (b *Backtester) Process(ctx context.Context, st *types.Strategy, workerID string) error {
	started := time.Now()

	inst, err := b.registry.Resolve(st.TemplateID, st.Parameters, st.SourceCode)
	if err != nil {
		return b.fail(ctx, st, fmt.Sprintf("instantiation: %v", err))
	}
	if len(st.Symbols) == 0 {
		return b.fail(ctx, st, "no symbols assigned")
	}

	evals := make([]*intervalEval, 0, len(b.config.Intervals))
	for _, interval := range b.sweepIntervals(st) {
		eval, err := b.evaluateInterval(ctx, inst, st.Symbols, interval)
		if err != nil {
			return fmt.Errorf("evaluating %s at %s: %w", st.Name, interval, err)
		}
		if eval != nil {
			evals = append(evals, eval)
		}
	}

	best := bestEval(evals)
	if best == nil {
		return b.fail(ctx, st, "no interval produced trades")
	}
	if best.full.TradeCount < b.config.MinTrades {
		return b.fail(ctx, st, fmt.Sprintf("insufficient trades: %d < %d", best.full.TradeCount, b.config.MinTrades))
	}

	if err := b.stores.Strategies.SetOptimalInterval(ctx, st.ID, best.interval); err != nil {
		return fmt.Errorf("recording optimal interval: %w", err)
	}
	if err := b.persist(ctx, st, best); err != nil {
		return fmt.Errorf("persisting results: %w", err)
	}

	score := b.config.Weights.Score(best.wExpect, best.wSharpe, best.wWinRate, best.wfStability)
	details := map[string]any{
		"score":           score,
		"interval":        string(best.interval),
		"sharpe_full":     best.full.Sharpe,
		"sharpe_recent":   best.recent.Sharpe,
		"expectancy":      best.wExpect,
		"win_rate":        best.wWinRate,
		"wf_stability":    best.wfStability,
		"recency_ratio":   best.ratio,
		"recency_penalty": best.penalty,
		"trade_count":     best.full.TradeCount,
		"max_drawdown":    best.full.MaxDrawdown,
	}

	if score < b.config.AdmissionThreshold {
		details["threshold"] = b.config.AdmissionThreshold
		b.tracker.StrategyEvent(ctx, st, events.TypeBacktestFailed, events.StageBacktester, events.StatusFailure, details)
		if err := b.stores.Strategies.Fail(ctx, st.ID, "score_below_threshold"); err != nil {
			return fmt.Errorf("failing strategy: %w", err)
		}
		b.logger.Info("Strategy rejected",
			zap.String("strategy", st.Name),
			zap.Float64("score", score),
			zap.Float64("threshold", b.config.AdmissionThreshold))
		return nil
	}

	if err := b.stores.Strategies.Advance(ctx, st.ID, types.StatusValidated, types.StatusTested, workerID); err != nil {
		return fmt.Errorf("advancing to tested: %w", err)
	}
	b.tracker.StageCompleted(ctx, st, events.TypeScored, events.StageBacktester, time.Since(started), details)

	b.logger.Info("Strategy tested",
		zap.String("strategy", st.Name),
		zap.String("optimal_interval", string(best.interval)),
		zap.Float64("score", score),
		zap.Int("trades", best.full.TradeCount),
		zap.Duration("took", time.Since(started)))
	return nil
}

// sweepIntervals is the configured sweep set, always including the
// candidate's declared interval.
func (b *Backtester) sweepIntervals(st *types.Strategy) []types.Interval {
	intervals := make([]types.Interval, 0, len(b.config.Intervals)+1)
	seen := make(map[types.Interval]bool)
	for _, iv := range b.config.Intervals {
		if !seen[iv] {
			intervals = append(intervals, iv)
			seen[iv] = true
		}
	}
	if st.Interval != "" && !seen[st.Interval] {
		intervals = append(intervals, st.Interval)
	}
	return intervals
}

// evaluateInterval runs the dual-period evaluation for one interval over
// every assigned symbol with enough history. Returns nil when no symbol
// qualifies.
func (b *Backtester) evaluateInterval(ctx context.Context, inst strategy.Strategy, symbols []string, interval types.Interval) (*intervalEval, error) {
	cfg := simConfig{
		initialCapital: b.config.InitialCapital,
		feeRate:        b.config.FeeRate,
		slippageBps:    b.config.SlippageBps,
	}
	barsPerYear := interval.BarsPerYear()

	var fullRuns, recentRuns []*runStats
	var used []string
	var wfSum float64

	for _, symbol := range symbols {
		candles, err := b.history.FetchCandles(ctx, symbol, interval, b.config.FullBars)
		if err != nil {
			return nil, fmt.Errorf("history %s %s: %w", symbol, interval, err)
		}
		if len(candles) < b.config.MinBars {
			continue
		}

		f := frame.New(symbol, interval, candles)
		if err := inst.PrecomputeIndicators(f); err != nil {
			return nil, fmt.Errorf("precompute %s %s: %w", symbol, interval, err)
		}
		warmup := warmupBars(f)
		if f.Len()-warmup < b.config.MinBars/2 {
			continue
		}

		full, err := simulate(f, inst, cfg, warmup, f.Len())
		if err != nil {
			return nil, fmt.Errorf("full run %s %s: %w", symbol, interval, err)
		}

		recentStart := f.Len() - b.config.RecentBars
		if recentStart < warmup {
			recentStart = warmup
		}
		recent, err := simulate(f, inst, cfg, recentStart, f.Len())
		if err != nil {
			return nil, fmt.Errorf("recent run %s %s: %w", symbol, interval, err)
		}

		stability, err := walkForward(f, inst, cfg, b.config.WalkForward, warmup, barsPerYear)
		if err != nil {
			return nil, fmt.Errorf("walk-forward %s %s: %w", symbol, interval, err)
		}

		fullRuns = append(fullRuns, full)
		recentRuns = append(recentRuns, recent)
		wfSum += stability
		used = append(used, symbol)
	}

	if len(used) == 0 {
		return nil, nil
	}

	fullTrades, fullReturns := aggregateRuns(fullRuns)
	recentTrades, recentReturns := aggregateRuns(recentRuns)

	eval := &intervalEval{
		interval:    interval,
		symbols:     used,
		full:        computeMetrics(fullTrades, fullReturns, barsPerYear),
		recent:      computeMetrics(recentTrades, recentReturns, barsPerYear),
		wfStability: wfSum / float64(len(used)),
	}
	eval.ratio, eval.penalty = b.recency(eval.full.Sharpe, eval.recent.Sharpe)

	factor := 1 - eval.penalty
	eval.wSharpe = eval.full.Sharpe * factor
	eval.wWinRate = eval.full.WinRate * factor
	eval.wExpect = eval.full.Expectancy * factor
	return eval, nil
}

// recency computes the recent/full sharpe ratio and its bounded penalty.
// A non-positive full sharpe is neutral: the raw sharpe already sinks the
// score, so no extra penalty applies.
func (b *Backtester) recency(fullSharpe, recentSharpe float64) (ratio, penalty float64) {
	if fullSharpe <= 0 {
		return 1, 0
	}
	ratio = recentSharpe / fullSharpe
	if ratio >= 1 {
		return ratio, 0
	}
	penalty = 1 - ratio
	if penalty > b.config.MaxRecencyPenalty {
		penalty = b.config.MaxRecencyPenalty
	}
	return ratio, penalty
}

func bestEval(evals []*intervalEval) *intervalEval {
	var best *intervalEval
	for _, e := range evals {
		if e.full.TradeCount == 0 {
			continue
		}
		if best == nil || e.wSharpe > best.wSharpe {
			best = e
		}
	}
	return best
}

// persist writes the linked full and recent result rows at the optimal
// interval.
func (b *Backtester) persist(ctx context.Context, st *types.Strategy, e *intervalEval) error {
	now := time.Now().UTC()

	full := &types.BacktestResult{
		ID:              utils.GenerateID("bt"),
		StrategyID:      st.ID,
		PeriodType:      types.PeriodFull,
		Sharpe:          e.full.Sharpe,
		WinRate:         e.full.WinRate,
		Expectancy:      e.full.Expectancy,
		MaxDrawdown:     e.full.MaxDrawdown,
		TradeCount:      e.full.TradeCount,
		TotalReturn:     e.full.TotalReturn,
		WFStability:     e.wfStability,
		Symbols:         e.symbols,
		Interval:        e.interval,
		IsOptimal:       true,
		WeightedSharpe:  e.wSharpe,
		WeightedWinRate: e.wWinRate,
		WeightedExpect:  e.wExpect,
		RecencyRatio:    e.ratio,
		RecencyPenalty:  e.penalty,
		CreatedAt:       now,
	}
	recent := &types.BacktestResult{
		ID:              utils.GenerateID("bt"),
		StrategyID:      st.ID,
		PeriodType:      types.PeriodRecent,
		Sharpe:          e.recent.Sharpe,
		WinRate:         e.recent.WinRate,
		Expectancy:      e.recent.Expectancy,
		MaxDrawdown:     e.recent.MaxDrawdown,
		TradeCount:      e.recent.TradeCount,
		TotalReturn:     e.recent.TotalReturn,
		WFStability:     e.wfStability,
		Symbols:         e.symbols,
		Interval:        e.interval,
		IsOptimal:       true,
		WeightedSharpe:  e.recent.Sharpe,
		WeightedWinRate: e.recent.WinRate,
		WeightedExpect:  e.recent.Expectancy,
		RecencyRatio:    e.ratio,
		RecencyPenalty:  e.penalty,
		CreatedAt:       now,
	}

	if err := b.stores.Backtests.Insert(ctx, full); err != nil {
		return err
	}
	if err := b.stores.Backtests.Insert(ctx, recent); err != nil {
		return err
	}
	return b.stores.Backtests.LinkRecent(ctx, full.ID, recent.ID)
}

// fail records an intrinsic rejection: event first, then the FAILED flip.
func (b *Backtester) fail(ctx context.Context, st *types.Strategy, reason string) error {
	b.tracker.StrategyEvent(ctx, st, events.TypeBacktestFailed, events.StageBacktester, events.StatusFailure, map[string]any{
		"reason": reason,
	})
	if err := b.stores.Strategies.Fail(ctx, st.ID, reason); err != nil {
		return fmt.Errorf("failing strategy: %w", err)
	}
	b.logger.Info("Strategy failed backtest",
		zap.String("strategy", st.Name),
		zap.String("reason", reason))
	return nil
}
