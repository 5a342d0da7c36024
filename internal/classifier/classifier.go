// Package classifier reviews the live fleet and the tested bench on a
// fixed cadence: it refreshes live metrics from closed trades, retires
// strategies that stop earning their slot, promotes the best tested
// candidates into the deployment pool, and archives stale low scorers.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Retirement reasons recorded on events.
const (
	ReasonDrawdown   = "drawdown_breach"
	ReasonInactive   = "inactive"
	ReasonLowScore   = "score_below_threshold"
	ReasonDivergence = "live_divergence"
)

// Config tunes the review cadence and the retirement and promotion gates.
type Config struct {
	// CycleInterval is the pause between review cycles.
	CycleInterval time.Duration `json:"cycle_interval" mapstructure:"cycle_interval"`

	// MinLiveTrades is how many closed trades a strategy needs before its
	// live score and divergence are judged at all.
	MinLiveTrades int `json:"min_live_trades" mapstructure:"min_live_trades"`

	// ScoreThreshold is the live score floor. Scores below it for
	// ConsecutiveLowScores cycles in a row retire the strategy.
	ScoreThreshold       float64 `json:"score_threshold" mapstructure:"score_threshold"`
	ConsecutiveLowScores int     `json:"consecutive_low_scores" mapstructure:"consecutive_low_scores"`

	// MaxLiveDrawdown retires a strategy whose subaccount sits this far
	// below its peak balance, as a fraction.
	MaxLiveDrawdown float64 `json:"max_live_drawdown" mapstructure:"max_live_drawdown"`

	// InactivityBound retires a live strategy with no open positions and
	// no closed trade for this long after deployment.
	InactivityBound time.Duration `json:"inactivity_bound" mapstructure:"inactivity_bound"`

	// DivergenceRatio retires a strategy whose live score falls below
	// this fraction of its backtest score.
	DivergenceRatio float64 `json:"divergence_ratio" mapstructure:"divergence_ratio"`

	// PoolBudget caps LIVE plus SELECTED strategies. Promotion fills the
	// gap between the budget and the current pool.
	PoolBudget int `json:"pool_budget" mapstructure:"pool_budget"`

	// MaxPerCategory and MaxPerInterval are diversification caps counted
	// across the pool, existing members included.
	MaxPerCategory int `json:"max_per_category" mapstructure:"max_per_category"`
	MaxPerInterval int `json:"max_per_interval" mapstructure:"max_per_interval"`

	// PromotionThreshold is the minimum backtest score for promotion.
	PromotionThreshold float64 `json:"promotion_threshold" mapstructure:"promotion_threshold"`

	// ArchiveThreshold and ArchiveMinAge retire TESTED rows that scored
	// below the threshold and have sat on the bench past the age.
	ArchiveThreshold float64       `json:"archive_threshold" mapstructure:"archive_threshold"`
	ArchiveMinAge    time.Duration `json:"archive_min_age" mapstructure:"archive_min_age"`

	// ListLimit bounds every per-status listing in a cycle.
	ListLimit int `json:"list_limit" mapstructure:"list_limit"`

	Weights types.ScoringWeights `json:"weights" mapstructure:"weights"`
}

// DefaultConfig returns the production review settings.
func DefaultConfig() Config {
	return Config{
		CycleInterval:        15 * time.Minute,
		MinLiveTrades:        5,
		ScoreThreshold:       0.35,
		ConsecutiveLowScores: 3,
		MaxLiveDrawdown:      0.25,
		InactivityBound:      7 * 24 * time.Hour,
		DivergenceRatio:      0.5,
		PoolBudget:           10,
		MaxPerCategory:       3,
		MaxPerInterval:       4,
		PromotionThreshold:   0.40,
		ArchiveThreshold:     0.30,
		ArchiveMinAge:        72 * time.Hour,
		ListLimit:            500,
		Weights:              types.DefaultScoringWeights(),
	}
}

// Classifier is the cadence role that owns TESTED -> SELECTED promotion
// and every transition into RETIRED.
type Classifier struct {
	stores  *storage.Stores
	tracker *events.Tracker
	config  Config
	logger  *zap.Logger
	now     func() time.Time

	// lowStreak counts consecutive below-threshold cycles per live
	// strategy. It is process-local; a restart starts the count over.
	lowStreak map[string]int
}

func New(stores *storage.Stores, tracker *events.Tracker, config Config, logger *zap.Logger) *Classifier {
	return &Classifier{
		stores:    stores,
		tracker:   tracker,
		config:    config,
		logger:    logger.Named("classifier"),
		now:       time.Now,
		lowStreak: make(map[string]int),
	}
}

// Run reviews on the configured cadence until the context ends.
func (c *Classifier) Run(ctx context.Context) error {
	c.logger.Info("Classifier started",
		zap.Duration("interval", c.config.CycleInterval),
		zap.Int("pool_budget", c.config.PoolBudget))

	ticker := time.NewTicker(c.config.CycleInterval)
	defer ticker.Stop()

	for {
		if err := c.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Error("Review cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one full review: live fleet first, then promotion, then
// archival. Later steps still run when an earlier one fails so a broken
// metric refresh cannot freeze the bench.
func (c *Classifier) Cycle(ctx context.Context) error {
	var errs []error
	if err := c.reviewLive(ctx); err != nil {
		errs = append(errs, fmt.Errorf("review live: %w", err))
	}
	if err := c.promote(ctx); err != nil {
		errs = append(errs, fmt.Errorf("promote: %w", err))
	}
	if err := c.archive(ctx); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	return errors.Join(errs...)
}

// reviewLive refreshes live metrics for each LIVE strategy and applies
// the retirement predicates in order: drawdown, inactivity, sustained
// low score, live-vs-backtest divergence. The first hit retires the row.
func (c *Classifier) reviewLive(ctx context.Context) error {
	live, err := c.stores.Strategies.ListByStatus(ctx, types.StatusLive, c.config.ListLimit)
	if err != nil {
		return fmt.Errorf("list live: %w", err)
	}

	seen := make(map[string]bool, len(live))
	for _, st := range live {
		seen[st.ID] = true
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.reviewOne(ctx, st); err != nil {
			c.logger.Warn("Live review failed",
				zap.String("strategy", st.Name),
				zap.Error(err))
		}
	}

	// Drop streak entries for strategies no longer live.
	for id := range c.lowStreak {
		if !seen[id] {
			delete(c.lowStreak, id)
		}
	}
	return nil
}

func (c *Classifier) reviewOne(ctx context.Context, st *types.Strategy) error {
	closed, err := c.stores.Trades.GetClosedByStrategy(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("closed trades: %w", err)
	}
	lm := computeLiveMetrics(closed)

	sub, err := c.stores.Subaccounts.GetByStrategy(ctx, st.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A live row without a subaccount means a deploy was torn
			// down out of band. Flag it and let an operator resolve it.
			c.logger.Error("Live strategy has no subaccount", zap.String("strategy", st.Name))
			return nil
		}
		return fmt.Errorf("subaccount: %w", err)
	}

	bt, err := c.stores.Backtests.GetOptimalFull(ctx, st.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("backtest row: %w", err)
	}
	wfStability := 0.0
	if bt != nil {
		wfStability = bt.WFStability
	}
	liveScore := c.config.Weights.Score(lm.Expectancy, lm.Sharpe, lm.WinRate, wfStability)

	drawdown := 0.0
	if peak := sub.PeakBalance.InexactFloat64(); peak > 0 {
		drawdown = 1 - sub.CurrentBalance.InexactFloat64()/peak
	}

	details := map[string]any{
		"live_score": liveScore,
		"trades":     lm.TradeCount,
		"win_rate":   lm.WinRate,
		"expectancy": lm.Expectancy,
		"sharpe":     lm.Sharpe,
		"drawdown":   drawdown,
		"subaccount": sub.ID,
	}

	if reason, extra := c.retirementReason(ctx, st, sub, lm, bt, liveScore, drawdown); reason != "" {
		for k, v := range extra {
			details[k] = v
		}
		details["reason"] = reason
		return c.retire(ctx, st, sub, reason, details)
	}

	c.logger.Debug("Live strategy reviewed",
		zap.String("strategy", st.Name),
		zap.Float64("live_score", liveScore),
		zap.Int("trades", lm.TradeCount),
		zap.Float64("drawdown", drawdown))
	return nil
}

// retirementReason applies the predicates in severity order and returns
// the first reason that fires, or "".
func (c *Classifier) retirementReason(ctx context.Context, st *types.Strategy, sub *types.Subaccount, lm LiveMetrics, bt *types.BacktestResult, liveScore, drawdown float64) (string, map[string]any) {
	if drawdown >= c.config.MaxLiveDrawdown {
		return ReasonDrawdown, map[string]any{
			"peak_balance":    sub.PeakBalance.String(),
			"current_balance": sub.CurrentBalance.String(),
		}
	}

	// Inactivity: nothing open and nothing closed since deployment for
	// longer than the bound.
	open, err := c.stores.Trades.GetOpenByStrategy(ctx, st.ID)
	if err != nil {
		c.logger.Warn("Open trade lookup failed", zap.String("strategy", st.Name), zap.Error(err))
	} else if len(open) == 0 {
		ref := st.GeneratedAt
		if st.DeployedAt != nil {
			ref = *st.DeployedAt
		}
		if lm.LastExit.After(ref) {
			ref = lm.LastExit
		}
		if idle := c.now().UTC().Sub(ref); idle > c.config.InactivityBound {
			return ReasonInactive, map[string]any{"idle_hours": int(idle.Hours())}
		}
	}

	if lm.TradeCount >= c.config.MinLiveTrades {
		if liveScore < c.config.ScoreThreshold {
			c.lowStreak[st.ID]++
			if c.lowStreak[st.ID] >= c.config.ConsecutiveLowScores {
				return ReasonLowScore, map[string]any{
					"threshold":    c.config.ScoreThreshold,
					"cycles_below": c.lowStreak[st.ID],
				}
			}
		} else {
			delete(c.lowStreak, st.ID)
		}

		if bt != nil {
			btScore := c.config.Weights.Score(bt.WeightedExpect, bt.WeightedSharpe, bt.WeightedWinRate, bt.WFStability)
			if btScore > 0 && liveScore < c.config.DivergenceRatio*btScore {
				return ReasonDivergence, map[string]any{
					"backtest_score": btScore,
					"ratio_floor":    c.config.DivergenceRatio,
				}
			}
		}
	}
	return "", nil
}

// retire moves a live row to RETIRED, emits the event, and frees its
// subaccount. The transition is unleased; a row mid-claim is left for
// the next cycle.
func (c *Classifier) retire(ctx context.Context, st *types.Strategy, sub *types.Subaccount, reason string, details map[string]any) error {
	if err := c.stores.Strategies.Advance(ctx, st.ID, types.StatusLive, types.StatusRetired, ""); err != nil {
		return fmt.Errorf("retire %s: %w", st.ID, err)
	}
	c.tracker.StrategyEvent(ctx, st, events.TypeRetired, events.StageClassifier, events.StatusSuccess, details)
	delete(c.lowStreak, st.ID)

	if err := c.stores.Subaccounts.Free(ctx, sub.ID); err != nil {
		// The row is already retired; a stuck assignment needs an
		// operator, not a rollback.
		c.logger.Error("Subaccount free failed after retirement",
			zap.Int("subaccount", sub.ID),
			zap.String("strategy", st.Name),
			zap.Error(err))
	}

	c.logger.Info("Strategy retired",
		zap.String("strategy", st.Name),
		zap.String("reason", reason),
		zap.Int("subaccount", sub.ID))
	return nil
}

type rankedCandidate struct {
	st    *types.Strategy
	score float64
	bt    *types.BacktestResult
}

// promote fills the pool up to budget from the TESTED bench, best
// backtest score first, honoring the diversification caps.
func (c *Classifier) promote(ctx context.Context) error {
	selected, err := c.stores.Strategies.ListByStatus(ctx, types.StatusSelected, c.config.ListLimit)
	if err != nil {
		return fmt.Errorf("list selected: %w", err)
	}
	live, err := c.stores.Strategies.ListByStatus(ctx, types.StatusLive, c.config.ListLimit)
	if err != nil {
		return fmt.Errorf("list live: %w", err)
	}

	slots := c.config.PoolBudget - len(selected) - len(live)
	if slots <= 0 {
		return nil
	}

	tested, err := c.stores.Strategies.ListByStatus(ctx, types.StatusTested, c.config.ListLimit)
	if err != nil {
		return fmt.Errorf("list tested: %w", err)
	}
	if len(tested) == 0 {
		return nil
	}

	// Caps count the existing pool so promotion cannot concentrate it.
	catCount := make(map[types.Category]int)
	intvCount := make(map[types.Interval]int)
	for _, st := range append(append([]*types.Strategy{}, selected...), live...) {
		catCount[st.Category]++
		intvCount[poolInterval(st)]++
	}

	ranked := make([]rankedCandidate, 0, len(tested))
	for _, st := range tested {
		bt, err := c.stores.Backtests.GetOptimalFull(ctx, st.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("Backtest lookup failed", zap.String("strategy", st.Name), zap.Error(err))
			}
			continue
		}
		score := c.config.Weights.Score(bt.WeightedExpect, bt.WeightedSharpe, bt.WeightedWinRate, bt.WFStability)
		if score < c.config.PromotionThreshold {
			continue
		}
		ranked = append(ranked, rankedCandidate{st: st, score: score, bt: bt})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	promoted := 0
	for _, cand := range ranked {
		if slots <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if catCount[cand.st.Category] >= c.config.MaxPerCategory {
			continue
		}
		intv := poolInterval(cand.st)
		if intvCount[intv] >= c.config.MaxPerInterval {
			continue
		}

		if err := c.stores.Strategies.Advance(ctx, cand.st.ID, types.StatusTested, types.StatusSelected, ""); err != nil {
			c.logger.Warn("Promotion failed",
				zap.String("strategy", cand.st.Name),
				zap.Error(err))
			continue
		}
		catCount[cand.st.Category]++
		intvCount[intv]++
		slots--
		promoted++

		c.tracker.StrategyEvent(ctx, cand.st, events.TypeEntered, events.StageClassifier, events.StatusSuccess, map[string]any{
			"score":      cand.score,
			"sharpe":     cand.bt.Sharpe,
			"expectancy": cand.bt.Expectancy,
			"interval":   string(intv),
		})
		c.logger.Info("Strategy promoted to pool",
			zap.String("strategy", cand.st.Name),
			zap.Float64("score", cand.score),
			zap.String("interval", string(intv)))
	}

	if promoted > 0 {
		c.logger.Info("Promotion pass complete",
			zap.Int("promoted", promoted),
			zap.Int("bench", len(tested)))
	}
	return nil
}

// archive retires TESTED rows that scored below the archival threshold
// and have sat on the bench past the minimum age.
func (c *Classifier) archive(ctx context.Context) error {
	tested, err := c.stores.Strategies.ListByStatus(ctx, types.StatusTested, c.config.ListLimit)
	if err != nil {
		return fmt.Errorf("list tested: %w", err)
	}

	now := c.now().UTC()
	archived := 0
	for _, st := range tested {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.TestedAt == nil || now.Sub(*st.TestedAt) < c.config.ArchiveMinAge {
			continue
		}
		bt, err := c.stores.Backtests.GetOptimalFull(ctx, st.ID)
		if err != nil {
			continue
		}
		score := c.config.Weights.Score(bt.WeightedExpect, bt.WeightedSharpe, bt.WeightedWinRate, bt.WFStability)
		if score >= c.config.ArchiveThreshold {
			continue
		}

		if err := c.stores.Strategies.Advance(ctx, st.ID, types.StatusTested, types.StatusRetired, ""); err != nil {
			c.logger.Warn("Archive failed", zap.String("strategy", st.Name), zap.Error(err))
			continue
		}
		archived++
		c.tracker.StrategyEvent(ctx, st, events.TypeArchived, events.StageClassifier, events.StatusSuccess, map[string]any{
			"reason":    ReasonLowScore,
			"score":     score,
			"age_hours": int(now.Sub(*st.TestedAt).Hours()),
		})
		c.logger.Info("Strategy archived",
			zap.String("strategy", st.Name),
			zap.Float64("score", score))
	}

	if archived > 0 {
		c.logger.Info("Archive pass complete", zap.Int("archived", archived))
	}
	return nil
}

// poolInterval is the interval a pooled strategy will actually trade:
// the backtester's optimal pick when set, its template default otherwise.
func poolInterval(st *types.Strategy) types.Interval {
	if st.OptimalInterval != "" {
		return st.OptimalInterval
	}
	return st.Interval
}
