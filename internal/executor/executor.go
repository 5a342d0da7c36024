// Package executor runs every LIVE strategy in one process: it keeps
// venue balances reconciled into subaccount rows, scans cached candles
// per tick for signals, places bracketed orders, and enforces stops,
// targets, trailing stops, and time exits. It owns all Trade writes and
// all Subaccount balance updates and never touches Strategy.status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/emergency"
	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/marketdata"
	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/internal/venue"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Config tunes the live execution loop.
type Config struct {
	// TickInterval is the candle-scan cadence.
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`

	// RefreshInterval is the fleet refresh cadence: new LIVE strategies
	// picked up, retired ones torn down, new (symbol, interval) pairs
	// bootstrapped and subscribed.
	RefreshInterval time.Duration `json:"refresh_interval" mapstructure:"refresh_interval"`

	// MaxOpenPositions caps open trades per subaccount and divides
	// allocated capital into per-position sleeves.
	MaxOpenPositions int `json:"max_open_positions" mapstructure:"max_open_positions"`

	// RiskPerTrade is the fraction of allocated capital put at risk
	// between entry and stop on one trade.
	RiskPerTrade float64 `json:"risk_per_trade" mapstructure:"risk_per_trade"`

	// MinNotional skips entries the venue would reject as dust.
	MinNotional decimal.Decimal `json:"min_notional" mapstructure:"min_notional"`

	// SizeStep is the venue lot increment; order sizes round down to it.
	SizeStep decimal.Decimal `json:"size_step" mapstructure:"size_step"`

	// PriceTick is the venue price increment for bracket legs.
	PriceTick decimal.Decimal `json:"price_tick" mapstructure:"price_tick"`

	// MaxLeverage caps the leverage any signal may request.
	MaxLeverage int `json:"max_leverage" mapstructure:"max_leverage"`

	// MinHistoryBars is the fewest cached bars a pair needs before the
	// strategy is consulted at all.
	MinHistoryBars int `json:"min_history_bars" mapstructure:"min_history_bars"`

	// CloseOnShutdown market-closes every open position during shutdown
	// instead of leaving them under their venue-side brackets.
	CloseOnShutdown bool `json:"close_on_shutdown" mapstructure:"close_on_shutdown"`
}

// DefaultConfig returns the production execution settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:     15 * time.Second,
		RefreshInterval:  time.Minute,
		MaxOpenPositions: 3,
		RiskPerTrade:     0.02,
		MinNotional:      decimal.NewFromInt(10),
		SizeStep:         decimal.RequireFromString("0.001"),
		PriceTick:        decimal.RequireFromString("0.01"),
		MaxLeverage:      10,
		MinHistoryBars:   50,
		CloseOnShutdown:  false,
	}
}

// liveUnit is one LIVE strategy bound to its subaccount and resolved
// implementation.
type liveUnit struct {
	st       *types.Strategy
	inst     strategy.Strategy
	subID    int
	interval types.Interval
	symbols  []string
}

// cachedFrame is one precomputed indicator frame. Valid while the pair's
// cache still ends on the same bar with the same length.
type cachedFrame struct {
	frame   *frame.Frame
	length  int
	lastBar time.Time
}

// Executor is the single live-trading process.
type Executor struct {
	stores   *storage.Stores
	registry *strategy.Registry
	venue    venue.Client
	market   *marketdata.Service
	gate     *emergency.Manager
	tracker  *events.Tracker
	metrics  *observability.Metrics
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	fleet  map[string]*liveUnit   // keyed by strategy id
	frames map[string]cachedFrame // keyed by strategy|symbol|interval
	seen   map[string]time.Time   // last processed bar per strategy|symbol

	// trails holds in-memory trailing state per open trade id. It does
	// not survive a restart; persisted StopLoss keeps the last level.
	trails map[string]*trailState

	// trailChecks is the last bracket-maintenance time per symbol.
	trailChecks map[string]time.Time

	prices chan types.PriceUpdate
}

func New(stores *storage.Stores, registry *strategy.Registry, venueClient venue.Client, market *marketdata.Service, gate *emergency.Manager, tracker *events.Tracker, metrics *observability.Metrics, config Config, logger *zap.Logger) *Executor {
	return &Executor{
		stores:      stores,
		registry:    registry,
		venue:       venueClient,
		market:      market,
		gate:        gate,
		tracker:     tracker,
		metrics:     metrics,
		config:      config,
		logger:      logger.Named("executor"),
		now:         time.Now,
		fleet:       make(map[string]*liveUnit),
		frames:      make(map[string]cachedFrame),
		seen:        make(map[string]time.Time),
		trails:      make(map[string]*trailState),
		trailChecks: make(map[string]time.Time),
		prices:      make(chan types.PriceUpdate, 1024),
	}
}

// Run reconciles, subscribes, and scans until the context ends.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("Executor starting",
		zap.Duration("tick", e.config.TickInterval),
		zap.Int("max_open", e.config.MaxOpenPositions),
		zap.Float64("risk_per_trade", e.config.RiskPerTrade))

	if err := e.Reconcile(ctx); err != nil {
		e.logger.Error("Startup reconciliation incomplete", zap.Error(err))
	}

	e.market.OnPrice(func(u types.PriceUpdate) {
		select {
		case e.prices <- u:
		default:
			// Price ticks are dense; dropping one only delays a trailing
			// check to the next tick.
		}
	})
	if err := e.market.SubscribeAllMids(); err != nil {
		e.logger.Warn("All-mids subscription failed", zap.Error(err))
	}

	if err := e.refreshFleet(ctx); err != nil {
		e.logger.Error("Initial fleet refresh failed", zap.Error(err))
	}
	e.resumeTrades(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.priceLoop(ctx)
	}()

	scanTicker := time.NewTicker(e.config.TickInterval)
	defer scanTicker.Stop()
	refreshTicker := time.NewTicker(e.config.RefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			wg.Wait()
			return ctx.Err()
		case <-refreshTicker.C:
			if err := e.refreshFleet(ctx); err != nil {
				e.logger.Error("Fleet refresh failed", zap.Error(err))
			}
		case <-scanTicker.C:
			e.scan(ctx)
		}
	}
}

// refreshFleet lists LIVE strategies, resolves newcomers, subscribes
// their (symbol, interval) pairs, and tears down retired units.
func (e *Executor) refreshFleet(ctx context.Context) error {
	live, err := e.stores.Strategies.ListByStatus(ctx, types.StatusLive, 500)
	if err != nil {
		return fmt.Errorf("list live: %w", err)
	}

	current := make(map[string]bool, len(live))
	for _, st := range live {
		current[st.ID] = true

		e.mu.RLock()
		_, known := e.fleet[st.ID]
		e.mu.RUnlock()
		if known {
			continue
		}

		unit, err := e.buildUnit(ctx, st)
		if err != nil {
			e.logger.Error("Live strategy not executable",
				zap.String("strategy", st.Name),
				zap.Error(err))
			continue
		}

		for _, symbol := range unit.symbols {
			if err := e.market.SubscribeCandles(ctx, symbol, unit.interval); err != nil {
				e.logger.Warn("Candle subscription failed",
					zap.String("symbol", symbol),
					zap.String("interval", string(unit.interval)),
					zap.Error(err))
			}
		}

		e.mu.Lock()
		e.fleet[st.ID] = unit
		e.mu.Unlock()

		e.logger.Info("Strategy added to fleet",
			zap.String("strategy", st.Name),
			zap.Int("subaccount", unit.subID),
			zap.Strings("symbols", unit.symbols),
			zap.String("interval", string(unit.interval)))
	}

	// Tear down strategies no longer LIVE, closing whatever they left open.
	e.mu.Lock()
	var gone []*liveUnit
	for id, unit := range e.fleet {
		if !current[id] {
			gone = append(gone, unit)
			delete(e.fleet, id)
		}
	}
	e.mu.Unlock()

	for _, unit := range gone {
		e.logger.Info("Strategy removed from fleet", zap.String("strategy", unit.st.Name))
		e.closeAllForStrategy(ctx, unit, types.ExitReasonShutdown)
	}
	return nil
}

func (e *Executor) buildUnit(ctx context.Context, st *types.Strategy) (*liveUnit, error) {
	inst, err := e.registry.Resolve(st.TemplateID, st.Parameters, st.SourceCode)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	sub, err := e.stores.Subaccounts.GetByStrategy(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("subaccount: %w", err)
	}

	interval := st.OptimalInterval
	if interval == "" {
		interval = inst.Interval()
	}
	return &liveUnit{
		st:       st,
		inst:     inst,
		subID:    sub.ID,
		interval: interval,
		symbols:  st.Symbols,
	}, nil
}

// resumeTrades reloads trailing state context for trades left open by a
// previous run: their persisted StopLoss holds, and time exits resume
// from the recorded entry time.
func (e *Executor) resumeTrades(ctx context.Context) {
	e.mu.RLock()
	units := make([]*liveUnit, 0, len(e.fleet))
	for _, u := range e.fleet {
		units = append(units, u)
	}
	e.mu.RUnlock()

	open := 0
	for _, unit := range units {
		trades, err := e.stores.Trades.GetOpenByStrategy(ctx, unit.st.ID)
		if err != nil {
			e.logger.Warn("Open trade reload failed", zap.String("strategy", unit.st.Name), zap.Error(err))
			continue
		}
		open += len(trades)
	}
	if e.metrics != nil {
		e.metrics.OpenTrades.Set(float64(open))
	}
	if open > 0 {
		e.logger.Info("Resumed open trades", zap.Int("count", open))
	}
}

// scan is one tick over the whole fleet.
func (e *Executor) scan(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.TicksTotal.Inc()
	}

	// Evaluate is throttled internally, so this is cheap on most ticks.
	if err := e.gate.Evaluate(ctx); err != nil {
		e.logger.Warn("Emergency evaluation failed", zap.Error(err))
	}

	e.mu.RLock()
	units := make([]*liveUnit, 0, len(e.fleet))
	for _, u := range e.fleet {
		units = append(units, u)
	}
	e.mu.RUnlock()

	for _, unit := range units {
		if ctx.Err() != nil {
			return
		}
		e.scanUnit(ctx, unit)
	}
}

func (e *Executor) scanUnit(ctx context.Context, unit *liveUnit) {
	stop, err := e.gate.ActiveStop(ctx, unit.subID, unit.st.ID)
	if err != nil {
		e.logger.Warn("Gate check failed", zap.String("strategy", unit.st.Name), zap.Error(err))
		return
	}
	if stop != nil {
		if stop.Action == types.ActionClosePositions {
			e.closeAllForStrategy(ctx, unit, types.ExitReasonEmergency)
		}
		return
	}

	sub, err := e.stores.Subaccounts.Get(ctx, unit.subID)
	if err != nil {
		e.logger.Warn("Subaccount fetch failed", zap.Int("subaccount", unit.subID), zap.Error(err))
		return
	}
	openTrades, err := e.stores.Trades.GetOpenBySubaccount(ctx, unit.subID)
	if err != nil {
		e.logger.Warn("Open trade fetch failed", zap.Int("subaccount", unit.subID), zap.Error(err))
		return
	}

	for _, symbol := range unit.symbols {
		e.scanSymbol(ctx, unit, sub, symbol, openTrades)
	}
}

// scanSymbol advances one (strategy, symbol) pair by at most one bar.
func (e *Executor) scanSymbol(ctx context.Context, unit *liveUnit, sub *types.Subaccount, symbol string, openTrades []*types.Trade) {
	candles := closedCandles(e.market.Candles(symbol, unit.interval))
	if len(candles) < e.config.MinHistoryBars {
		return
	}

	lastBar := candles[len(candles)-1].OpenTime
	seenKey := unit.st.ID + "|" + symbol
	e.mu.Lock()
	if prev, ok := e.seen[seenKey]; ok && !lastBar.After(prev) {
		e.mu.Unlock()
		// No new closed bar, but a held position can still age out.
		e.checkTimeExits(ctx, unit, symbol, openTrades, lastBar)
		return
	}
	e.seen[seenKey] = lastBar
	e.mu.Unlock()

	f, err := e.preparedFrame(unit, symbol, candles)
	if err != nil {
		e.logger.Warn("Indicator precompute failed",
			zap.String("strategy", unit.st.Name),
			zap.String("symbol", symbol),
			zap.Error(err))
		return
	}

	v, err := f.View(f.Len() - 1)
	if err != nil {
		return
	}

	e.checkTimeExits(ctx, unit, symbol, openTrades, lastBar)

	sig, err := unit.inst.GenerateSignal(v, symbol)
	if err != nil {
		e.logger.Warn("Signal generation failed",
			zap.String("strategy", unit.st.Name),
			zap.String("symbol", symbol),
			zap.Error(err))
		return
	}
	if sig == nil {
		return
	}

	position := openTradeOn(openTrades, unit.st.ID, symbol)

	switch sig.Action {
	case types.SignalClose:
		if position != nil {
			e.closeTrade(ctx, unit, position, types.ExitReasonSignal)
		}
	case types.SignalLong, types.SignalShort:
		if position != nil {
			return
		}
		if countByStrategy(openTrades, unit.st.ID) >= e.config.MaxOpenPositions {
			e.logger.Debug("Position cap reached",
				zap.String("strategy", unit.st.Name),
				zap.Int("cap", e.config.MaxOpenPositions))
			return
		}
		e.openTrade(ctx, unit, sub, symbol, sig, v)
	}
}

// preparedFrame returns the indicator-precomputed frame for a pair,
// rebuilt only when the cache gained a bar.
func (e *Executor) preparedFrame(unit *liveUnit, symbol string, candles []types.Candle) (*frame.Frame, error) {
	key := unit.st.ID + "|" + symbol + "|" + string(unit.interval)
	lastBar := candles[len(candles)-1].OpenTime

	e.mu.RLock()
	cached, ok := e.frames[key]
	e.mu.RUnlock()
	if ok && cached.length == len(candles) && cached.lastBar.Equal(lastBar) {
		return cached.frame, nil
	}

	f := frame.New(symbol, unit.interval, candles)
	if err := unit.inst.PrecomputeIndicators(f); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.frames[key] = cachedFrame{frame: f, length: len(candles), lastBar: lastBar}
	e.mu.Unlock()
	return f, nil
}

// checkTimeExits closes positions that sat through their exit_after_bars
// allowance, measured in whole bars since entry.
func (e *Executor) checkTimeExits(ctx context.Context, unit *liveUnit, symbol string, openTrades []*types.Trade, lastBar time.Time) {
	exitAfter := unit.inst.ExitAfterBars()
	if exitAfter <= 0 {
		return
	}
	barSpan := unit.interval.Duration()
	if barSpan <= 0 {
		return
	}
	for _, t := range openTrades {
		if t.StrategyID != unit.st.ID || t.Symbol != symbol || !t.IsOpen {
			continue
		}
		if elapsed := lastBar.Sub(t.EntryTime); elapsed >= time.Duration(exitAfter)*barSpan {
			e.closeTrade(ctx, unit, t, types.ExitReasonTimeExit)
		}
	}
}

// shutdown runs with the context already cancelled, so venue and store
// calls get a short independent deadline.
func (e *Executor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !e.config.CloseOnShutdown {
		e.logger.Info("Executor stopping, open positions left under venue brackets")
		return
	}

	e.mu.RLock()
	units := make([]*liveUnit, 0, len(e.fleet))
	for _, u := range e.fleet {
		units = append(units, u)
	}
	e.mu.RUnlock()

	for _, unit := range units {
		e.closeAllForStrategy(ctx, unit, types.ExitReasonShutdown)
	}
	e.logger.Info("Executor stopped, open positions closed")
}

// closedCandles drops a trailing still-forming bar so signals only ever
// see completed bars.
func closedCandles(candles []types.Candle) []types.Candle {
	if n := len(candles); n > 0 && !candles[n-1].Closed {
		return candles[:n-1]
	}
	return candles
}

func openTradeOn(trades []*types.Trade, strategyID, symbol string) *types.Trade {
	for _, t := range trades {
		if t.IsOpen && t.StrategyID == strategyID && t.Symbol == symbol {
			return t
		}
	}
	return nil
}

func countByStrategy(trades []*types.Trade, strategyID string) int {
	n := 0
	for _, t := range trades {
		if t.IsOpen && t.StrategyID == strategyID {
			n++
		}
	}
	return n
}

var errNoPrice = errors.New("no price available")
