package executor

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/internal/venue"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// markPrice picks the entry estimate: the live mid when the stream has
// one, the last closed bar otherwise.
func (e *Executor) markPrice(symbol string, v *frame.View) (float64, error) {
	if update, ok := e.market.LastPrice(symbol); ok && update.Mid.IsPositive() {
		return update.Mid.InexactFloat64(), nil
	}
	if c := v.Close(0); !math.IsNaN(c) && c > 0 {
		return c, nil
	}
	return 0, errNoPrice
}

// positionSize risks RiskPerTrade of allocated capital between entry and
// stop, then caps notional at one sleeve (allocated / max positions,
// levered). Returns base-asset size.
func (e *Executor) positionSize(allocated, entry, stopDistance float64, leverage int) float64 {
	if entry <= 0 || stopDistance <= 0 || allocated <= 0 {
		return 0
	}
	riskAmount := allocated * e.config.RiskPerTrade
	size := riskAmount / stopDistance

	sleeve := allocated / float64(e.config.MaxOpenPositions)
	maxSize := sleeve * float64(leverage) / entry
	if size > maxSize {
		size = maxSize
	}
	return size
}

func (e *Executor) openTrade(ctx context.Context, unit *liveUnit, sub *types.Subaccount, symbol string, sig *types.Signal, v *frame.View) {
	dir := 1
	direction := types.DirectionLong
	if sig.Action == types.SignalShort {
		dir = -1
		direction = types.DirectionShort
	}

	entry, err := e.markPrice(symbol, v)
	if err != nil {
		e.logger.Warn("No price for entry", zap.String("symbol", symbol))
		return
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if leverage > e.config.MaxLeverage {
		leverage = e.config.MaxLeverage
	}

	bracket := strategy.ResolveBracket(v, sig, entry, dir)
	stopDistance := math.Abs(entry - bracket.Stop)
	allocated := sub.AllocatedCapital.InexactFloat64()

	size := e.positionSize(allocated, entry, stopDistance, leverage)
	if size <= 0 {
		return
	}
	// Lot-align before the dust check so the venue sees what we checked.
	qty := utils.RoundToStepSize(decimal.NewFromFloat(size), e.config.SizeStep)
	if !qty.IsPositive() {
		return
	}
	notional := qty.Mul(decimal.NewFromFloat(entry))
	if notional.LessThan(e.config.MinNotional) {
		e.logger.Debug("Entry below min notional",
			zap.String("strategy", unit.st.Name),
			zap.String("symbol", symbol),
			zap.String("notional", notional.String()))
		return
	}

	if err := e.venue.SetLeverage(ctx, sub.ID, symbol, leverage); err != nil {
		e.logger.Warn("Set leverage failed",
			zap.String("symbol", symbol),
			zap.Int("leverage", leverage),
			zap.Error(err))
		return
	}

	req := &venue.OrderRequest{
		SubaccountID: sub.ID,
		Symbol:       symbol,
		Direction:    direction,
		Size:         qty,
		MarkPrice:    decimal.NewFromFloat(entry),
		StopLoss:     utils.RoundToTickSize(decimal.NewFromFloat(bracket.Stop), e.config.PriceTick),
		TakeProfit:   utils.RoundToTickSize(decimal.NewFromFloat(bracket.Target), e.config.PriceTick),
		Leverage:     leverage,
	}
	result, err := e.venue.PlaceBracketedOrder(ctx, req)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OrdersTotal.WithLabelValues("open", "error").Inc()
		}
		e.tracker.StrategyEvent(ctx, unit.st, events.TypeTradeOpened, events.StageExecutor, events.StatusFailure, map[string]any{
			"symbol": symbol,
			"error":  err.Error(),
		})
		e.logger.Error("Order rejected",
			zap.String("strategy", unit.st.Name),
			zap.String("symbol", symbol),
			zap.Error(err))
		return
	}

	// Price the bracket off the actual fill so stop distances stay true.
	fill := result.FillPrice.InexactFloat64()
	if fill > 0 && fill != entry {
		bracket = strategy.ResolveBracket(v, sig, fill, dir)
	} else {
		fill = entry
	}

	trade := &types.Trade{
		ID:           utils.GenerateID("trade"),
		StrategyID:   unit.st.ID,
		SubaccountID: sub.ID,
		Symbol:       symbol,
		Direction:    direction,
		EntryTime:    result.FilledAt,
		EntryPrice:   result.FillPrice,
		Size:         req.Size,
		StopLoss:     utils.RoundToTickSize(decimal.NewFromFloat(bracket.Stop), e.config.PriceTick),
		TakeProfit:   utils.RoundToTickSize(decimal.NewFromFloat(bracket.Target), e.config.PriceTick),
		Leverage:     leverage,
		EntryFee:     result.Fee,
		VenueOrderID: result.VenueOrderID,
		IsOpen:       true,
	}
	if trade.EntryTime.IsZero() {
		trade.EntryTime = e.now().UTC()
	}
	if err := e.stores.Trades.Insert(ctx, trade); err != nil {
		// The venue holds a position the store does not know about.
		e.logger.Error("TRADE PERSIST FAILED after fill, manual reconcile needed",
			zap.String("strategy", unit.st.Name),
			zap.String("symbol", symbol),
			zap.String("venue_order", result.VenueOrderID),
			zap.Error(err))
		return
	}

	if bracket.TrailPct > 0 {
		e.mu.Lock()
		e.trails[trade.ID] = &trailState{pct: bracket.TrailPct, dir: dir}
		e.mu.Unlock()
	}

	if e.metrics != nil {
		e.metrics.OrdersTotal.WithLabelValues("open", "ok").Inc()
		e.metrics.OpenTrades.Inc()
	}
	e.tracker.StrategyEvent(ctx, unit.st, events.TypeTradeOpened, events.StageExecutor, events.StatusSuccess, map[string]any{
		"trade_id":  trade.ID,
		"symbol":    symbol,
		"direction": string(direction),
		"entry":     trade.EntryPrice.String(),
		"size":      trade.Size.String(),
		"stop":      trade.StopLoss.String(),
		"target":    trade.TakeProfit.String(),
		"leverage":  leverage,
	})
	e.logger.Info("Trade opened",
		zap.String("strategy", unit.st.Name),
		zap.String("symbol", symbol),
		zap.String("direction", string(direction)),
		zap.String("entry", trade.EntryPrice.String()),
		zap.String("size", trade.Size.String()),
		zap.Int("leverage", leverage))
}

// closeTrade market-closes one position and settles its PnL into the
// subaccount row.
func (e *Executor) closeTrade(ctx context.Context, unit *liveUnit, trade *types.Trade, reason string) {
	result, err := e.venue.ClosePosition(ctx, trade.SubaccountID, trade.Symbol)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OrdersTotal.WithLabelValues("close", "error").Inc()
		}
		e.logger.Error("Close rejected",
			zap.String("strategy", unit.st.Name),
			zap.String("symbol", trade.Symbol),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	exitPrice := result.FillPrice
	if !exitPrice.IsPositive() {
		if update, ok := e.market.LastPrice(trade.Symbol); ok {
			exitPrice = update.Mid
		} else {
			exitPrice = trade.EntryPrice
		}
	}
	exitTime := result.FilledAt
	if exitTime.IsZero() {
		exitTime = e.now().UTC()
	}

	dir := decimal.NewFromInt(1)
	if trade.Direction == types.DirectionShort {
		dir = decimal.NewFromInt(-1)
	}
	gross := trade.Size.Mul(exitPrice.Sub(trade.EntryPrice)).Mul(dir)
	pnl := gross.Sub(trade.EntryFee).Sub(result.Fee)

	trade.ExitTime = &exitTime
	trade.ExitPrice = exitPrice
	trade.ExitReason = reason
	trade.ExitFee = result.Fee
	trade.PnL = pnl
	trade.DurationSecs = int64(exitTime.Sub(trade.EntryTime).Seconds())
	trade.IsOpen = false

	sub, err := e.stores.Subaccounts.Get(ctx, trade.SubaccountID)
	if err != nil {
		e.logger.Error("Subaccount fetch failed during close", zap.Int("subaccount", trade.SubaccountID), zap.Error(err))
	} else {
		trade.PnLRatio = pnlRatio(pnl, sub.AllocatedCapital, trade)
		e.settle(ctx, sub, pnl)
	}

	if err := e.stores.Trades.Update(ctx, trade); err != nil {
		e.logger.Error("Trade close persist failed",
			zap.String("trade", trade.ID),
			zap.Error(err))
		return
	}

	e.mu.Lock()
	delete(e.trails, trade.ID)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.OrdersTotal.WithLabelValues("close", "ok").Inc()
		e.metrics.OpenTrades.Dec()
	}
	e.tracker.StrategyEvent(ctx, unit.st, events.TypeTradeClosed, events.StageExecutor, events.StatusSuccess, map[string]any{
		"trade_id":  trade.ID,
		"symbol":    trade.Symbol,
		"reason":    reason,
		"pnl":       pnl.String(),
		"pnl_ratio": trade.PnLRatio,
		"duration":  trade.DurationSecs,
	})
	e.logger.Info("Trade closed",
		zap.String("strategy", unit.st.Name),
		zap.String("symbol", trade.Symbol),
		zap.String("reason", reason),
		zap.String("pnl", pnl.String()))
}

// settle applies realized PnL to the subaccount: current balance moves,
// peak only ever rises, daily PnL rolls at the local date boundary.
func (e *Executor) settle(ctx context.Context, sub *types.Subaccount, pnl decimal.Decimal) {
	sub.CurrentBalance = sub.CurrentBalance.Add(pnl)
	if sub.CurrentBalance.GreaterThan(sub.PeakBalance) {
		sub.PeakBalance = sub.CurrentBalance
		now := e.now().UTC()
		sub.PeakUpdatedAt = &now
	}

	today := e.now().Format("2006-01-02")
	if sub.DailyPnLDate != today {
		sub.DailyPnL = decimal.Zero
		sub.DailyPnLDate = today
	}
	sub.DailyPnL = sub.DailyPnL.Add(pnl)

	if err := e.stores.Subaccounts.Update(ctx, sub); err != nil {
		e.logger.Error("Subaccount settle failed", zap.Int("subaccount", sub.ID), zap.Error(err))
	}
}

// pnlRatio expresses realized PnL against allocated capital; when the
// subaccount has no allocation on record it falls back to the margin the
// position actually used.
func pnlRatio(pnl, allocated decimal.Decimal, trade *types.Trade) float64 {
	base := allocated
	if !base.IsPositive() {
		lev := trade.Leverage
		if lev <= 0 {
			lev = 1
		}
		base = trade.Size.Mul(trade.EntryPrice).Div(decimal.NewFromInt(int64(lev)))
	}
	if !base.IsPositive() {
		return 0
	}
	ratio, _ := pnl.Div(base).Float64()
	return ratio
}

// closeAllForStrategy closes every open position a strategy holds.
func (e *Executor) closeAllForStrategy(ctx context.Context, unit *liveUnit, reason string) {
	trades, err := e.stores.Trades.GetOpenByStrategy(ctx, unit.st.ID)
	if err != nil {
		e.logger.Error("Open trade fetch failed during close-all",
			zap.String("strategy", unit.st.Name),
			zap.Error(err))
		return
	}
	for _, t := range trades {
		e.closeTrade(ctx, unit, t, reason)
	}
}
