package executor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// trailState is the live trailing-stop context for one open trade.
// pct is the trail fraction of price, dir is +1 long / -1 short.
type trailState struct {
	pct float64
	dir int
}

// trailCheckEvery throttles per-symbol bracket checks. All-mids ticks
// arrive far faster than a stop needs tending.
const trailCheckEvery = 2 * time.Second

// priceLoop drains the price channel and tends open brackets.
func (e *Executor) priceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-e.prices:
			e.onPrice(ctx, u)
		}
	}
}

func (e *Executor) onPrice(ctx context.Context, u types.PriceUpdate) {
	price := u.Mid.InexactFloat64()
	if price <= 0 {
		return
	}

	now := e.now()
	e.mu.Lock()
	if last, ok := e.trailChecks[u.Symbol]; ok && now.Sub(last) < trailCheckEvery {
		e.mu.Unlock()
		return
	}
	e.trailChecks[u.Symbol] = now
	units := make([]*liveUnit, 0, 2)
	for _, unit := range e.fleet {
		for _, s := range unit.symbols {
			if s == u.Symbol {
				units = append(units, unit)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, unit := range units {
		trades, err := e.stores.Trades.GetOpenByStrategy(ctx, unit.st.ID)
		if err != nil {
			e.logger.Warn("Open trade fetch failed on tick",
				zap.String("strategy", unit.st.Name), zap.Error(err))
			continue
		}
		for _, t := range trades {
			if !t.IsOpen || t.Symbol != u.Symbol {
				continue
			}
			e.tendBracket(ctx, unit, t, price)
		}
	}
}

// tendBracket closes a position whose stop or target the price crossed,
// otherwise advances its trailing stop. The stop is tested before the
// target, matching the backtest fill model.
func (e *Executor) tendBracket(ctx context.Context, unit *liveUnit, trade *types.Trade, price float64) {
	d := 1.0
	if trade.Direction == types.DirectionShort {
		d = -1.0
	}

	e.mu.RLock()
	ts := e.trails[trade.ID]
	e.mu.RUnlock()

	if stop := trade.StopLoss.InexactFloat64(); stop > 0 && d*(price-stop) <= 0 {
		reason := types.ExitReasonStopLoss
		if ts != nil {
			reason = types.ExitReasonTrailingStop
		}
		e.closeTrade(ctx, unit, trade, reason)
		return
	}
	if target := trade.TakeProfit.InexactFloat64(); target > 0 && d*(price-target) >= 0 {
		e.closeTrade(ctx, unit, trade, types.ExitReasonTakeProfit)
		return
	}

	if ts == nil || ts.pct <= 0 {
		return
	}

	// Stops only ratchet toward price, never away from it.
	trail := price * (1 - d*ts.pct)
	if d*(trail-trade.StopLoss.InexactFloat64()) <= 0 {
		return
	}
	trade.StopLoss = decimal.NewFromFloat(trail)
	if err := e.stores.Trades.Update(ctx, trade); err != nil {
		e.logger.Warn("Trailing stop persist failed",
			zap.String("trade", trade.ID), zap.Error(err))
		return
	}
	e.logger.Debug("Trailing stop advanced",
		zap.String("strategy", unit.st.Name),
		zap.String("symbol", trade.Symbol),
		zap.Float64("stop", trail))
}
