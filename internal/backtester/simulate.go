package backtester

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Exit reasons recorded on simulated trades.
const (
	exitStopLoss   = "stop_loss"
	exitTakeProfit = "take_profit"
	exitSignal     = "signal_exit"
	exitTimeLimit  = "time_exit"
	exitEndOfData  = "end_of_data"
)

// simConfig holds the per-run fill model. Fees are charged per side on
// traded notional; slippage shifts every fill against the position.
type simConfig struct {
	initialCapital float64
	feeRate        float64
	slippageBps    float64
}

// simTrade is one closed position in a simulated run.
type simTrade struct {
	direction  int // +1 long, -1 short
	entryIdx   int
	exitIdx    int
	entryPrice float64
	exitPrice  float64
	pnl        float64
	pnlRatio   float64
	exitReason string
}

// runStats is the raw output of one simulated (symbol, interval) run.
// returns and equity are aligned to the simulated bar range.
type runStats struct {
	trades  []simTrade
	returns []float64
	equity  []float64
}

type simPosition struct {
	dir       int
	leverage  float64
	entryIdx  int
	entry     float64
	size      float64
	entryFee  float64
	capital   float64 // sleeve capital at entry
	bracket   strategy.Bracket
	exitAfter int
}

type pendingOrder struct {
	open   bool // false = close
	dir    int
	sig    *types.Signal
	reason string
}

// simulate runs one strategy over frame bars [start, end). Indicators must
// already be precomputed on the frame. Signals generated at bar i fill at
// the open of bar i+1; stops and targets fill intra-bar, stop first when
// both prices fall inside one bar.
func simulate(f *frame.Frame, strat strategy.Strategy, cfg simConfig, start, end int) (*runStats, error) {
	if end > f.Len() {
		end = f.Len()
	}
	if start < 0 {
		start = 0
	}
	if end-start < 2 {
		return &runStats{}, nil
	}

	v, err := f.View(start)
	if err != nil {
		return nil, err
	}

	slip := cfg.slippageBps / 10000
	capital := cfg.initialCapital
	stats := &runStats{
		returns: make([]float64, 0, end-start),
		equity:  make([]float64, 0, end-start),
	}

	var pos *simPosition
	var pending *pendingOrder
	prevEquity := capital

	closePosition := func(i int, rawPrice float64, reason string) {
		fill := rawPrice * (1 - float64(pos.dir)*slip)
		exitFee := pos.size * fill * cfg.feeRate
		pnl := pos.size*(fill-pos.entry)*float64(pos.dir) - pos.entryFee - exitFee
		capital = pos.capital + pnl

		stats.trades = append(stats.trades, simTrade{
			direction:  pos.dir,
			entryIdx:   pos.entryIdx,
			exitIdx:    i,
			entryPrice: pos.entry,
			exitPrice:  fill,
			pnl:        pnl,
			pnlRatio:   pnl / pos.capital,
			exitReason: reason,
		})
		pos = nil
	}

	for i := start; i < end; i++ {
		if i > start && !v.Advance() {
			break
		}

		// Fill the order queued on the previous bar at this bar's open.
		if pending != nil {
			if pending.open && pos == nil {
				fill := f.Open(i) * (1 + float64(pending.dir)*slip)
				if fill > 0 {
					lev := float64(pending.sig.Leverage)
					if lev <= 0 {
						lev = 1
					}
					// Volatility-based distances read the signal bar, not
					// the fill bar whose range is still unknown at the open.
					sigView, verr := f.View(i - 1)
					if verr != nil {
						sigView = v
					}
					size := capital * lev / fill
					pos = &simPosition{
						dir:       pending.dir,
						leverage:  lev,
						entryIdx:  i,
						entry:     fill,
						size:      size,
						entryFee:  size * fill * cfg.feeRate,
						capital:   capital,
						bracket:   strategy.ResolveBracket(sigView, pending.sig, fill, pending.dir),
						exitAfter: exitBars(pending.sig, strat),
					}
				}
			} else if !pending.open && pos != nil {
				closePosition(i, f.Open(i), pending.reason)
			}
			pending = nil
		}

		// Intra-bar bracket exits; stop wins when both trigger.
		if pos != nil {
			if hitStop(pos, f.Low(i), f.High(i)) {
				closePosition(i, pos.bracket.Stop, exitStopLoss)
			} else if hitTarget(pos, f.Low(i), f.High(i)) {
				closePosition(i, pos.bracket.Target, exitTakeProfit)
			} else if pos.exitAfter > 0 && i-pos.entryIdx >= pos.exitAfter {
				pending = &pendingOrder{open: false, reason: exitTimeLimit}
			}
		}

		// Trailing stops advance on the bar close, never backward.
		if pos != nil && pos.bracket.TrailPct > 0 {
			trail := f.Close(i) * (1 - float64(pos.dir)*pos.bracket.TrailPct)
			if float64(pos.dir)*(trail-pos.bracket.Stop) > 0 {
				pos.bracket.Stop = trail
			}
		}

		// Signal step sees only bars <= i through the prefix view.
		sig, err := strat.GenerateSignal(v, f.Symbol())
		if err != nil {
			return nil, fmt.Errorf("signal at bar %d: %w", i, err)
		}
		if sig != nil && pending == nil {
			switch sig.Action {
			case types.SignalLong:
				if pos == nil {
					pending = &pendingOrder{open: true, dir: 1, sig: sig}
				}
			case types.SignalShort:
				if pos == nil {
					pending = &pendingOrder{open: true, dir: -1, sig: sig}
				}
			case types.SignalClose:
				if pos != nil {
					pending = &pendingOrder{open: false, reason: exitSignal}
				}
			}
		}

		// Mark to market.
		equity := capital
		if pos != nil {
			move := pos.size * (f.Close(i) - pos.entry) * float64(pos.dir)
			equity = pos.capital + move - pos.entryFee
		}
		if prevEquity > 0 {
			stats.returns = append(stats.returns, equity/prevEquity-1)
		} else {
			stats.returns = append(stats.returns, 0)
		}
		stats.equity = append(stats.equity, equity)
		prevEquity = equity
	}

	if pos != nil {
		closePosition(end-1, f.Close(end-1), exitEndOfData)
		if n := len(stats.equity); n > 0 {
			stats.equity[n-1] = capital
		}
	}
	return stats, nil
}

func hitStop(pos *simPosition, low, high float64) bool {
	if pos.bracket.Stop <= 0 {
		return false
	}
	if pos.dir > 0 {
		return low <= pos.bracket.Stop
	}
	return high >= pos.bracket.Stop
}

func hitTarget(pos *simPosition, low, high float64) bool {
	if pos.bracket.Target <= 0 {
		return false
	}
	if pos.dir > 0 {
		return high >= pos.bracket.Target
	}
	return low <= pos.bracket.Target
}

// exitBars picks the signal's time exit, falling back to the strategy's
// declared default.
func exitBars(sig *types.Signal, strat strategy.Strategy) int {
	if sig.ExitAfterBars > 0 {
		return sig.ExitAfterBars
	}
	return strat.ExitAfterBars()
}

// warmupBars estimates how many leading bars the frame's indicator columns
// need before values stop being NaN.
func warmupBars(f *frame.Frame) int {
	warmup := 0
	for _, name := range f.Columns() {
		for i := 0; i < f.Len(); i++ {
			if !math.IsNaN(f.Value(name, i)) {
				if i > warmup {
					warmup = i
				}
				break
			}
		}
	}
	return warmup
}
