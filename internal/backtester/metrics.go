package backtester

import (
	"math"
)

// runMetrics are the per-period performance numbers persisted on a
// BacktestResult row.
type runMetrics struct {
	Sharpe      float64
	WinRate     float64
	Expectancy  float64
	MaxDrawdown float64
	TradeCount  int
	TotalReturn float64
}

// computeMetrics reduces pooled trades and per-bar portfolio returns to
// the period metrics. barsPerYear annualizes the sharpe ratio.
func computeMetrics(trades []simTrade, returns []float64, barsPerYear float64) runMetrics {
	m := runMetrics{TradeCount: len(trades)}

	var wins, losses int
	var totalWin, totalLoss float64
	for _, t := range trades {
		if t.pnlRatio > 0 {
			wins++
			totalWin += t.pnlRatio
		} else if t.pnlRatio < 0 {
			losses++
			totalLoss += -t.pnlRatio
		}
	}

	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))

		var avgWin, avgLoss float64
		if wins > 0 {
			avgWin = totalWin / float64(wins)
		}
		if losses > 0 {
			avgLoss = totalLoss / float64(losses)
		}
		m.Expectancy = m.WinRate*avgWin - (1-m.WinRate)*avgLoss
	}

	m.Sharpe = sharpeRatio(returns, barsPerYear)
	m.MaxDrawdown = maxDrawdown(returns)
	m.TotalReturn = totalReturn(returns)
	return m
}

// sharpeRatio annualizes mean over stddev of per-bar returns, zero
// risk-free rate.
func sharpeRatio(returns []float64, barsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := meanOf(returns)
	sd := stddevOf(returns, mean)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(barsPerYear)
}

// maxDrawdown is the largest peak-to-trough loss fraction of the equity
// path implied by the returns.
func maxDrawdown(returns []float64) float64 {
	equity := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func totalReturn(returns []float64) float64 {
	equity := 1.0
	for _, r := range returns {
		equity *= 1 + r
	}
	return equity - 1
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}

// aggregateRuns combines per-symbol runs into one portfolio view: trades
// pooled, per-bar returns averaged across equal-weight sleeves. Series are
// aligned on their most recent bars.
func aggregateRuns(runs []*runStats) ([]simTrade, []float64) {
	var trades []simTrade
	minLen := math.MaxInt
	active := 0
	for _, r := range runs {
		trades = append(trades, r.trades...)
		if len(r.returns) == 0 {
			continue
		}
		active++
		if len(r.returns) < minLen {
			minLen = len(r.returns)
		}
	}
	if active == 0 || minLen == math.MaxInt {
		return trades, nil
	}

	combined := make([]float64, minLen)
	for _, r := range runs {
		if len(r.returns) == 0 {
			continue
		}
		offset := len(r.returns) - minLen
		for i := 0; i < minLen; i++ {
			combined[i] += r.returns[offset+i]
		}
	}
	for i := range combined {
		combined[i] /= float64(active)
	}
	return trades, combined
}
