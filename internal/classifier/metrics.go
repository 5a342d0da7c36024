package classifier

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// LiveMetrics aggregates a strategy's closed trades into the same
// components the backtester scores on.
type LiveMetrics struct {
	Sharpe      float64
	WinRate     float64
	Expectancy  float64
	MaxDrawdown float64
	TradeCount  int
	FirstEntry  time.Time
	LastExit    time.Time
}

// computeLiveMetrics folds closed trades, oldest first, into live metrics.
// The sharpe is annualised by the observed trade frequency once the span
// exceeds a day; before that the raw per-trade ratio stands.
func computeLiveMetrics(trades []*types.Trade) LiveMetrics {
	m := LiveMetrics{TradeCount: len(trades)}
	if len(trades) == 0 {
		return m
	}

	m.FirstEntry = trades[0].EntryTime
	if last := trades[len(trades)-1].ExitTime; last != nil {
		m.LastExit = *last
	}

	wins := 0
	winSum, lossSum := 0.0, 0.0
	mean := 0.0
	equity, peak := 1.0, 1.0
	for _, t := range trades {
		r := t.PnLRatio
		mean += r
		if r > 0 {
			wins++
			winSum += r
		} else {
			lossSum += -r
		}
		equity *= 1 + r
		if equity > peak {
			peak = equity
		} else if peak > 0 {
			if dd := (peak - equity) / peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}
	n := float64(len(trades))
	mean /= n

	m.WinRate = float64(wins) / n
	avgWin, avgLoss := 0.0, 0.0
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses := len(trades) - wins; losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	m.Expectancy = m.WinRate*avgWin - (1-m.WinRate)*avgLoss

	if len(trades) >= 2 {
		variance := 0.0
		for _, t := range trades {
			d := t.PnLRatio - mean
			variance += d * d
		}
		variance /= n - 1
		if variance > 0 {
			m.Sharpe = mean / math.Sqrt(variance)
			if span := m.LastExit.Sub(m.FirstEntry); span > 24*time.Hour {
				perYear := n * float64(365*24*time.Hour) / float64(span)
				m.Sharpe *= math.Sqrt(perYear)
			}
		}
	}
	return m
}
