package backtester

import (
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
)

// WalkForwardConfig controls the stability probe: the frame is cut into
// equal windows, each split into an in-sample and out-of-sample segment.
type WalkForwardConfig struct {
	Windows       int     `json:"windows" mapstructure:"windows"`
	InSampleRatio float64 `json:"in_sample_ratio" mapstructure:"in_sample_ratio"`
}

// DefaultWalkForwardConfig returns the standard 4-window 80/20 split.
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{Windows: 4, InSampleRatio: 0.8}
}

type wfWindow struct {
	inSharpe  float64
	outSharpe float64
	outTrades int
}

// walkForward measures how consistently a strategy's edge carries from
// in-sample to out-of-sample segments. The result is in [0, 1]: half from
// the fraction of profitable out-of-sample windows, half from the
// out/in sharpe ratio.
func walkForward(f *frame.Frame, strat strategy.Strategy, cfg simConfig, wf WalkForwardConfig, start int, barsPerYear float64) (float64, error) {
	total := f.Len() - start
	if wf.Windows < 2 || total < wf.Windows*20 {
		return 0, nil
	}

	ratio := wf.InSampleRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.8
	}

	windowLen := total / wf.Windows
	windows := make([]wfWindow, 0, wf.Windows)

	for w := 0; w < wf.Windows; w++ {
		wStart := start + w*windowLen
		wEnd := wStart + windowLen
		if w == wf.Windows-1 {
			wEnd = f.Len()
		}
		split := wStart + int(float64(wEnd-wStart)*ratio)
		if split <= wStart+1 || wEnd-split < 2 {
			continue
		}

		inStats, err := simulate(f, strat, cfg, wStart, split)
		if err != nil {
			return 0, err
		}
		outStats, err := simulate(f, strat, cfg, split, wEnd)
		if err != nil {
			return 0, err
		}

		windows = append(windows, wfWindow{
			inSharpe:  sharpeRatio(inStats.returns, barsPerYear),
			outSharpe: sharpeRatio(outStats.returns, barsPerYear),
			outTrades: len(outStats.trades),
		})
	}

	return stabilityScore(windows), nil
}

func stabilityScore(windows []wfWindow) float64 {
	if len(windows) == 0 {
		return 0
	}

	positive := 0
	var inSum, outSum float64
	for _, w := range windows {
		if w.outSharpe > 0 && w.outTrades > 0 {
			positive++
		}
		inSum += w.inSharpe
		outSum += w.outSharpe
	}

	posFrac := float64(positive) / float64(len(windows))

	carry := 0.0
	if inSum > 0 {
		carry = outSum / inSum
		if carry < 0 {
			carry = 0
		}
		if carry > 1 {
			carry = 1
		}
	}

	return 0.5*posFrac + 0.5*carry
}
