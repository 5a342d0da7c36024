package backtester

import (
	"math"
	"testing"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

func TestStabilityScoreBlendsConsistencyAndCarry(t *testing.T) {
	tests := []struct {
		name    string
		windows []wfWindow
		want    float64
	}{
		{
			name: "edge carries fully",
			windows: []wfWindow{
				{inSharpe: 1, outSharpe: 1, outTrades: 1},
				{inSharpe: 1, outSharpe: 1, outTrades: 1},
			},
			want: 1.0,
		},
		{
			name: "half the windows hold up, carry nets to zero",
			windows: []wfWindow{
				{inSharpe: 1, outSharpe: 0.5, outTrades: 1},
				{inSharpe: 1, outSharpe: -0.5, outTrades: 2},
			},
			want: 0.25,
		},
		{
			name: "carry is clamped at one",
			windows: []wfWindow{
				{inSharpe: 1, outSharpe: 2, outTrades: 1},
			},
			want: 1.0,
		},
		{
			name: "negative in-sample contributes no carry",
			windows: []wfWindow{
				{inSharpe: -1, outSharpe: 0.5, outTrades: 1},
			},
			want: 0.5,
		},
		{
			name: "positive out-sample without trades does not count",
			windows: []wfWindow{
				{inSharpe: 1, outSharpe: 1, outTrades: 0},
			},
			want: 0.5,
		},
		{
			name:    "no windows",
			windows: nil,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stabilityScore(tt.windows); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("stability: expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWalkForwardNeedsEnoughBars(t *testing.T) {
	open := make([]float64, 50)
	for i := range open {
		open[i] = 100
	}
	f := testFrame(t, open, open, open, open)

	score, err := walkForward(f, &scriptStrategy{}, simConfig{initialCapital: 10000},
		WalkForwardConfig{Windows: 4, InSampleRatio: 0.8}, 0, 8760)
	if err != nil {
		t.Fatalf("walkForward: %v", err)
	}
	if score != 0 {
		t.Errorf("50 bars cannot fill 4 windows, expected 0, got %v", score)
	}
}

func TestWalkForwardRewardsConsistentTrend(t *testing.T) {
	// A steady uptrend traded periodically should hold up out-of-sample
	// in every window.
	n := 400
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		next := price * 1.002
		open[i], closes[i] = price, next
		high[i], low[i] = next*1.001, price*0.999
		price = next
	}
	f := testFrame(t, open, high, low, closes)

	strat := &scriptStrategy{every: 5, hold: 2}
	score, err := walkForward(f, strat, simConfig{initialCapital: 10000},
		DefaultWalkForwardConfig(), 0, types.Interval1h.BarsPerYear())
	if err != nil {
		t.Fatalf("walkForward: %v", err)
	}
	if score <= 0.5 || score > 1 {
		t.Errorf("consistent trend should score high, got %v", score)
	}
}
