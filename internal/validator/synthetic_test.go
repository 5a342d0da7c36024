package validator

import (
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// probeStrategy drives the validation harness. An explicit script keyed by
// bar index wins; otherwise mode "fade" goes long after a down bar and
// mode "follow" goes long after an up bar.
type probeStrategy struct {
	script map[int]types.SignalAction
	mode   string
}

func (s *probeStrategy) Category() types.Category   { return types.CategoryMomentum }
func (s *probeStrategy) Interval() types.Interval   { return types.Interval1h }
func (s *probeStrategy) Direction() types.Direction { return types.DirectionBidi }
func (s *probeStrategy) IndicatorColumns() []string { return nil }
func (s *probeStrategy) ExitAfterBars() int         { return 0 }

func (s *probeStrategy) PrecomputeIndicators(*frame.Frame) error { return nil }

func (s *probeStrategy) GenerateSignal(v *frame.View, _ string) (*types.Signal, error) {
	if s.script != nil {
		if action, ok := s.script[v.Index()]; ok {
			return &types.Signal{Action: action}, nil
		}
		return nil, nil
	}
	if v.Len() < 2 {
		return nil, nil
	}
	r := v.Close(0)/v.Close(1) - 1
	switch s.mode {
	case "fade":
		if r < 0 {
			return &types.Signal{Action: types.SignalLong}, nil
		}
	case "follow":
		if r > 0 {
			return &types.Signal{Action: types.SignalLong}, nil
		}
	}
	return nil, nil
}

func TestSyntheticFrameIsDeterministic(t *testing.T) {
	a := syntheticFrame("BTC", types.Interval1h, 300, 42)
	b := syntheticFrame("BTC", types.Interval1h, 300, 42)
	other := syntheticFrame("BTC", types.Interval1h, 300, 43)

	require.Equal(t, 300, a.Len())
	for i := 0; i < a.Len(); i++ {
		require.Equal(t, a.Close(i), b.Close(i), "bar %d differs across identical seeds", i)
	}

	diverged := false
	for i := 0; i < a.Len(); i++ {
		if a.Close(i) != other.Close(i) {
			diverged = true
			break
		}
	}
	assert.True(t, diverged, "different seeds must yield different series")
}

func TestSyntheticFrameEnvelopeSanity(t *testing.T) {
	f := syntheticFrame("BTC", types.Interval1h, 200, 7)
	for i := 0; i < f.Len(); i++ {
		hi := math.Max(f.Open(i), f.Close(i))
		lo := math.Min(f.Open(i), f.Close(i))
		assert.GreaterOrEqual(t, f.High(i), hi, "bar %d high below body", i)
		assert.LessOrEqual(t, f.Low(i), lo, "bar %d low above body", i)
		assert.Greater(t, f.Close(i), 0.0, "bar %d non-positive close", i)
	}
}

func TestShuffledFramePreservesReturnMultiset(t *testing.T) {
	f := syntheticFrame("BTC", types.Interval1h, 400, 42)
	sf := shuffledFrame(f, rand.New(rand.NewSource(1)))

	require.Equal(t, f.Len(), sf.Len())
	assert.Equal(t, f.Close(0), sf.Close(0), "the anchor bar must not move")

	barReturns := func(fr *frame.Frame) []float64 {
		out := make([]float64, 0, fr.Len()-1)
		for i := 1; i < fr.Len(); i++ {
			out = append(out, fr.Close(i)/fr.Close(i-1)-1)
		}
		return out
	}

	orig := barReturns(f)
	shuf := barReturns(sf)

	reordered := false
	for i := range orig {
		if math.Abs(orig[i]-shuf[i]) > 1e-12 {
			reordered = true
			break
		}
	}
	assert.True(t, reordered, "shuffle must change the return order")

	sort.Float64s(orig)
	sort.Float64s(shuf)
	for i := range orig {
		require.InDelta(t, orig[i], shuf[i], 1e-9, "return multiset differs at rank %d", i)
	}
}

func TestRunHarnessPairsSignalsWithNextBarReturns(t *testing.T) {
	closes := []float64{100, 101, 102, 100, 103}
	f := closesFrame(t, closes)

	strat := &probeStrategy{script: map[int]types.SignalAction{
		1: types.SignalLong,
		2: types.SignalShort,
		4: types.SignalLong,
	}}

	run, err := runHarness(f, strat)
	require.NoError(t, err)

	// Three signals fire, but the last bar has no follow-up return.
	assert.Equal(t, 3, run.signals)
	require.Len(t, run.returns, 2)
	assert.Equal(t, []int{1, 2}, run.bars)

	assert.InDelta(t, 102.0/101-1, run.returns[0], 1e-12)
	assert.InDelta(t, -(100.0/102 - 1), run.returns[1], 1e-12)
}

func TestRawSharpe(t *testing.T) {
	assert.Zero(t, rawSharpe(nil))
	assert.Zero(t, rawSharpe([]float64{0.01}))
	assert.Zero(t, rawSharpe([]float64{0.01, 0.01, 0.01}), "constant series has no variance")

	want := 0.02 / math.Sqrt(0.0002)
	assert.InDelta(t, want, rawSharpe([]float64{0.01, 0.03}), 1e-12)
}

func TestQuantilePicksSortedIndex(t *testing.T) {
	values := []float64{3, 1, 4, 2}

	assert.Equal(t, 3.0, quantile(values, 0.75))
	assert.Equal(t, 1.0, quantile(values, 0))
	assert.Equal(t, 4.0, quantile(values, 1))
	assert.Equal(t, 1.0, quantile(values, -0.5))
	assert.Zero(t, quantile(nil, 0.75))
}

func TestWindowSharpesBucketsByBarIndex(t *testing.T) {
	run := &harnessRun{
		bars: []int{0, 5, 10, 30, 40, 75, 80, 99},
		returns: []float64{
			0.01, 0.02, 0.03, // window 0: three entries
			0.05, 0.05, // window 1: too sparse
			-0.01, -0.02, -0.03, // window 3: three entries
		},
	}

	sharpes := windowSharpes(run, 100, 4, 3)
	require.Len(t, sharpes, 2, "only windows with enough entries count")
	assert.InDelta(t, 2.0, sharpes[0], 1e-12)
	assert.InDelta(t, -2.0, sharpes[1], 1e-12)
}

func TestWindowSharpesClampsTrailingBars(t *testing.T) {
	// Bar 9 of 10 falls past the 3x3 grid and lands in the last window.
	run := &harnessRun{bars: []int{9}, returns: []float64{0.01}}
	sharpes := windowSharpes(run, 10, 3, 1)
	require.Len(t, sharpes, 1)
}

// closesFrame builds a frame whose only meaningful column is the close.
func closesFrame(t *testing.T, closes []float64) *frame.Frame {
	t.Helper()
	n := len(closes)
	times := make([]time.Time, n)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	volume := make([]float64, n)
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		times[i] = base.Add(time.Duration(i) * time.Hour)
		open[i] = closes[i]
		high[i] = closes[i] + 0.5
		low[i] = closes[i] - 0.5
		volume[i] = 1000
	}
	f, err := frame.NewFromSeries("BTC", types.Interval1h, times, open, high, low, closes, volume)
	require.NoError(t, err)
	return f
}
