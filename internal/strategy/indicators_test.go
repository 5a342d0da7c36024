package strategy_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// seriesFrame builds an hourly frame from raw price slices. Shared by the
// indicator and bracket tests.
func seriesFrame(t *testing.T, open, high, low, closes []float64) *frame.Frame {
	t.Helper()

	n := len(closes)
	times := make([]time.Time, n)
	volume := make([]float64, n)
	start := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		times[i] = start.Add(time.Duration(i) * time.Hour)
		volume[i] = 1000
	}

	f, err := frame.NewFromSeries("BTC/USD", types.Interval1h, times, open, high, low, closes, volume)
	require.NoError(t, err)
	return f
}

func assertNaNPrefix(t *testing.T, values []float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		assert.True(t, math.IsNaN(values[i]), "index %d should still be warming up", i)
	}
}

func TestSMA(t *testing.T) {
	out := strategy.SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, out, 5)
	assertNaNPrefix(t, out, 2)
	assert.Equal(t, 2.0, out[2])
	assert.Equal(t, 3.0, out[3])
	assert.Equal(t, 4.0, out[4])

	assertNaNPrefix(t, strategy.SMA([]float64{1, 2}, 3), 2)
	assertNaNPrefix(t, strategy.SMA([]float64{1, 2, 3}, 0), 3)
}

func TestEMASeedsWithSMA(t *testing.T) {
	out := strategy.EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, out, 5)
	assertNaNPrefix(t, out, 2)

	// alpha is 1/2 at period 3, seeded by the first SMA.
	assert.Equal(t, 2.0, out[2])
	assert.Equal(t, 3.0, out[3])
	assert.Equal(t, 4.0, out[4])
}

func TestRSIExtremes(t *testing.T) {
	rising := make([]float64, 16)
	flat := make([]float64, 16)
	for i := range rising {
		rising[i] = float64(i + 1)
		flat[i] = 5
	}

	up := strategy.RSI(rising, 14)
	assertNaNPrefix(t, up, 14)
	assert.Equal(t, 100.0, up[14], "no losses pins RSI at the ceiling")

	still := strategy.RSI(flat, 14)
	assert.Equal(t, 50.0, still[14], "no movement reads neutral")
}

func TestATRConstantRange(t *testing.T) {
	n := 10
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		high[i], low[i], closes[i] = 11, 9, 10
	}

	out := strategy.ATR(high, low, closes, 3)
	assertNaNPrefix(t, out, 2)
	for i := 2; i < n; i++ {
		assert.Equal(t, 2.0, out[i])
	}
}

func TestROC(t *testing.T) {
	out := strategy.ROC([]float64{100, 110, 121}, 1)
	assertNaNPrefix(t, out, 1)
	assert.InDelta(t, 0.10, out[1], 1e-12)
	assert.InDelta(t, 0.10, out[2], 1e-12)
}

func TestRollingStd(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	out := strategy.RollingStd(values, 8)
	assertNaNPrefix(t, out, 7)
	assert.InDelta(t, 2.0, out[7], 1e-12)
}

func TestRollingExtremesExcludeCurrentBar(t *testing.T) {
	maxOut := strategy.RollingMax([]float64{1, 5, 2, 3, 10}, 2)
	assertNaNPrefix(t, maxOut, 2)
	assert.Equal(t, 5.0, maxOut[2])
	assert.Equal(t, 5.0, maxOut[3])
	assert.Equal(t, 3.0, maxOut[4], "the breakout bar itself stays outside its channel")

	minOut := strategy.RollingMin([]float64{5, 1, 4, 3, 0}, 2)
	assert.Equal(t, 1.0, minOut[2])
	assert.Equal(t, 1.0, minOut[3])
	assert.Equal(t, 3.0, minOut[4])
}

func TestCrossHelpers(t *testing.T) {
	closes := []float64{1, 2, 3}
	f := seriesFrame(t, closes, closes, closes, closes)
	require.NoError(t, f.AddColumn("a", []float64{1, 1, 3}))
	require.NoError(t, f.AddColumn("b", []float64{2, 2, 2}))

	last, err := f.View(2)
	require.NoError(t, err)
	assert.True(t, strategy.CrossAbove(last, "a", "b"))
	assert.False(t, strategy.CrossBelow(last, "a", "b"))
	assert.False(t, strategy.CrossAbove(last, "b", "a"))

	mid, err := f.View(1)
	require.NoError(t, err)
	assert.False(t, strategy.CrossAbove(mid, "a", "b"), "still below, nothing crossed")
}

func TestCrossHelpersRejectNaNWarmup(t *testing.T) {
	closes := []float64{1, 2}
	f := seriesFrame(t, closes, closes, closes, closes)
	require.NoError(t, f.AddColumn("a", []float64{math.NaN(), 3}))
	require.NoError(t, f.AddColumn("b", []float64{2, 2}))

	v, err := f.View(1)
	require.NoError(t, err)
	assert.False(t, strategy.CrossAbove(v, "a", "b"), "warm-up bars never count as crossings")
}

func TestCrossesLevel(t *testing.T) {
	closes := []float64{40, 55}
	f := seriesFrame(t, closes, closes, closes, closes)
	require.NoError(t, f.AddColumn("rsi", []float64{40, 55}))

	v, err := f.View(1)
	require.NoError(t, err)
	assert.True(t, strategy.CrossesLevel(v, "rsi", 50, 1))
	assert.False(t, strategy.CrossesLevel(v, "rsi", 50, -1))
	assert.False(t, strategy.CrossesLevel(v, "rsi", 60, 1))
}
