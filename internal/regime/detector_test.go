package regime_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/regime"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

func newDetector() *regime.Detector {
	return regime.NewDetector(regime.DefaultConfig(), zap.NewNop())
}

// alternating builds n returns flipping between a and b, which pins the
// mean and dispersion without any randomness.
func alternating(n int, a, b float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = b
		}
	}
	return out
}

func TestObserveInsufficientHistory(t *testing.T) {
	d := newDetector()

	est := d.ObserveReturns("BTC/USD", alternating(50, 0.01, -0.01), 1)
	assert.Equal(t, regime.RegimeUnknown, est.Regime)
	assert.Equal(t, 50, est.Bars)
	assert.Zero(t, est.Trend)
}

func TestClassifyBullAndBear(t *testing.T) {
	d := newDetector()

	// Steady drift with tiny dispersion saturates the trend score.
	bull := d.ObserveReturns("BTC/USD", alternating(100, 0.002, 0.001), 1)
	assert.Equal(t, regime.RegimeBull, bull.Regime)
	assert.GreaterOrEqual(t, bull.Trend, 0.3)

	bear := d.ObserveReturns("ETH/USD", alternating(100, -0.002, -0.001), 1)
	assert.Equal(t, regime.RegimeBear, bear.Regime)
	assert.LessOrEqual(t, bear.Trend, -0.3)
}

func TestClassifyVolatilityOutranksTrend(t *testing.T) {
	d := newDetector()

	// Driftless ±10% hourly swings annualize far past the high bar.
	est := d.ObserveReturns("DOGE/USD", alternating(100, 0.1, -0.1), 365)
	assert.Equal(t, regime.RegimeHighVol, est.Regime)
	assert.False(t, est.FavorsDirection(types.DirectionLong))
	assert.False(t, est.FavorsDirection(types.DirectionShort))
}

func TestClassifyQuietMarkets(t *testing.T) {
	d := newDetector()

	low := d.ObserveReturns("BTC/USD", alternating(100, 0.001, -0.001), 1)
	assert.Equal(t, regime.RegimeLowVol, low.Regime)

	// Dispersion between the two thresholds with no drift is the residual
	// ranging class.
	mid := d.ObserveReturns("ETH/USD", alternating(100, 0.5, -0.5), 1)
	assert.Equal(t, regime.RegimeRanging, mid.Regime)
}

func TestObserveUsesLatestWindow(t *testing.T) {
	d := newDetector()

	returns := append(alternating(50, 0.5, -0.5), alternating(100, 0.001, 0.001)...)
	est := d.ObserveReturns("BTC/USD", returns, 1)

	assert.Equal(t, 100, est.Bars, "only the trailing window counts")
	assert.Equal(t, regime.RegimeLowVol, est.Regime, "the noisy prefix fell out of the window")
}

func TestObserveCandlesSkipsOpenBar(t *testing.T) {
	d := newDetector()

	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 102)
	price := 100.0
	for i := 0; i < 101; i++ {
		candles = append(candles, types.Candle{
			Symbol: "BTC/USD", Interval: types.Interval1h,
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Close:    decimal.NewFromFloat(price), Closed: true,
		})
		if i%2 == 0 {
			price *= 1.002
		} else {
			price *= 1.001
		}
	}
	// The still-forming bar carries a crash print that would flip the
	// drift if it leaked in.
	candles = append(candles, types.Candle{
		Symbol: "BTC/USD", Interval: types.Interval1h,
		OpenTime: start.Add(101 * time.Hour),
		Close:    decimal.NewFromInt(1), Closed: false,
	})

	est := d.ObserveCandles("BTC/USD", candles)
	assert.Equal(t, 100, est.Bars)
	assert.Equal(t, regime.RegimeBull, est.Regime)
}

func TestCurrentAndSnapshot(t *testing.T) {
	d := newDetector()

	d.ObserveReturns("BTC/USD", alternating(100, 0.002, 0.001), 1)
	d.ObserveReturns("ETH/USD", alternating(100, -0.002, -0.001), 1)

	got, ok := d.Current("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, regime.RegimeBull, got.Regime)

	_, ok = d.Current("SOL/USD")
	assert.False(t, ok)

	snap := d.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, regime.RegimeBear, snap["ETH/USD"].Regime)
}

func TestFavorsDirection(t *testing.T) {
	bull := regime.Estimate{Regime: regime.RegimeBull}
	assert.True(t, bull.FavorsDirection(types.DirectionLong))
	assert.True(t, bull.FavorsDirection(types.DirectionBidi))
	assert.False(t, bull.FavorsDirection(types.DirectionShort))

	bear := regime.Estimate{Regime: regime.RegimeBear}
	assert.False(t, bear.FavorsDirection(types.DirectionLong))
	assert.True(t, bear.FavorsDirection(types.DirectionShort))

	ranging := regime.Estimate{Regime: regime.RegimeRanging}
	assert.True(t, ranging.FavorsDirection(types.DirectionLong))
	assert.True(t, ranging.FavorsDirection(types.DirectionShort))
}
