package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// bracketFrame carries a known swing structure: highest high 107 and
// lowest low 93 inside the last three bars.
func bracketFrame(t *testing.T) *frame.Frame {
	t.Helper()
	flat := []float64{100, 100, 100, 100}
	return seriesFrame(t, flat,
		[]float64{105, 107, 106, 104},
		[]float64{95, 93, 94, 96},
		flat)
}

func lastView(t *testing.T, f *frame.Frame) *frame.View {
	t.Helper()
	v, err := f.View(f.Len() - 1)
	require.NoError(t, err)
	return v
}

func sigWith(stop types.StopSpec, target types.TargetSpec) *types.Signal {
	return &types.Signal{Action: types.SignalLong, Leverage: 1, Stop: stop, Target: target}
}

func TestResolveBracketPercent(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(
		types.StopSpec{Kind: types.StopPercent, Value: 2},
		types.TargetSpec{Kind: types.TargetPercent, Value: 4},
	)

	long := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 98.0, long.Stop)
	assert.Equal(t, 104.0, long.Target)
	assert.Zero(t, long.TrailPct)

	short := strategy.ResolveBracket(v, sig, 100, -1)
	assert.Equal(t, 102.0, short.Stop)
	assert.Equal(t, 96.0, short.Target)
}

func TestResolveBracketZeroStopFallsBack(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(types.StopSpec{Kind: types.StopPercent}, types.TargetSpec{})

	b := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 98.0, b.Stop, "unset stop still protects at the fallback percent")
}

func TestResolveBracketRRUsesStopDistance(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(
		types.StopSpec{Kind: types.StopPercent, Value: 2},
		types.TargetSpec{Kind: types.TargetRR, Value: 1.5},
	)

	long := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 103.0, long.Target, "1.5R on a 2 point stop")

	short := strategy.ResolveBracket(v, sig, 100, -1)
	assert.Equal(t, 97.0, short.Target)
}

func TestResolveBracketATR(t *testing.T) {
	f := bracketFrame(t)
	require.NoError(t, f.AddColumn("atr", []float64{3, 3, 3, 3}))
	v := lastView(t, f)

	sig := sigWith(
		types.StopSpec{Kind: types.StopATR, Value: 2},
		types.TargetSpec{Kind: types.TargetATR, Value: 2},
	)
	b := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 94.0, b.Stop)
	assert.Equal(t, 106.0, b.Target)
}

func TestResolveBracketATRFallbackWithoutColumn(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(
		types.StopSpec{Kind: types.StopATR, Value: 2},
		types.TargetSpec{Kind: types.TargetATR, Value: 2},
	)

	b := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 98.0, b.Stop)
	assert.Equal(t, 104.0, b.Target)
}

func TestResolveBracketVolatilityBands(t *testing.T) {
	f := bracketFrame(t)
	require.NoError(t, f.AddColumn("bb_mid", []float64{100, 100, 100, 100}))
	require.NoError(t, f.AddColumn("bb_upper", []float64{102, 102, 102, 102}))
	v := lastView(t, f)

	sig := sigWith(types.StopSpec{Kind: types.StopVolatility, Value: 1.5}, types.TargetSpec{})
	b := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 97.0, b.Stop, "1.5 band half-widths of 2 points")
}

func TestResolveBracketTrailing(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(
		types.StopSpec{Kind: types.StopTrailing, Value: 1.5},
		types.TargetSpec{Kind: types.TargetTrailing},
	)

	b := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 98.5, b.Stop)
	assert.InDelta(t, 0.015, b.TrailPct, 1e-12)
	assert.Zero(t, b.Target, "trailing exits have no fixed target")
}

func TestResolveBracketStructural(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(
		types.StopSpec{Kind: types.StopStructural, Value: 3},
		types.TargetSpec{Kind: types.TargetStructural, Value: 3},
	)

	b := strategy.ResolveBracket(v, sig, 100, 1)
	assert.Equal(t, 93.0, b.Stop, "long stops under the swing low")
	assert.Equal(t, 107.0, b.Target, "long targets the swing high")
}

func TestResolveBracketDropsWrongSideTarget(t *testing.T) {
	v := lastView(t, bracketFrame(t))
	sig := sigWith(
		types.StopSpec{Kind: types.StopPercent, Value: 2},
		types.TargetSpec{Kind: types.TargetStructural, Value: 3},
	)

	// Entry above the whole lookback: the structural target would fill
	// instantly, so it is dropped.
	b := strategy.ResolveBracket(v, sig, 120, 1)
	assert.Zero(t, b.Target)
	assert.InDelta(t, 117.6, b.Stop, 1e-9)
}
