package validator

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// syntheticFrame builds a deterministic OHLCV series: a drifting price
// path with a sine cycle and seeded noise, shaped to trigger trend,
// breakout, and reversal entries alike. The same seed yields the same
// series on every worker, which keeps cache entries consistent across
// sharers of a base code hash.
func syntheticFrame(symbol string, interval types.Interval, bars int, seed int64) *frame.Frame {
	rng := rand.New(rand.NewSource(seed))
	step := interval.Duration()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	times := make([]time.Time, bars)
	open := make([]float64, bars)
	high := make([]float64, bars)
	low := make([]float64, bars)
	closes := make([]float64, bars)
	volume := make([]float64, bars)

	price := 100.0
	for i := 0; i < bars; i++ {
		cycle := 0.004 * math.Sin(2*math.Pi*float64(i)/64)
		drift := 0.0002
		noise := rng.NormFloat64() * 0.008
		next := price * (1 + drift + cycle + noise)

		times[i] = start.Add(time.Duration(i) * step)
		open[i] = price
		closes[i] = next
		span := math.Abs(next-price) + price*0.002*(1+rng.Float64())
		high[i] = math.Max(price, next) + span*0.3
		low[i] = math.Min(price, next) - span*0.3
		volume[i] = 1000 * (1 + 0.5*math.Sin(float64(i)/8) + 0.3*rng.Float64())
		price = next
	}

	f, _ := frame.NewFromSeries(symbol, interval, times, open, high, low, closes, volume)
	return f
}

// shuffledFrame rebuilds the series with the per-bar returns permuted:
// each bar keeps its shape (range and return) but lands at a new position,
// destroying the temporal structure a real edge depends on.
func shuffledFrame(f *frame.Frame, rng *rand.Rand) *frame.Frame {
	n := f.Len()
	if n < 2 {
		return f
	}

	perm := rng.Perm(n - 1)

	times := make([]time.Time, n)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)

	times[0] = f.Time(0)
	open[0], high[0], low[0] = f.Open(0), f.High(0), f.Low(0)
	closes[0], volume[0] = f.Close(0), f.Volume(0)

	for i := 1; i < n; i++ {
		j := perm[i-1] + 1
		scale := closes[i-1] / f.Close(j-1)
		times[i] = f.Time(i)
		open[i] = f.Open(j) * scale
		high[i] = f.High(j) * scale
		low[i] = f.Low(j) * scale
		closes[i] = f.Close(j) * scale
		volume[i] = f.Volume(j)
	}

	out, _ := frame.NewFromSeries(f.Symbol(), f.Interval(), times, open, high, low, closes, volume)
	return out
}

// harnessRun pairs every entry signal with the next bar's close-to-close
// return, sign-adjusted for shorts. It exercises the full two-phase
// contract without position bookkeeping; brackets and sizing are the
// backtester's concern.
type harnessRun struct {
	returns []float64
	bars    []int
	signals int
}

func runHarness(f *frame.Frame, inst strategy.Strategy) (*harnessRun, error) {
	if err := inst.PrecomputeIndicators(f); err != nil {
		return nil, err
	}

	run := &harnessRun{}
	v, err := f.View(0)
	if err != nil {
		return nil, err
	}
	for v.Advance() {
		i := v.Index()
		sig, err := inst.GenerateSignal(v, f.Symbol())
		if err != nil {
			return nil, err
		}
		if sig == nil {
			continue
		}
		run.signals++
		if i+1 >= f.Len() {
			continue
		}
		r := f.Close(i+1)/f.Close(i) - 1
		switch sig.Action {
		case types.SignalLong:
			run.returns = append(run.returns, r)
			run.bars = append(run.bars, i)
		case types.SignalShort:
			run.returns = append(run.returns, -r)
			run.bars = append(run.bars, i)
		}
	}
	return run, nil
}

// rawSharpe is the unannualised mean/stddev of a return series, zero when
// degenerate.
func rawSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// quantile returns the q-th sorted value, clamping q to [0,1].
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// windowSharpes buckets a harness run into equal bar windows and returns
// the sharpe of every window holding at least minReturns entries.
func windowSharpes(run *harnessRun, totalBars, windows, minReturns int) []float64 {
	if windows <= 0 || totalBars <= 0 {
		return nil
	}
	size := totalBars / windows
	if size == 0 {
		return nil
	}
	buckets := make([][]float64, windows)
	for k, bar := range run.bars {
		w := bar / size
		if w >= windows {
			w = windows - 1
		}
		buckets[w] = append(buckets[w], run.returns[k])
	}
	var out []float64
	for _, b := range buckets {
		if len(b) >= minReturns {
			out = append(out, rawSharpe(b))
		}
	}
	return out
}
