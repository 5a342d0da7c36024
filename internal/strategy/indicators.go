package strategy

import (
	"math"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
)

// Vectorised indicator helpers. Every function returns a full-length column
// aligned with the input; warm-up regions hold NaN so a per-bar signal step
// can tell "no value yet" from a real reading.

// SMA computes a simple moving average.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes an exponential moving average seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	prev := seed / float64(period)
	out[period-1] = prev
	for i := period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// RSI computes Wilder's relative strength index.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR computes Wilder's average true range.
func ATR(high, low, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if period <= 0 || n <= period {
		return out
	}
	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - closes[i-1])
		lc := math.Abs(low[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev
	for i := period; i < n; i++ {
		prev = (prev*float64(period-1) + tr[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// ROC computes rate of change over the given lookback as a fraction.
func ROC(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period; i < len(values); i++ {
		if values[i-period] != 0 {
			out[i] = (values[i] - values[i-period]) / values[i-period]
		}
	}
	return out
}

// RollingStd computes the rolling population standard deviation.
func RollingStd(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 1 || len(values) < period {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		var mean float64
		for j := i - period + 1; j <= i; j++ {
			mean += values[j]
		}
		mean /= float64(period)
		var ss float64
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period))
	}
	return out
}

// RollingMax computes the highest value over the preceding period bars,
// excluding the current bar. Used for breakout channels so a bar cannot
// break out of a channel it is part of.
func RollingMax(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period; i < len(values); i++ {
		m := values[i-period]
		for j := i - period + 1; j < i; j++ {
			if values[j] > m {
				m = values[j]
			}
		}
		out[i] = m
	}
	return out
}

// RollingMin computes the lowest value over the preceding period bars,
// excluding the current bar.
func RollingMin(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period; i < len(values); i++ {
		m := values[i-period]
		for j := i - period + 1; j < i; j++ {
			if values[j] < m {
				m = values[j]
			}
		}
		out[i] = m
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// CrossAbove reports whether column a crossed above column b on the view's
// last visible bar.
func CrossAbove(v *frame.View, a, b string) bool {
	cur := v.Value(a, 0) > v.Value(b, 0)
	prev := v.Value(a, 1) <= v.Value(b, 1)
	return cur && prev && !anyNaN(v.Value(a, 0), v.Value(b, 0), v.Value(a, 1), v.Value(b, 1))
}

// CrossBelow reports whether column a crossed below column b on the view's
// last visible bar.
func CrossBelow(v *frame.View, a, b string) bool {
	cur := v.Value(a, 0) < v.Value(b, 0)
	prev := v.Value(a, 1) >= v.Value(b, 1)
	return cur && prev && !anyNaN(v.Value(a, 0), v.Value(b, 0), v.Value(a, 1), v.Value(b, 1))
}

// CrossesLevel reports whether a column crossed a fixed level on the last
// visible bar, in the given direction (+1 up, -1 down).
func CrossesLevel(v *frame.View, col string, level float64, dir int) bool {
	cur, prev := v.Value(col, 0), v.Value(col, 1)
	if anyNaN(cur, prev) {
		return false
	}
	if dir > 0 {
		return cur > level && prev <= level
	}
	return cur < level && prev >= level
}

func anyNaN(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
