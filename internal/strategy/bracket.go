package strategy

import (
	"math"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// fallbackStopPct is used when a stop spec needs an indicator column the
// strategy did not precompute.
const fallbackStopPct = 0.02

// Percent-kind spec values are expressed in percent units (1.5 means
// 1.5%); multiple-kind values (RR, ATR, deviations) are raw multiples.
func pctFraction(v float64) float64 { return v / 100 }

// Bracket is a signal's stop and target resolved to absolute prices for a
// known entry price. Target 0 means no fixed target. TrailPct > 0 means
// the stop trails price by that fraction after entry.
type Bracket struct {
	Stop     float64
	Target   float64
	TrailPct float64
}

// ResolveBracket converts a signal's stop/target specs into prices. The
// view must be positioned at the signal bar so volatility-based specs read
// the same data the signal saw. dir is +1 for long, -1 for short.
func ResolveBracket(v *frame.View, sig *types.Signal, entry float64, dir int) Bracket {
	d := float64(dir)
	stopDist := stopDistance(v, sig.Stop, entry, dir)

	b := Bracket{Stop: entry - d*stopDist}
	if sig.Stop.Kind == types.StopTrailing {
		b.TrailPct = pctFraction(sig.Stop.Value)
	}

	switch sig.Target.Kind {
	case types.TargetPercent:
		b.Target = entry + d*entry*pctFraction(sig.Target.Value)
	case types.TargetRR:
		b.Target = entry + d*sig.Target.Value*stopDist
	case types.TargetATR:
		if atr := v.Value("atr", 0); !math.IsNaN(atr) && atr > 0 {
			b.Target = entry + d*sig.Target.Value*atr
		} else {
			b.Target = entry + d*sig.Target.Value*entry*fallbackStopPct
		}
	case types.TargetStructural:
		if extreme, ok := structuralExtreme(v, int(sig.Target.Value), dir > 0); ok {
			b.Target = extreme
		}
	case types.TargetTrailing:
		// Exit comes from the trailing stop, a plain signal close, or a
		// time exit; no fixed target.
		b.Target = 0
	}

	// A target on the wrong side of entry would fill immediately.
	if b.Target != 0 && d*(b.Target-entry) <= 0 {
		b.Target = 0
	}
	return b
}

// stopDistance resolves a stop spec to a positive price distance from entry.
func stopDistance(v *frame.View, spec types.StopSpec, entry float64, dir int) float64 {
	fallback := entry * fallbackStopPct

	switch spec.Kind {
	case types.StopPercent, types.StopTrailing:
		if spec.Value > 0 {
			return entry * pctFraction(spec.Value)
		}
		return fallback
	case types.StopATR:
		if atr := v.Value("atr", 0); !math.IsNaN(atr) && atr > 0 {
			return spec.Value * atr
		}
		return fallback
	case types.StopVolatility:
		// Band half-width stands in for one deviation unit.
		mid := v.Value("bb_mid", 0)
		upper := v.Value("bb_upper", 0)
		if !math.IsNaN(mid) && !math.IsNaN(upper) && upper > mid {
			return spec.Value * (upper - mid)
		}
		if atr := v.Value("atr", 0); !math.IsNaN(atr) && atr > 0 {
			return spec.Value * atr
		}
		return fallback
	case types.StopStructural:
		// Longs stop under the recent swing low, shorts over the swing high.
		lookback := int(spec.Value)
		if extreme, ok := structuralExtreme(v, lookback, dir < 0); ok {
			if dist := float64(dir) * (entry - extreme); dist > 0 {
				return dist
			}
		}
		return fallback
	default:
		return fallback
	}
}

// structuralExtreme scans the last lookback visible bars for the highest
// high (high=true) or lowest low.
func structuralExtreme(v *frame.View, lookback int, high bool) (float64, bool) {
	if lookback <= 0 || lookback > v.Len() {
		return 0, false
	}
	extreme := math.NaN()
	for off := 0; off < lookback; off++ {
		var val float64
		if high {
			val = v.High(off)
		} else {
			val = v.Low(off)
		}
		if math.IsNaN(val) {
			continue
		}
		if math.IsNaN(extreme) || (high && val > extreme) || (!high && val < extreme) {
			extreme = val
		}
	}
	if math.IsNaN(extreme) {
		return 0, false
	}
	return extreme, true
}
