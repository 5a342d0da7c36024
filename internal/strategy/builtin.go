package strategy

import (
	"fmt"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// DefaultRegistry returns a registry with every built-in template registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EMACrossTemplate())
	r.Register(RSIReversalTemplate())
	r.Register(DonchianBreakoutTemplate())
	r.Register(MomentumTemplate())
	r.Register(BollingerReversionTemplate())
	r.Register(KeltnerScalpTemplate())
	return r
}

// ---------------------------------------------------------------------------
// EMA cross (trend)

const emaCrossSource = `strategy EmaCross(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}
    columns: ema_fast, ema_slow

    precompute:
        ema_fast = ema(close, {{fast_period}})
        ema_slow = ema(close, {{slow_period}})

    signal:
        if cross_above(ema_fast, ema_slow):
            enter(long, leverage={{leverage}}, stop=percent({{stop_pct}}), target=rr({{tp_rr}}))
        if cross_below(ema_fast, ema_slow):
            enter(short, leverage={{leverage}}, stop=percent({{stop_pct}}), target=rr({{tp_rr}}))
`

// EMACrossTemplate is the classic dual moving-average trend follower.
func EMACrossTemplate() *Template {
	return &Template{
		ID:              "ema_cross",
		Category:        types.CategoryTrend,
		DefaultInterval: types.Interval1h,
		Source:          emaCrossSource,
		Grid: map[string][]any{
			"fast_period": {9, 12, 21},
			"slow_period": {26, 50, 100},
			"stop_pct":    {1.5, 2.5},
			"tp_rr":       {1.5, 2.0},
			"leverage":    {3},
		},
		Tunable: []string{"stop_pct", "tp_rr", "leverage", "exit_after_bars"},
		Factory: newEMACross,
	}
}

type emaCross struct {
	BaseStrategy
	fast    int
	slow    int
	stopPct float64
	tpRR    float64
	lev     int
}

func newEMACross(params map[string]any) (Strategy, error) {
	s := &emaCross{
		BaseStrategy: BaseStrategy{
			category:  types.CategoryTrend,
			interval:  intervalParam(params, types.Interval1h),
			direction: directionParam(params, types.DirectionBidi),
			columns:   []string{"ema_fast", "ema_slow"},
		},
		fast:    intParam(params, "fast_period", 12),
		slow:    intParam(params, "slow_period", 26),
		stopPct: floatParam(params, "stop_pct", 2.0),
		tpRR:    floatParam(params, "tp_rr", 1.5),
		lev:     intParam(params, "leverage", 3),
	}
	s.exitAfterBars = intParam(params, "exit_after_bars", 0)
	if s.fast >= s.slow {
		return nil, fmt.Errorf("strategy: ema_cross fast period %d must be below slow %d", s.fast, s.slow)
	}
	return s, nil
}

func (s *emaCross) PrecomputeIndicators(f *frame.Frame) error {
	closes := closesOf(f)
	if err := f.AddColumn("ema_fast", EMA(closes, s.fast)); err != nil {
		return err
	}
	return f.AddColumn("ema_slow", EMA(closes, s.slow))
}

func (s *emaCross) GenerateSignal(v *frame.View, symbol string) (*types.Signal, error) {
	if CrossAbove(v, "ema_fast", "ema_slow") {
		if !s.allowLong() {
			return closeSignal("fast crossed above slow against short book"), nil
		}
		return &types.Signal{
			Action:   types.SignalLong,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopPercent, Value: s.stopPct},
			Target:   types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			Reason:   fmt.Sprintf("ema %d crossed above %d", s.fast, s.slow),
		}, nil
	}
	if CrossBelow(v, "ema_fast", "ema_slow") {
		if !s.allowShort() {
			return closeSignal("fast crossed below slow against long book"), nil
		}
		return &types.Signal{
			Action:   types.SignalShort,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopPercent, Value: s.stopPct},
			Target:   types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			Reason:   fmt.Sprintf("ema %d crossed below %d", s.fast, s.slow),
		}, nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// RSI reversal

const rsiReversalSource = `strategy RsiReversal(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}
    columns: rsi, atr

    precompute:
        rsi = rsi(close, {{rsi_period}})
        atr = atr(high, low, close, {{atr_period}})

    signal:
        if crosses_up(rsi, {{oversold}}):
            enter(long, leverage={{leverage}}, stop=atr({{stop_atr}}), target=rr({{tp_rr}}))
        if crosses_down(rsi, {{overbought}}):
            enter(short, leverage={{leverage}}, stop=atr({{stop_atr}}), target=rr({{tp_rr}}))
        if crosses(rsi, 50):
            exit()
`

// RSIReversalTemplate fades exhaustion readings back toward the mean.
func RSIReversalTemplate() *Template {
	return &Template{
		ID:              "rsi_reversal",
		Category:        types.CategoryReversal,
		DefaultInterval: types.Interval1h,
		Source:          rsiReversalSource,
		Grid: map[string][]any{
			"rsi_period": {7, 14},
			"oversold":   {20, 30},
			"overbought": {70, 80},
			"atr_period": {14},
			"stop_atr":   {1.5, 2.5},
			"tp_rr":      {1.5, 2.0},
			"leverage":   {3},
		},
		Tunable: []string{"stop_atr", "tp_rr", "leverage", "exit_after_bars"},
		Factory: newRSIReversal,
	}
}

type rsiReversal struct {
	BaseStrategy
	rsiPeriod  int
	atrPeriod  int
	oversold   float64
	overbought float64
	stopATR    float64
	tpRR       float64
	lev        int
}

func newRSIReversal(params map[string]any) (Strategy, error) {
	s := &rsiReversal{
		BaseStrategy: BaseStrategy{
			category:  types.CategoryReversal,
			interval:  intervalParam(params, types.Interval1h),
			direction: directionParam(params, types.DirectionBidi),
			columns:   []string{"rsi", "atr"},
		},
		rsiPeriod:  intParam(params, "rsi_period", 14),
		atrPeriod:  intParam(params, "atr_period", 14),
		oversold:   floatParam(params, "oversold", 30),
		overbought: floatParam(params, "overbought", 70),
		stopATR:    floatParam(params, "stop_atr", 2.0),
		tpRR:       floatParam(params, "tp_rr", 1.5),
		lev:        intParam(params, "leverage", 3),
	}
	s.exitAfterBars = intParam(params, "exit_after_bars", 0)
	if s.oversold >= s.overbought {
		return nil, fmt.Errorf("strategy: rsi_reversal oversold %.0f must be below overbought %.0f", s.oversold, s.overbought)
	}
	return s, nil
}

func (s *rsiReversal) PrecomputeIndicators(f *frame.Frame) error {
	if err := f.AddColumn("rsi", RSI(closesOf(f), s.rsiPeriod)); err != nil {
		return err
	}
	return f.AddColumn("atr", ATR(highsOf(f), lowsOf(f), closesOf(f), s.atrPeriod))
}

func (s *rsiReversal) GenerateSignal(v *frame.View, symbol string) (*types.Signal, error) {
	if CrossesLevel(v, "rsi", s.oversold, +1) && s.allowLong() {
		return &types.Signal{
			Action:   types.SignalLong,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopATR, Value: s.stopATR},
			Target:   types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			Reason:   fmt.Sprintf("rsi recovered through %.0f", s.oversold),
		}, nil
	}
	if CrossesLevel(v, "rsi", s.overbought, -1) && s.allowShort() {
		return &types.Signal{
			Action:   types.SignalShort,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopATR, Value: s.stopATR},
			Target:   types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			Reason:   fmt.Sprintf("rsi rejected through %.0f", s.overbought),
		}, nil
	}
	if CrossesLevel(v, "rsi", 50, +1) || CrossesLevel(v, "rsi", 50, -1) {
		return closeSignal("rsi crossed midline"), nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Donchian breakout

const donchianSource = `strategy DonchianBreakout(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}
    columns: chan_high, chan_low, atr

    precompute:
        chan_high = rolling_max(high, {{channel_period}})
        chan_low = rolling_min(low, {{channel_period}})
        atr = atr(high, low, close, {{atr_period}})

    signal:
        if close breaks_above chan_high:
            enter(long, leverage={{leverage}}, stop=atr({{stop_atr}}), target=atr({{tp_atr}}))
        if close breaks_below chan_low:
            enter(short, leverage={{leverage}}, stop=atr({{stop_atr}}), target=atr({{tp_atr}}))
`

// DonchianBreakoutTemplate trades closes beyond the prior N-bar channel.
func DonchianBreakoutTemplate() *Template {
	return &Template{
		ID:              "donchian_breakout",
		Category:        types.CategoryBreakout,
		DefaultInterval: types.Interval4h,
		Source:          donchianSource,
		Grid: map[string][]any{
			"channel_period": {20, 55},
			"atr_period":     {14},
			"stop_atr":       {2.0, 3.0},
			"tp_atr":         {4.0, 6.0},
			"leverage":       {2},
		},
		Tunable: []string{"stop_atr", "tp_atr", "leverage", "exit_after_bars"},
		Factory: newDonchianBreakout,
	}
}

type donchianBreakout struct {
	BaseStrategy
	channel   int
	atrPeriod int
	stopATR   float64
	tpATR     float64
	lev       int
}

func newDonchianBreakout(params map[string]any) (Strategy, error) {
	s := &donchianBreakout{
		BaseStrategy: BaseStrategy{
			category:  types.CategoryBreakout,
			interval:  intervalParam(params, types.Interval4h),
			direction: directionParam(params, types.DirectionBidi),
			columns:   []string{"chan_high", "chan_low", "atr"},
		},
		channel:   intParam(params, "channel_period", 20),
		atrPeriod: intParam(params, "atr_period", 14),
		stopATR:   floatParam(params, "stop_atr", 2.0),
		tpATR:     floatParam(params, "tp_atr", 4.0),
		lev:       intParam(params, "leverage", 2),
	}
	s.exitAfterBars = intParam(params, "exit_after_bars", 0)
	return s, nil
}

func (s *donchianBreakout) PrecomputeIndicators(f *frame.Frame) error {
	if err := f.AddColumn("chan_high", RollingMax(highsOf(f), s.channel)); err != nil {
		return err
	}
	if err := f.AddColumn("chan_low", RollingMin(lowsOf(f), s.channel)); err != nil {
		return err
	}
	return f.AddColumn("atr", ATR(highsOf(f), lowsOf(f), closesOf(f), s.atrPeriod))
}

func (s *donchianBreakout) GenerateSignal(v *frame.View, symbol string) (*types.Signal, error) {
	closeNow, closePrev := v.Close(0), v.Close(1)
	hi, hiPrev := v.Value("chan_high", 0), v.Value("chan_high", 1)
	lo, loPrev := v.Value("chan_low", 0), v.Value("chan_low", 1)

	if !anyNaN(closeNow, closePrev, hi, hiPrev) && closeNow > hi && closePrev <= hiPrev && s.allowLong() {
		return &types.Signal{
			Action:   types.SignalLong,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopATR, Value: s.stopATR},
			Target:   types.TargetSpec{Kind: types.TargetATR, Value: s.tpATR},
			Reason:   fmt.Sprintf("close above %d-bar high", s.channel),
		}, nil
	}
	if !anyNaN(closeNow, closePrev, lo, loPrev) && closeNow < lo && closePrev >= loPrev && s.allowShort() {
		return &types.Signal{
			Action:   types.SignalShort,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopATR, Value: s.stopATR},
			Target:   types.TargetSpec{Kind: types.TargetATR, Value: s.tpATR},
			Reason:   fmt.Sprintf("close below %d-bar low", s.channel),
		}, nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Rate-of-change momentum

const momentumSource = `strategy RocMomentum(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}
    columns: roc

    precompute:
        roc = roc(close, {{roc_period}})

    signal:
        if crosses_up(roc, {{threshold}}):
            enter(long, leverage={{leverage}}, stop=percent({{stop_pct}}), target=rr({{tp_rr}}))
        if crosses_down(roc, -{{threshold}}):
            enter(short, leverage={{leverage}}, stop=percent({{stop_pct}}), target=rr({{tp_rr}}))
        if crosses(roc, 0):
            exit()
`

// MomentumTemplate rides rate-of-change thrusts and exits on momentum decay.
func MomentumTemplate() *Template {
	return &Template{
		ID:              "roc_momentum",
		Category:        types.CategoryMomentum,
		DefaultInterval: types.Interval1h,
		Source:          momentumSource,
		Grid: map[string][]any{
			"roc_period": {10, 20},
			"threshold":  {0.02, 0.04},
			"stop_pct":   {2.0, 3.0},
			"tp_rr":      {2.0},
			"leverage":   {3},
		},
		Tunable: []string{"stop_pct", "tp_rr", "leverage", "exit_after_bars"},
		Factory: newMomentum,
	}
}

type momentum struct {
	BaseStrategy
	rocPeriod int
	threshold float64
	stopPct   float64
	tpRR      float64
	lev       int
}

func newMomentum(params map[string]any) (Strategy, error) {
	s := &momentum{
		BaseStrategy: BaseStrategy{
			category:  types.CategoryMomentum,
			interval:  intervalParam(params, types.Interval1h),
			direction: directionParam(params, types.DirectionBidi),
			columns:   []string{"roc"},
		},
		rocPeriod: intParam(params, "roc_period", 10),
		threshold: floatParam(params, "threshold", 0.02),
		stopPct:   floatParam(params, "stop_pct", 2.0),
		tpRR:      floatParam(params, "tp_rr", 2.0),
		lev:       intParam(params, "leverage", 3),
	}
	s.exitAfterBars = intParam(params, "exit_after_bars", 0)
	if s.threshold <= 0 {
		return nil, fmt.Errorf("strategy: roc_momentum threshold must be positive, got %g", s.threshold)
	}
	return s, nil
}

func (s *momentum) PrecomputeIndicators(f *frame.Frame) error {
	return f.AddColumn("roc", ROC(closesOf(f), s.rocPeriod))
}

func (s *momentum) GenerateSignal(v *frame.View, symbol string) (*types.Signal, error) {
	if CrossesLevel(v, "roc", s.threshold, +1) && s.allowLong() {
		return &types.Signal{
			Action:   types.SignalLong,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopPercent, Value: s.stopPct},
			Target:   types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			Reason:   fmt.Sprintf("roc above %.2f%%", s.threshold*100),
		}, nil
	}
	if CrossesLevel(v, "roc", -s.threshold, -1) && s.allowShort() {
		return &types.Signal{
			Action:   types.SignalShort,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopPercent, Value: s.stopPct},
			Target:   types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			Reason:   fmt.Sprintf("roc below -%.2f%%", s.threshold*100),
		}, nil
	}
	if CrossesLevel(v, "roc", 0, +1) || CrossesLevel(v, "roc", 0, -1) {
		return closeSignal("momentum decayed through zero"), nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Bollinger reversion

const bollingerSource = `strategy BollingerReversion(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}
    columns: bb_mid, bb_upper, bb_lower

    precompute:
        bb_mid = sma(close, {{bb_period}})
        bb_std = rolling_std(close, {{bb_period}})
        bb_upper = bb_mid + {{bb_std}} * bb_std
        bb_lower = bb_mid - {{bb_std}} * bb_std

    signal:
        if close crosses_below bb_lower:
            enter(long, leverage={{leverage}}, stop=volatility({{stop_std}}), target=percent({{tp_pct}}))
        if close crosses_above bb_upper:
            enter(short, leverage={{leverage}}, stop=volatility({{stop_std}}), target=percent({{tp_pct}}))
        if close crosses bb_mid:
            exit()
`

// BollingerReversionTemplate fades band touches back to the middle band.
func BollingerReversionTemplate() *Template {
	return &Template{
		ID:              "bollinger_reversion",
		Category:        types.CategoryVolatility,
		DefaultInterval: types.Interval30m,
		Source:          bollingerSource,
		Grid: map[string][]any{
			"bb_period": {20},
			"bb_std":    {2.0, 2.5},
			"stop_std":  {1.0, 1.5},
			"tp_pct":    {1.5, 2.5},
			"leverage":  {2},
		},
		Tunable: []string{"stop_std", "tp_pct", "leverage", "exit_after_bars"},
		Factory: newBollingerReversion,
	}
}

type bollingerReversion struct {
	BaseStrategy
	period  int
	stdMult float64
	stopStd float64
	tpPct   float64
	lev     int
}

func newBollingerReversion(params map[string]any) (Strategy, error) {
	s := &bollingerReversion{
		BaseStrategy: BaseStrategy{
			category:  types.CategoryVolatility,
			interval:  intervalParam(params, types.Interval30m),
			direction: directionParam(params, types.DirectionBidi),
			columns:   []string{"bb_mid", "bb_upper", "bb_lower"},
		},
		period:  intParam(params, "bb_period", 20),
		stdMult: floatParam(params, "bb_std", 2.0),
		stopStd: floatParam(params, "stop_std", 1.0),
		tpPct:   floatParam(params, "tp_pct", 2.0),
		lev:     intParam(params, "leverage", 2),
	}
	s.exitAfterBars = intParam(params, "exit_after_bars", 0)
	return s, nil
}

func (s *bollingerReversion) PrecomputeIndicators(f *frame.Frame) error {
	closes := closesOf(f)
	mid := SMA(closes, s.period)
	std := RollingStd(closes, s.period)
	upper := make([]float64, len(mid))
	lower := make([]float64, len(mid))
	for i := range mid {
		upper[i] = mid[i] + s.stdMult*std[i]
		lower[i] = mid[i] - s.stdMult*std[i]
	}
	if err := f.AddColumn("bb_mid", mid); err != nil {
		return err
	}
	if err := f.AddColumn("bb_upper", upper); err != nil {
		return err
	}
	return f.AddColumn("bb_lower", lower)
}

func (s *bollingerReversion) GenerateSignal(v *frame.View, symbol string) (*types.Signal, error) {
	closeNow, closePrev := v.Close(0), v.Close(1)
	lower, lowerPrev := v.Value("bb_lower", 0), v.Value("bb_lower", 1)
	upper, upperPrev := v.Value("bb_upper", 0), v.Value("bb_upper", 1)
	mid, midPrev := v.Value("bb_mid", 0), v.Value("bb_mid", 1)

	if !anyNaN(closeNow, closePrev, lower, lowerPrev) && closeNow < lower && closePrev >= lowerPrev && s.allowLong() {
		return &types.Signal{
			Action:   types.SignalLong,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopVolatility, Value: s.stopStd},
			Target:   types.TargetSpec{Kind: types.TargetPercent, Value: s.tpPct},
			Reason:   "close pierced lower band",
		}, nil
	}
	if !anyNaN(closeNow, closePrev, upper, upperPrev) && closeNow > upper && closePrev <= upperPrev && s.allowShort() {
		return &types.Signal{
			Action:   types.SignalShort,
			Leverage: s.lev,
			Stop:     types.StopSpec{Kind: types.StopVolatility, Value: s.stopStd},
			Target:   types.TargetSpec{Kind: types.TargetPercent, Value: s.tpPct},
			Reason:   "close pierced upper band",
		}, nil
	}
	if !anyNaN(closeNow, closePrev, mid, midPrev) {
		crossedUp := closeNow > mid && closePrev <= midPrev
		crossedDown := closeNow < mid && closePrev >= midPrev
		if crossedUp || crossedDown {
			return closeSignal("close reverted to middle band"), nil
		}
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Keltner scalp

const keltnerSource = `strategy KeltnerScalp(BaseStrategy):
    interval: {{interval}}
    direction: {{direction}}
    columns: kc_mid, kc_upper, kc_lower, atr
    exit_after_bars: {{exit_after_bars}}

    precompute:
        kc_mid = ema(close, {{ema_period}})
        atr = atr(high, low, close, {{atr_period}})
        kc_upper = kc_mid + {{atr_mult}} * atr
        kc_lower = kc_mid - {{atr_mult}} * atr

    signal:
        if close crosses_above kc_upper:
            enter(long, leverage={{leverage}}, stop=trailing({{trail_pct}}), target=rr({{tp_rr}}))
        if close crosses_below kc_lower:
            enter(short, leverage={{leverage}}, stop=trailing({{trail_pct}}), target=rr({{tp_rr}}))
`

// KeltnerScalpTemplate takes quick momentum bursts out of the Keltner
// channel with a trailing stop and a hard time exit.
func KeltnerScalpTemplate() *Template {
	return &Template{
		ID:              "keltner_scalp",
		Category:        types.CategoryScalping,
		DefaultInterval: types.Interval15m,
		Source:          keltnerSource,
		Grid: map[string][]any{
			"ema_period":      {20},
			"atr_period":      {10, 14},
			"atr_mult":        {1.5, 2.0},
			"trail_pct":       {1.0, 1.5},
			"tp_rr":           {2.0},
			"leverage":        {4},
			"exit_after_bars": {12, 24},
		},
		Tunable: []string{"trail_pct", "tp_rr", "leverage", "exit_after_bars"},
		Factory: newKeltnerScalp,
	}
}

type keltnerScalp struct {
	BaseStrategy
	emaPeriod int
	atrPeriod int
	atrMult   float64
	trailPct  float64
	tpRR      float64
	lev       int
}

func newKeltnerScalp(params map[string]any) (Strategy, error) {
	s := &keltnerScalp{
		BaseStrategy: BaseStrategy{
			category:  types.CategoryScalping,
			interval:  intervalParam(params, types.Interval15m),
			direction: directionParam(params, types.DirectionBidi),
			columns:   []string{"kc_mid", "kc_upper", "kc_lower", "atr"},
		},
		emaPeriod: intParam(params, "ema_period", 20),
		atrPeriod: intParam(params, "atr_period", 10),
		atrMult:   floatParam(params, "atr_mult", 1.5),
		trailPct:  floatParam(params, "trail_pct", 1.0),
		tpRR:      floatParam(params, "tp_rr", 2.0),
		lev:       intParam(params, "leverage", 4),
	}
	s.exitAfterBars = intParam(params, "exit_after_bars", 12)
	return s, nil
}

func (s *keltnerScalp) PrecomputeIndicators(f *frame.Frame) error {
	closes := closesOf(f)
	mid := EMA(closes, s.emaPeriod)
	atr := ATR(highsOf(f), lowsOf(f), closes, s.atrPeriod)
	upper := make([]float64, len(mid))
	lower := make([]float64, len(mid))
	for i := range mid {
		upper[i] = mid[i] + s.atrMult*atr[i]
		lower[i] = mid[i] - s.atrMult*atr[i]
	}
	if err := f.AddColumn("kc_mid", mid); err != nil {
		return err
	}
	if err := f.AddColumn("atr", atr); err != nil {
		return err
	}
	if err := f.AddColumn("kc_upper", upper); err != nil {
		return err
	}
	return f.AddColumn("kc_lower", lower)
}

func (s *keltnerScalp) GenerateSignal(v *frame.View, symbol string) (*types.Signal, error) {
	closeNow, closePrev := v.Close(0), v.Close(1)
	upper, upperPrev := v.Value("kc_upper", 0), v.Value("kc_upper", 1)
	lower, lowerPrev := v.Value("kc_lower", 0), v.Value("kc_lower", 1)

	if !anyNaN(closeNow, closePrev, upper, upperPrev) && closeNow > upper && closePrev <= upperPrev && s.allowLong() {
		return &types.Signal{
			Action:        types.SignalLong,
			Leverage:      s.lev,
			Stop:          types.StopSpec{Kind: types.StopTrailing, Value: s.trailPct},
			Target:        types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			ExitAfterBars: s.exitAfterBars,
			Reason:        "burst above keltner upper",
		}, nil
	}
	if !anyNaN(closeNow, closePrev, lower, lowerPrev) && closeNow < lower && closePrev >= lowerPrev && s.allowShort() {
		return &types.Signal{
			Action:        types.SignalShort,
			Leverage:      s.lev,
			Stop:          types.StopSpec{Kind: types.StopTrailing, Value: s.trailPct},
			Target:        types.TargetSpec{Kind: types.TargetRR, Value: s.tpRR},
			ExitAfterBars: s.exitAfterBars,
			Reason:        "burst below keltner lower",
		}, nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------

func closeSignal(reason string) *types.Signal {
	return &types.Signal{Action: types.SignalClose, Reason: reason}
}

func closesOf(f *frame.Frame) []float64 {
	out := make([]float64, f.Len())
	for i := range out {
		out[i] = f.Close(i)
	}
	return out
}

func highsOf(f *frame.Frame) []float64 {
	out := make([]float64, f.Len())
	for i := range out {
		out[i] = f.High(i)
	}
	return out
}

func lowsOf(f *frame.Frame) []float64 {
	out := make([]float64, f.Len())
	for i := range out {
		out[i] = f.Low(i)
	}
	return out
}
