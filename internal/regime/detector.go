// Package regime classifies per-symbol market conditions from candle
// returns. The generator uses the estimates to bias symbol and direction
// selection.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Regime labels one market condition.
type Regime string

const (
	RegimeBull    Regime = "bull"
	RegimeBear    Regime = "bear"
	RegimeHighVol Regime = "high_vol"
	RegimeLowVol  Regime = "low_vol"
	RegimeRanging Regime = "ranging"
	RegimeUnknown Regime = "unknown"
)

// Estimate is the classification for one symbol.
type Estimate struct {
	Symbol        string    `json:"symbol"`
	Regime        Regime    `json:"regime"`
	Trend         float64   `json:"trend"`
	Volatility    float64   `json:"volatility"`
	MeanReversion float64   `json:"mean_reversion"`
	Bars          int       `json:"bars"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Config controls the classifier thresholds.
type Config struct {
	WindowSize       int     `json:"window_size" mapstructure:"window_size"`
	TrendThreshold   float64 `json:"trend_threshold" mapstructure:"trend_threshold"`
	VolHighThreshold float64 `json:"vol_high_threshold" mapstructure:"vol_high_threshold"`
	VolLowThreshold  float64 `json:"vol_low_threshold" mapstructure:"vol_low_threshold"`
}

// DefaultConfig returns thresholds tuned for crypto perpetuals.
// Volatility thresholds are annualized.
func DefaultConfig() Config {
	return Config{
		WindowSize:       100,
		TrendThreshold:   0.3,
		VolHighThreshold: 1.2,
		VolLowThreshold:  0.4,
	}
}

// Detector holds one estimate per symbol.
type Detector struct {
	mu        sync.RWMutex
	estimates map[string]Estimate
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewDetector creates an empty detector.
func NewDetector(config Config, logger *zap.Logger) *Detector {
	return &Detector{
		estimates: make(map[string]Estimate),
		config:    config,
		logger:    logger.Named("regime"),
		now:       time.Now,
	}
}

// ObserveCandles recomputes one symbol's estimate from candle history.
// Only closed bars contribute; the still-forming bar is skipped.
func (d *Detector) ObserveCandles(symbol string, candles []types.Candle) Estimate {
	closes := make([]float64, 0, len(candles))
	var interval types.Interval
	for _, c := range candles {
		if !c.Closed {
			continue
		}
		price, _ := c.Close.Float64()
		if price > 0 {
			closes = append(closes, price)
			interval = c.Interval
		}
	}

	returns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		returns = append(returns, closes[i]/closes[i-1]-1)
	}

	barsPerYear := 365.0
	if interval != "" {
		barsPerYear = interval.BarsPerYear()
	}
	return d.observe(symbol, returns, barsPerYear)
}

// ObserveReturns recomputes one symbol's estimate from raw per-bar returns.
func (d *Detector) ObserveReturns(symbol string, returns []float64, barsPerYear float64) Estimate {
	return d.observe(symbol, returns, barsPerYear)
}

func (d *Detector) observe(symbol string, returns []float64, barsPerYear float64) Estimate {
	if len(returns) > d.config.WindowSize {
		returns = returns[len(returns)-d.config.WindowSize:]
	}

	est := Estimate{
		Symbol:    symbol,
		Regime:    RegimeUnknown,
		Bars:      len(returns),
		UpdatedAt: d.now().UTC(),
	}

	if len(returns) >= d.config.WindowSize {
		est.Trend = trendStrength(returns)
		est.Volatility = stddev(returns) * math.Sqrt(barsPerYear)
		est.MeanReversion = autocorrelation(returns)
		est.Regime = d.classify(est)
	}

	d.mu.Lock()
	prev, had := d.estimates[symbol]
	d.estimates[symbol] = est
	d.mu.Unlock()

	if !had || prev.Regime != est.Regime {
		d.logger.Debug("Regime updated",
			zap.String("symbol", symbol),
			zap.String("regime", string(est.Regime)),
			zap.Float64("trend", est.Trend),
			zap.Float64("volatility", est.Volatility))
	}
	return est
}

// classify applies the threshold rules. Volatility extremes outrank
// trend; ranging is the residual class.
func (d *Detector) classify(est Estimate) Regime {
	switch {
	case est.Volatility >= d.config.VolHighThreshold:
		return RegimeHighVol
	case est.Trend >= d.config.TrendThreshold:
		return RegimeBull
	case est.Trend <= -d.config.TrendThreshold:
		return RegimeBear
	case est.Volatility <= d.config.VolLowThreshold:
		return RegimeLowVol
	default:
		return RegimeRanging
	}
}

// Current returns the latest estimate for a symbol.
func (d *Detector) Current(symbol string) (Estimate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	est, ok := d.estimates[symbol]
	return est, ok
}

// Snapshot returns a copy of every symbol's estimate.
func (d *Detector) Snapshot() map[string]Estimate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Estimate, len(d.estimates))
	for symbol, est := range d.estimates {
		out[symbol] = est
	}
	return out
}

// FavorsDirection reports whether a regime supports opening positions in
// the given direction. High volatility suppresses both sides.
func (e Estimate) FavorsDirection(dir types.Direction) bool {
	switch e.Regime {
	case RegimeHighVol:
		return false
	case RegimeBull:
		return dir != types.DirectionShort
	case RegimeBear:
		return dir != types.DirectionLong
	default:
		return true
	}
}

// trendStrength sums returns normalized by their dispersion, clamped to
// [-1, 1].
func trendStrength(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}

	vol := stddev(returns)
	if vol == 0 {
		return 0
	}

	trend := sum / (vol * math.Sqrt(float64(len(returns))))
	return math.Max(-1, math.Min(1, trend))
}

func stddev(returns []float64) float64 {
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
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// autocorrelation is the lag-1 coefficient; negative values indicate
// mean-reverting behaviour.
func autocorrelation(returns []float64) float64 {
	n := len(returns)
	if n < 3 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	autocovariance := 0.0
	variance := 0.0
	for i := 1; i < n; i++ {
		autocovariance += (returns[i] - mean) * (returns[i-1] - mean)
		variance += (returns[i] - mean) * (returns[i] - mean)
	}
	if variance == 0 {
		return 0
	}
	return autocovariance / variance
}
