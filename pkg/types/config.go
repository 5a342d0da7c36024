// Package types provides configuration types shared across pipeline roles.
package types

import (
	"time"
)

// ScoringWeights is the weight vector applied to recency-weighted metrics.
// The backtester uses it for pool admission and the classifier reuses the
// same vector for live scoring and retirement decisions.
type ScoringWeights struct {
	Expectancy  float64 `json:"expectancy" mapstructure:"expectancy"`
	Sharpe      float64 `json:"sharpe" mapstructure:"sharpe"`
	WinRate     float64 `json:"win_rate" mapstructure:"win_rate"`
	WFStability float64 `json:"wf_stability" mapstructure:"wf_stability"`
}

// DefaultScoringWeights returns the production weight vector.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Expectancy:  0.35,
		Sharpe:      0.30,
		WinRate:     0.15,
		WFStability: 0.20,
	}
}

// Score combines the four component metrics into a single ranking score.
// Sharpe is squashed onto [0,1] around a target of 2.0, expectancy around
// a 1% edge per trade, so no single component can dominate the sum.
func (w ScoringWeights) Score(expectancy, sharpe, winRate, wfStability float64) float64 {
	return w.Expectancy*squash(expectancy, 0.01) +
		w.Sharpe*squash(sharpe, 2.0) +
		w.WinRate*clamp01(winRate) +
		w.WFStability*clamp01(wfStability)
}

// squash maps x onto (-1,1) with x == target giving 0.5.
func squash(x, target float64) float64 {
	if target == 0 {
		return 0
	}
	r := x / (2 * target)
	if r > 1 {
		return 1
	}
	if r < -1 {
		return -1
	}
	return r
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// BackpressureConfig bounds how fast a role emits work into the next
// stage's queue. When the downstream ready-queue depth reaches SoftLimit
// the role sleeps for a cool-down that grows linearly with the overshoot.
type BackpressureConfig struct {
	SoftLimit    int           `json:"soft_limit" mapstructure:"soft_limit"`
	BaseCooldown time.Duration `json:"base_cooldown" mapstructure:"base_cooldown"`
	Increment    time.Duration `json:"increment" mapstructure:"increment"`
	MaxCooldown  time.Duration `json:"max_cooldown" mapstructure:"max_cooldown"`
}

// DefaultBackpressureConfig returns the standard queue guard.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		SoftLimit:    100,
		BaseCooldown: 30 * time.Second,
		Increment:    2 * time.Second,
		MaxCooldown:  10 * time.Minute,
	}
}

// Cooldown returns clamp(B + k*(depth-limit), B, M) for the observed depth,
// or zero when the queue is below the soft limit.
func (c BackpressureConfig) Cooldown(depth int) time.Duration {
	if depth < c.SoftLimit {
		return 0
	}
	d := c.BaseCooldown + time.Duration(depth-c.SoftLimit)*c.Increment
	if d < c.BaseCooldown {
		d = c.BaseCooldown
	}
	if c.MaxCooldown > 0 && d > c.MaxCooldown {
		d = c.MaxCooldown
	}
	return d
}

// ClaimConfig governs the cooperative claim protocol for one role.
type ClaimConfig struct {
	LeaseTTL     time.Duration `json:"lease_ttl" mapstructure:"lease_ttl"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	Workers      int           `json:"workers" mapstructure:"workers"`
}

// DefaultClaimConfig returns lease settings suitable for most roles.
func DefaultClaimConfig() ClaimConfig {
	return ClaimConfig{
		LeaseTTL:     10 * time.Minute,
		PollInterval: 2 * time.Second,
		Workers:      4,
	}
}
