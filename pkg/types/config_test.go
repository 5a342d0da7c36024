package types

import (
	"math"
	"testing"
	"time"
)

func TestBackpressureCooldown(t *testing.T) {
	cfg := BackpressureConfig{
		SoftLimit:    100,
		BaseCooldown: 30 * time.Second,
		Increment:    2 * time.Second,
		MaxCooldown:  10 * time.Minute,
	}

	// Saturation point: the smallest overshoot where B + k*over reaches M.
	// (600s - 30s) / 2s = 285 rows over the soft limit.
	cases := []struct {
		depth int
		want  time.Duration
	}{
		{0, 0},
		{99, 0},
		{100, 30 * time.Second},
		{101, 32 * time.Second},
		{150, 130 * time.Second},
		{384, 598 * time.Second},
		{385, 600 * time.Second},
		{386, 600 * time.Second},
		{100000, 600 * time.Second},
	}

	for _, c := range cases {
		if got := cfg.Cooldown(c.depth); got != c.want {
			t.Errorf("Cooldown(depth=%d) = %v, want %v", c.depth, got, c.want)
		}
	}
}

func TestBackpressureCooldownUncapped(t *testing.T) {
	cfg := BackpressureConfig{
		SoftLimit:    10,
		BaseCooldown: time.Second,
		Increment:    time.Second,
	}
	// MaxCooldown zero means the linear ramp is unbounded.
	if got := cfg.Cooldown(1010); got != 1001*time.Second {
		t.Errorf("uncapped Cooldown = %v, want %v", got, 1001*time.Second)
	}
}

func TestDefaultScoringWeightsSumToOne(t *testing.T) {
	w := DefaultScoringWeights()
	sum := w.Expectancy + w.Sharpe + w.WinRate + w.WFStability
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("default weights sum to %v, want 1.0", sum)
	}
}

func TestScoringWeightsScore(t *testing.T) {
	w := DefaultScoringWeights()

	// Hitting the squash targets exactly puts both ratio components at 0.5.
	got := w.Score(0.01, 2.0, 1.0, 1.0)
	want := w.Expectancy*0.5 + w.Sharpe*0.5 + w.WinRate + w.WFStability
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score at targets = %v, want %v", got, want)
	}

	// Extreme metrics saturate at 1.0 total.
	got = w.Score(10, 100, 5, 5)
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("saturated Score = %v, want 1.0", got)
	}

	// A flat strategy scores zero.
	if got := w.Score(0, 0, 0, 0); got != 0 {
		t.Errorf("Score(0,0,0,0) = %v, want 0", got)
	}

	// Losing expectancy drags the score negative relative to flat.
	if got := w.Score(-0.01, 0, 0, 0); got >= 0 {
		t.Errorf("negative expectancy should produce a negative score, got %v", got)
	}
}

func TestScoringWeightsScoreMonotonicInExpectancy(t *testing.T) {
	w := DefaultScoringWeights()
	prev := math.Inf(-1)
	for _, e := range []float64{-0.05, -0.01, 0, 0.005, 0.01, 0.02, 0.5} {
		s := w.Score(e, 1.0, 0.5, 0.5)
		if s < prev {
			t.Fatalf("score decreased as expectancy rose: %v after %v", s, prev)
		}
		prev = s
	}
}
