// Package validator gates GENERATED candidates through a fixed phase
// sequence: static source checks, instantiation, a synthetic-series smoke
// run, a cache-backed shuffle test, and an optional stability probe. The
// first failing phase marks the row FAILED; survivors become VALIDATED.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Phase names recorded on events and failure reasons.
const (
	PhaseStatic      = "static"
	PhaseInstantiate = "instantiate"
	PhaseSmoke       = "smoke"
	PhaseShuffle     = "shuffle"
	PhaseStability   = "stability"
)

// Config controls the validation phases.
type Config struct {
	// SyntheticBars sizes the deterministic series every phase runs on.
	SyntheticBars int `json:"synthetic_bars" mapstructure:"synthetic_bars"`
	// Seed fixes the synthetic series and the shuffle permutations, so
	// every worker reaches the same verdict for the same base code hash.
	Seed            int64 `json:"seed" mapstructure:"seed"`
	MinSmokeSignals int   `json:"min_smoke_signals" mapstructure:"min_smoke_signals"`

	ShuffleRuns int `json:"shuffle_runs" mapstructure:"shuffle_runs"`
	// ShufflePercentile is the quantile of the shuffled sharpe distribution
	// the real run must beat.
	ShufflePercentile float64 `json:"shuffle_percentile" mapstructure:"shuffle_percentile"`
	// MinShuffleTrades is the entry count below which the shuffle verdict
	// is inconclusive and the phase passes with a note.
	MinShuffleTrades int `json:"min_shuffle_trades" mapstructure:"min_shuffle_trades"`

	EnableStability  bool    `json:"enable_stability" mapstructure:"enable_stability"`
	StabilityWindows int     `json:"stability_windows" mapstructure:"stability_windows"`
	StabilityMaxCV   float64 `json:"stability_max_cv" mapstructure:"stability_max_cv"`
}

// DefaultConfig returns the standard validation settings.
func DefaultConfig() Config {
	return Config{
		SyntheticBars:     600,
		Seed:              42,
		MinSmokeSignals:   1,
		ShuffleRuns:       20,
		ShufflePercentile: 0.75,
		MinShuffleTrades:  5,
		EnableStability:   true,
		StabilityWindows:  4,
		StabilityMaxCV:    2.0,
	}
}

// Validator is the GENERATED -> VALIDATED stage.
type Validator struct {
	registry *strategy.Registry
	stores   *storage.Stores
	tracker  *events.Tracker
	config   Config
	logger   *zap.Logger
}

// New creates the validator stage.
func New(registry *strategy.Registry, stores *storage.Stores, tracker *events.Tracker, config Config, logger *zap.Logger) *Validator {
	return &Validator{
		registry: registry,
		stores:   stores,
		tracker:  tracker,
		config:   config,
		logger:   logger.Named("validator"),
	}
}

// Name identifies this stage in logs and events.
func (v *Validator) Name() string { return "validator" }

// From is the status this stage claims.
func (v *Validator) From() types.Status { return types.StatusGenerated }

// Process validates one claimed candidate. Infrastructure errors are
// returned for release-and-retry; validation verdicts settle the row here.
func (v *Validator) Process(ctx context.Context, st *types.Strategy, workerID string) error {
	started := time.Now()

	if err := staticCheck(st.SourceCode); err != nil {
		return v.fail(ctx, st, PhaseStatic, err.Error())
	}
	v.phasePassed(ctx, st, PhaseStatic, nil)

	inst, err := v.registry.Resolve(st.TemplateID, st.Parameters, st.SourceCode)
	if err != nil {
		return v.fail(ctx, st, PhaseInstantiate, err.Error())
	}
	v.phasePassed(ctx, st, PhaseInstantiate, nil)

	f := syntheticFrame(symbolFor(st), inst.Interval(), v.config.SyntheticBars, v.config.Seed)
	base, err := runHarness(f, inst)
	if err != nil {
		return v.fail(ctx, st, PhaseSmoke, err.Error())
	}
	if base.signals < v.config.MinSmokeSignals {
		return v.fail(ctx, st, PhaseSmoke, fmt.Sprintf("%d signals over %d synthetic bars", base.signals, f.Len()))
	}
	v.phasePassed(ctx, st, PhaseSmoke, map[string]any{"signals": base.signals})

	entry, cacheErr := v.stores.Validation.Get(ctx, st.BaseCodeHash)
	if cacheErr != nil && !errors.Is(cacheErr, storage.ErrNotFound) {
		return fmt.Errorf("reading validation cache: %w", cacheErr)
	}

	if entry != nil {
		if !entry.ShufflePassed {
			v.tracker.StrategyEvent(ctx, st, events.PhaseFailed(PhaseShuffle), events.StageValidator, events.StatusFailure,
				map[string]any{"cached": true, "checked_at": entry.CheckedAt})
			return v.failRow(ctx, st, PhaseShuffle, "cached shuffle failure")
		}
		v.phasePassed(ctx, st, PhaseShuffle, map[string]any{"cached": true})
	} else {
		passed, details, err := v.shuffleTest(f, inst, base)
		if err != nil {
			return v.fail(ctx, st, PhaseShuffle, err.Error())
		}
		entry = &types.ValidationCacheEntry{
			CodeHash:      st.BaseCodeHash,
			ShufflePassed: passed,
			CheckedAt:     time.Now().UTC(),
		}
		if err := v.stores.Validation.Upsert(ctx, entry); err != nil {
			return fmt.Errorf("writing validation cache: %w", err)
		}
		if !passed {
			v.tracker.StrategyEvent(ctx, st, events.PhaseFailed(PhaseShuffle), events.StageValidator, events.StatusFailure, details)
			return v.failRow(ctx, st, PhaseShuffle, "no edge over shuffled bars")
		}
		v.phasePassed(ctx, st, PhaseShuffle, details)
	}

	if v.config.EnableStability {
		if entry.StabilityPassed != nil {
			if !*entry.StabilityPassed {
				v.tracker.StrategyEvent(ctx, st, events.PhaseFailed(PhaseStability), events.StageValidator, events.StatusFailure,
					map[string]any{"cached": true})
				return v.failRow(ctx, st, PhaseStability, "cached stability failure")
			}
			v.phasePassed(ctx, st, PhaseStability, map[string]any{"cached": true})
		} else {
			passed, details := v.stabilityProbe(f, base)
			entry.StabilityPassed = &passed
			entry.CheckedAt = time.Now().UTC()
			if err := v.stores.Validation.Upsert(ctx, entry); err != nil {
				return fmt.Errorf("writing validation cache: %w", err)
			}
			if !passed {
				v.tracker.StrategyEvent(ctx, st, events.PhaseFailed(PhaseStability), events.StageValidator, events.StatusFailure, details)
				return v.failRow(ctx, st, PhaseStability, "unstable across synthetic windows")
			}
			v.phasePassed(ctx, st, PhaseStability, details)
		}
	}

	if err := v.stores.Strategies.Advance(ctx, st.ID, types.StatusGenerated, types.StatusValidated, workerID); err != nil {
		return fmt.Errorf("advancing %s: %w", st.Name, err)
	}

	took := time.Since(started)
	v.tracker.StageCompleted(ctx, st, events.TypeValidated, events.StageValidator, took, map[string]any{
		"signals": base.signals,
	})
	v.logger.Info("Candidate validated",
		zap.String("name", st.Name),
		zap.Int("signals", base.signals),
		zap.Duration("took", took))
	return nil
}

// shuffleTest compares the real harness sharpe against the distribution
// over shuffled series. Too few entries make the verdict inconclusive and
// the phase passes with a note.
func (v *Validator) shuffleTest(f *frame.Frame, inst strategy.Strategy, base *harnessRun) (bool, map[string]any, error) {
	if len(base.returns) < v.config.MinShuffleTrades {
		return true, map[string]any{"inconclusive": true, "entries": len(base.returns)}, nil
	}

	realSharpe := rawSharpe(base.returns)
	sharpes := make([]float64, 0, v.config.ShuffleRuns)
	for run := 0; run < v.config.ShuffleRuns; run++ {
		rng := rand.New(rand.NewSource(v.config.Seed + int64(run) + 1))
		sf := shuffledFrame(f, rng)
		sr, err := runHarness(sf, inst)
		if err != nil {
			return false, nil, fmt.Errorf("shuffle run %d: %w", run, err)
		}
		sharpes = append(sharpes, rawSharpe(sr.returns))
	}

	threshold := quantile(sharpes, v.config.ShufflePercentile)
	passed := realSharpe > threshold
	return passed, map[string]any{
		"real_sharpe":      realSharpe,
		"shuffle_quantile": threshold,
		"runs":             v.config.ShuffleRuns,
		"entries":          len(base.returns),
	}, nil
}

// stabilityProbe checks the coefficient of variation of window sharpes.
// Fewer than two usable windows is inconclusive and passes with a note.
func (v *Validator) stabilityProbe(f *frame.Frame, base *harnessRun) (bool, map[string]any) {
	sharpes := windowSharpes(base, f.Len(), v.config.StabilityWindows, 3)
	if len(sharpes) < 2 {
		return true, map[string]any{"inconclusive": true, "windows": len(sharpes)}
	}

	mean := 0.0
	for _, s := range sharpes {
		mean += s
	}
	mean /= float64(len(sharpes))
	variance := 0.0
	for _, s := range sharpes {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(sharpes))

	if mean == 0 {
		return false, map[string]any{"cv": "undefined", "windows": len(sharpes)}
	}
	cv := math.Sqrt(variance) / math.Abs(mean)
	return cv <= v.config.StabilityMaxCV, map[string]any{
		"cv":      cv,
		"windows": len(sharpes),
	}
}

func (v *Validator) phasePassed(ctx context.Context, st *types.Strategy, phase string, details map[string]any) {
	v.tracker.StrategyEvent(ctx, st, events.PhasePassed(phase), events.StageValidator, events.StatusSuccess, details)
}

// fail emits the phase failure event and settles the row.
func (v *Validator) fail(ctx context.Context, st *types.Strategy, phase, reason string) error {
	v.tracker.StrategyEvent(ctx, st, events.PhaseFailed(phase), events.StageValidator, events.StatusFailure,
		map[string]any{"reason": reason})
	return v.failRow(ctx, st, phase, reason)
}

// failRow marks the row FAILED; the caller has already emitted the event.
func (v *Validator) failRow(ctx context.Context, st *types.Strategy, phase, reason string) error {
	if err := v.stores.Strategies.Fail(ctx, st.ID, fmt.Sprintf("%s: %s", phase, reason)); err != nil {
		return fmt.Errorf("marking %s failed: %w", st.Name, err)
	}
	v.logger.Info("Candidate rejected",
		zap.String("name", st.Name),
		zap.String("phase", phase),
		zap.String("reason", reason))
	return nil
}

// symbolFor labels the synthetic series; the harness is symbol-agnostic.
func symbolFor(st *types.Strategy) string {
	if len(st.Symbols) > 0 {
		return st.Symbols[0]
	}
	return "SYN/USD"
}
