// Package generator produces strategy candidates from template grids,
// evolutionary recombination, a curated pattern library, and model-backed
// synthesis, persisting them as GENERATED rows. It respects downstream
// backpressure and the daily synthesis budget.
package generator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// Config controls the generator role.
type Config struct {
	// CycleInterval is the cadence between emission cycles.
	CycleInterval       time.Duration `json:"cycle_interval" mapstructure:"cycle_interval"`
	SymbolsPerCandidate int           `json:"symbols_per_candidate" mapstructure:"symbols_per_candidate"`

	// Per-cycle emission caps, zero disables a source.
	GridPerCycle      int `json:"grid_per_cycle" mapstructure:"grid_per_cycle"`
	GeneratedPerCycle int `json:"generated_per_cycle" mapstructure:"generated_per_cycle"`
	EvoPerCycle       int `json:"evo_per_cycle" mapstructure:"evo_per_cycle"`
	PatternPerCycle   int `json:"pattern_per_cycle" mapstructure:"pattern_per_cycle"`

	Backpressure types.BackpressureConfig `json:"backpressure" mapstructure:"backpressure"`
	Registry     RegistryConfig           `json:"registry" mapstructure:"registry"`
	Synthesis    SynthesisConfig          `json:"synthesis" mapstructure:"synthesis"`
	Evo          EvoConfig                `json:"evo" mapstructure:"evo"`
}

// DefaultConfig returns the standard generator settings.
func DefaultConfig() Config {
	return Config{
		CycleInterval:       5 * time.Minute,
		SymbolsPerCandidate: 3,
		GridPerCycle:        25,
		GeneratedPerCycle:   10,
		EvoPerCycle:         5,
		PatternPerCycle:     5,
		Backpressure:        types.DefaultBackpressureConfig(),
		Registry:            DefaultRegistryConfig(),
		Synthesis:           DefaultSynthesisConfig(),
		Evo:                 DefaultEvoConfig(),
	}
}

type cappedSource struct {
	source Source
	cap    int
}

// Generator is the candidate-emission role.
type Generator struct {
	sources    []cappedSource
	strategies storage.StrategyStore
	tracker    *events.Tracker
	metrics    *observability.Metrics
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// New wires the standard source set. Templates registered after
// construction (derived by synthesis) flow into the generated-template
// expansion rather than the builtin grid.
func New(registry *strategy.Registry, symbols *SymbolRegistry, stores *storage.Stores, tracker *events.Tracker, metrics *observability.Metrics, config Config, logger *zap.Logger) *Generator {
	logger = logger.Named("generator")

	builtin := make(map[string]bool)
	for _, id := range registry.List() {
		builtin[id] = true
	}

	budget := NewBudget(config.Synthesis.BudgetPath, config.Synthesis.DailyLimit, metrics.SynthesisBudget, logger)

	g := &Generator{
		strategies: stores.Strategies,
		tracker:    tracker,
		metrics:    metrics,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
	g.addSource(NewGridSource("grid", PrefixGrid, registry, symbols, config.SymbolsPerCandidate,
		func(t *strategy.Template) bool { return builtin[t.ID] }), config.GridPerCycle)
	g.addSource(NewGridSource("generated_grid", PrefixGenerated, registry, symbols, config.SymbolsPerCandidate,
		func(t *strategy.Template) bool { return !builtin[t.ID] }), config.GeneratedPerCycle)
	g.addSource(NewEvoSource(registry, symbols, stores.Strategies, stores.Backtests, types.DefaultScoringWeights(), config.Evo, config.SymbolsPerCandidate, logger), config.EvoPerCycle)
	g.addSource(NewPatternSource(registry, symbols, config.SymbolsPerCandidate, logger), config.PatternPerCycle)
	g.addSource(NewSynthesisSource(registry, symbols, budget, config.Synthesis, config.SymbolsPerCandidate, logger), config.Synthesis.PerCycle)
	return g
}

func (g *Generator) addSource(s Source, cap int) {
	if cap <= 0 {
		return
	}
	g.sources = append(g.sources, cappedSource{source: s, cap: cap})
}

// Run emits candidates on the configured cadence until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("Generator started",
		zap.Duration("cycle_interval", g.config.CycleInterval),
		zap.Int("sources", len(g.sources)))

	ticker := time.NewTicker(g.config.CycleInterval)
	defer ticker.Stop()

	for {
		if _, err := g.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			g.logger.Error("Generation cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			g.logger.Info("Generator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one emission pass and returns how many candidates were
// persisted. A saturated downstream queue pauses emission for the
// backpressure cooldown instead of emitting.
func (g *Generator) Cycle(ctx context.Context) (int, error) {
	depths, err := g.strategies.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	for status, n := range depths {
		g.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}

	cooldown := g.config.Backpressure.Cooldown(depths[types.StatusGenerated])
	g.metrics.CooldownSeconds.Set(cooldown.Seconds())
	if cooldown > 0 {
		g.logger.Info("Downstream queue saturated, pausing emission",
			zap.Int("depth", depths[types.StatusGenerated]),
			zap.Duration("cooldown", cooldown))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(cooldown):
		}
		return 0, nil
	}

	inserted := 0
	for _, cs := range g.sources {
		n, err := g.runSource(ctx, cs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return inserted, err
			}
			g.logger.Warn("Source failed",
				zap.String("source", cs.source.Name()),
				zap.Error(err))
			continue
		}
		inserted += n
	}

	if inserted > 0 {
		g.logger.Info("Candidates generated", zap.Int("inserted", inserted))
	}
	return inserted, nil
}

func (g *Generator) runSource(ctx context.Context, cs cappedSource) (int, error) {
	candidates, err := cs.source.Generate(ctx, cs.cap)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, cand := range candidates {
		now := g.now().UTC()
		cand.ID = utils.GenerateID("strat")
		cand.Status = types.StatusGenerated
		cand.GeneratedAt = now
		cand.UpdatedAt = now

		if err := g.strategies.Insert(ctx, cand); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				g.logger.Debug("Duplicate candidate skipped",
					zap.String("name", cand.Name),
					zap.String("param_hash", cand.ParamHash))
				continue
			}
			g.logger.Warn("Persisting candidate failed",
				zap.String("name", cand.Name),
				zap.Error(err))
			continue
		}

		g.tracker.StrategyEvent(ctx, cand, events.TypeCreated, events.StageGenerator, events.StatusSuccess, map[string]any{
			"source":      cs.source.Name(),
			"template_id": cand.TemplateID,
			"param_hash":  cand.ParamHash,
			"symbols":     cand.Symbols,
			"direction":   string(cand.Direction),
			"interval":    string(cand.Interval),
		})
		inserted++
	}

	if len(candidates) > 0 {
		g.logger.Debug("Source emitted",
			zap.String("source", cs.source.Name()),
			zap.Int("candidates", len(candidates)),
			zap.Int("inserted", inserted))
	}
	return inserted, nil
}
