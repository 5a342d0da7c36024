package generator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Source produces strategy candidates. Every source binds its candidates
// to a registered template so the rest of the pipeline can instantiate
// them; the generator fills in id, status, and timestamps on persistence.
type Source interface {
	Name() string
	Generate(ctx context.Context, limit int) ([]*types.Strategy, error)
}

// Candidate name prefixes, one family per source.
const (
	PrefixSynthesis = "Strategy_"
	PrefixGrid      = "PGgStrat_"
	PrefixGenerated = "PGnStrat_"
	PrefixEvolved   = "UngStrat_"
	PrefixPattern   = "PatStrat_"
	PrefixIndicator = "PtaStrat_"
)

// buildCandidate completes a parameter map with interval and direction,
// hashes it, and renders the template into a persistable candidate. A
// direction pinned in params wins over the assigned one so preset
// candidates keep their side.
func buildCandidate(t *strategy.Template, params map[string]any, prefix, slug string, symbols []string, dir types.Direction) *types.Strategy {
	full := make(map[string]any, len(params)+2)
	for k, v := range params {
		full[k] = v
	}
	if s, ok := full["interval"].(string); !ok || !types.Interval(s).IsValid() {
		full["interval"] = string(t.DefaultInterval)
	}
	if s, ok := full["direction"].(string); ok {
		switch types.Direction(s) {
		case types.DirectionLong, types.DirectionShort, types.DirectionBidi:
			dir = types.Direction(s)
		default:
			full["direction"] = string(dir)
		}
	} else {
		full["direction"] = string(dir)
	}

	hash := strategy.ParamHash(t.ID, full)
	interval := types.Interval(full["interval"].(string))

	return &types.Strategy{
		Name:         fmt.Sprintf("%s%s_%s", prefix, slug, hash),
		Category:     t.Category,
		Interval:     interval,
		SourceCode:   t.Render(full),
		TemplateID:   t.ID,
		Parameters:   full,
		ParamHash:    hash,
		BaseCodeHash: t.BaseCodeHash(full),
		Symbols:      symbols,
		Direction:    dir,
	}
}

// ---------------------------------------------------------------------------
// Grid expansion

// gridSource walks the full cross-product of each template grid, emitting
// every combination exactly once per process. Restarts replay the walk and
// lean on the store's (template_id, param_hash) uniqueness to skip rows
// that already exist.
type gridSource struct {
	name     string
	prefix   string
	registry *strategy.Registry
	symbols  *SymbolRegistry
	include  func(*strategy.Template) bool
	perCand  int

	mu   sync.Mutex
	seen map[string]bool
}

// NewGridSource expands templates accepted by include. include == nil
// accepts every registered template.
func NewGridSource(name, prefix string, registry *strategy.Registry, symbols *SymbolRegistry, symbolsPerCandidate int, include func(*strategy.Template) bool) Source {
	return &gridSource{
		name:     name,
		prefix:   prefix,
		registry: registry,
		symbols:  symbols,
		include:  include,
		perCand:  symbolsPerCandidate,
		seen:     make(map[string]bool),
	}
}

func (s *gridSource) Name() string { return s.name }

func (s *gridSource) Generate(ctx context.Context, limit int) ([]*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Strategy
	for _, t := range s.registry.All() {
		if s.include != nil && !s.include(t) {
			continue
		}
		for _, combo := range t.GridCombinations() {
			if len(out) >= limit {
				return out, nil
			}
			// Keyed without direction: each combo is emitted once, with
			// whatever direction the rotation hands it.
			key := t.ID + "|" + strategy.ParamHash(t.ID, combo)
			if s.seen[key] {
				continue
			}
			syms, dir, err := s.symbols.Assign(ctx, s.name, s.perCand)
			if err != nil {
				return out, err
			}
			s.seen[key] = true
			out = append(out, buildCandidate(t, combo, s.prefix, t.ID, syms, dir))
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Evolutionary recombination

// EvoConfig tunes the evolutionary source.
type EvoConfig struct {
	ParentLimit    int     `json:"parent_limit" mapstructure:"parent_limit"`
	TournamentSize int     `json:"tournament_size" mapstructure:"tournament_size"`
	MutationRate   float64 `json:"mutation_rate" mapstructure:"mutation_rate"`
}

// DefaultEvoConfig returns the standard breeding parameters.
func DefaultEvoConfig() EvoConfig {
	return EvoConfig{
		ParentLimit:    50,
		TournamentSize: 3,
		MutationRate:   0.2,
	}
}

// evoSource breeds children from the tested population: tournament
// selection over backtest scores, uniform crossover per grid key, and
// mutation that snaps to another grid value so children stay inside the
// template's bounds.
type evoSource struct {
	registry   *strategy.Registry
	symbols    *SymbolRegistry
	strategies storage.StrategyStore
	backtests  storage.BacktestStore
	weights    types.ScoringWeights
	config     EvoConfig
	perCand    int
	logger     *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	seen map[string]bool
}

// NewEvoSource creates the evolutionary source.
func NewEvoSource(registry *strategy.Registry, symbols *SymbolRegistry, strategies storage.StrategyStore, backtests storage.BacktestStore, weights types.ScoringWeights, config EvoConfig, symbolsPerCandidate int, logger *zap.Logger) Source {
	return &evoSource{
		registry:   registry,
		symbols:    symbols,
		strategies: strategies,
		backtests:  backtests,
		weights:    weights,
		config:     config,
		perCand:    symbolsPerCandidate,
		logger:     logger.Named("evo"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:       make(map[string]bool),
	}
}

func (s *evoSource) Name() string { return "evolutionary" }

type scoredParent struct {
	strategy *types.Strategy
	score    float64
}

func (s *evoSource) Generate(ctx context.Context, limit int) ([]*types.Strategy, error) {
	byTemplate, err := s.parents(ctx)
	if err != nil {
		return nil, err
	}
	if len(byTemplate) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	templates := make([]string, 0, len(byTemplate))
	for id := range byTemplate {
		templates = append(templates, id)
	}

	var out []*types.Strategy
	attempts := 0
	for len(out) < limit && attempts < limit*4 {
		attempts++
		tid := templates[s.rng.Intn(len(templates))]
		t, ok := s.registry.Get(tid)
		if !ok {
			continue
		}
		pool := byTemplate[tid]

		p1 := s.tournament(pool)
		p2 := s.tournament(pool)
		child := s.crossover(t, p1.strategy.Parameters, p2.strategy.Parameters)
		s.mutate(t, child)

		key := tid + "|" + strategy.ParamHash(tid, child)
		if s.seen[key] {
			continue
		}
		syms, dir, err := s.symbols.Assign(ctx, s.Name(), s.perCand)
		if err != nil {
			return out, err
		}
		s.seen[key] = true
		out = append(out, buildCandidate(t, child, PrefixEvolved, tid, syms, dir))
	}
	return out, nil
}

// parents collects scored TESTED and SELECTED rows grouped by template,
// keeping only templates with at least two parents to cross.
func (s *evoSource) parents(ctx context.Context) (map[string][]scoredParent, error) {
	byTemplate := make(map[string][]scoredParent)
	for _, status := range []types.Status{types.StatusTested, types.StatusSelected} {
		rows, err := s.strategies.ListByStatus(ctx, status, s.config.ParentLimit)
		if err != nil {
			return nil, fmt.Errorf("listing %s parents: %w", status, err)
		}
		for _, row := range rows {
			if row.TemplateID == "" {
				continue
			}
			full, err := s.backtests.GetOptimalFull(ctx, row.ID)
			if err != nil {
				continue
			}
			score := s.weights.Score(full.WeightedExpect, full.WeightedSharpe, full.WeightedWinRate, full.WFStability)
			byTemplate[row.TemplateID] = append(byTemplate[row.TemplateID], scoredParent{strategy: row, score: score})
		}
	}
	for tid, pool := range byTemplate {
		if len(pool) < 2 {
			delete(byTemplate, tid)
		}
	}
	return byTemplate, nil
}

func (s *evoSource) tournament(pool []scoredParent) scoredParent {
	best := pool[s.rng.Intn(len(pool))]
	for i := 1; i < s.config.TournamentSize; i++ {
		p := pool[s.rng.Intn(len(pool))]
		if p.score > best.score {
			best = p
		}
	}
	return best
}

// crossover picks each grid key uniformly from one of the two parents,
// falling back to a random grid value when neither parent carries the key.
func (s *evoSource) crossover(t *strategy.Template, p1, p2 map[string]any) map[string]any {
	child := make(map[string]any, len(t.Grid))
	for key, values := range t.Grid {
		v1, ok1 := p1[key]
		v2, ok2 := p2[key]
		switch {
		case ok1 && ok2:
			if s.rng.Float64() < 0.5 {
				child[key] = v1
			} else {
				child[key] = v2
			}
		case ok1:
			child[key] = v1
		case ok2:
			child[key] = v2
		default:
			child[key] = values[s.rng.Intn(len(values))]
		}
	}
	return child
}

// mutate re-rolls each key with the configured probability, snapping to a
// grid value so factories never see out-of-bounds parameters.
func (s *evoSource) mutate(t *strategy.Template, child map[string]any) {
	for key, values := range t.Grid {
		if len(values) < 2 || s.rng.Float64() >= s.config.MutationRate {
			continue
		}
		child[key] = values[s.rng.Intn(len(values))]
	}
}

// ---------------------------------------------------------------------------
// Pattern presets

// preset is one curated setup from the pattern library.
type preset struct {
	slug     string
	prefix   string
	template string
	params   map[string]any
}

// patternLibrary holds the curated setups. PrefixPattern entries are
// price-structure setups; PrefixIndicator entries are single-indicator
// readings. Parameters may sit outside the template grid.
var patternLibrary = []preset{
	{
		slug: "golden_cross", prefix: PrefixPattern, template: "ema_cross",
		params: map[string]any{"fast_period": 50, "slow_period": 200, "stop_pct": 3.0, "tp_rr": 2.0, "leverage": 2, "direction": "long", "interval": "4h"},
	},
	{
		slug: "death_cross", prefix: PrefixPattern, template: "ema_cross",
		params: map[string]any{"fast_period": 50, "slow_period": 200, "stop_pct": 3.0, "tp_rr": 2.0, "leverage": 2, "direction": "short", "interval": "4h"},
	},
	{
		slug: "turtle_breakout", prefix: PrefixPattern, template: "donchian_breakout",
		params: map[string]any{"channel_period": 55, "atr_period": 20, "stop_atr": 2.0, "tp_atr": 6.0, "leverage": 2, "interval": "4h"},
	},
	{
		slug: "squeeze_pop", prefix: PrefixPattern, template: "keltner_scalp",
		params: map[string]any{"ema_period": 20, "atr_period": 10, "atr_mult": 1.5, "trail_pct": 1.0, "tp_rr": 2.5, "leverage": 3, "exit_after_bars": 16},
	},
	{
		slug: "oversold_bounce", prefix: PrefixIndicator, template: "rsi_reversal",
		params: map[string]any{"rsi_period": 14, "oversold": 25, "overbought": 75, "atr_period": 14, "stop_atr": 2.0, "tp_rr": 1.5, "leverage": 3, "direction": "long"},
	},
	{
		slug: "overbought_fade", prefix: PrefixIndicator, template: "rsi_reversal",
		params: map[string]any{"rsi_period": 14, "oversold": 25, "overbought": 75, "atr_period": 14, "stop_atr": 2.0, "tp_rr": 1.5, "leverage": 3, "direction": "short"},
	},
	{
		slug: "band_fade", prefix: PrefixIndicator, template: "bollinger_reversion",
		params: map[string]any{"bb_period": 20, "bb_std": 2.5, "stop_std": 1.5, "tp_pct": 2.0, "leverage": 2},
	},
	{
		slug: "momentum_thrust", prefix: PrefixIndicator, template: "roc_momentum",
		params: map[string]any{"roc_period": 10, "threshold": 0.03, "stop_pct": 2.5, "tp_rr": 2.0, "leverage": 3},
	},
}

// patternSource composes candidates from the pattern library, one emission
// per preset per process.
type patternSource struct {
	registry *strategy.Registry
	symbols  *SymbolRegistry
	perCand  int
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewPatternSource creates the pattern-library source.
func NewPatternSource(registry *strategy.Registry, symbols *SymbolRegistry, symbolsPerCandidate int, logger *zap.Logger) Source {
	return &patternSource{
		registry: registry,
		symbols:  symbols,
		perCand:  symbolsPerCandidate,
		logger:   logger.Named("patterns"),
		seen:     make(map[string]bool),
	}
}

func (s *patternSource) Name() string { return "patterns" }

func (s *patternSource) Generate(ctx context.Context, limit int) ([]*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Strategy
	for _, p := range patternLibrary {
		if len(out) >= limit {
			break
		}
		if s.seen[p.slug] {
			continue
		}
		t, ok := s.registry.Get(p.template)
		if !ok {
			s.logger.Warn("Pattern references unknown template",
				zap.String("pattern", p.slug),
				zap.String("template", p.template))
			s.seen[p.slug] = true
			continue
		}
		syms, dir, err := s.symbols.Assign(ctx, s.Name(), s.perCand)
		if err != nil {
			return out, err
		}
		s.seen[p.slug] = true
		out = append(out, buildCandidate(t, p.params, p.prefix, p.slug, syms, dir))
	}
	return out, nil
}
