// Package strategy provides the strategy contract, the template registry,
// and the built-in strategy families the generator expands.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-pipeline/internal/frame"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Strategy is the two-phase contract every tradable strategy implements.
// PrecomputeIndicators runs once over the full series and writes indicator
// columns; GenerateSignal runs per bar against a prefix-bounded view and
// must not observe rows past the view's last visible index.
type Strategy interface {
	Category() types.Category
	Interval() types.Interval
	Direction() types.Direction
	IndicatorColumns() []string
	ExitAfterBars() int
	PrecomputeIndicators(f *frame.Frame) error
	GenerateSignal(v *frame.View, symbol string) (*types.Signal, error)
}

// Factory builds a strategy instance from a parameter map. Unknown keys are
// ignored; missing keys fall back to template defaults.
type Factory func(params map[string]any) (Strategy, error)

// Registry holds the available strategy templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds a template, replacing any previous one with the same ID.
func (r *Registry) Register(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
}

// Get returns the template with the given ID.
func (r *Registry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// Create instantiates a strategy from a registered template.
func (r *Registry) Create(id string, params map[string]any) (Strategy, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("strategy: unknown template %q", id)
	}
	return t.Factory(params)
}

// Resolve instantiates a persisted candidate. Derived templates are
// registered only in the process that synthesized them, so when the ID is
// unknown Resolve falls back to the template whose render of the
// candidate's parameters reproduces its source code; such templates share
// the base factory.
func (r *Registry) Resolve(templateID string, params map[string]any, sourceCode string) (Strategy, error) {
	if t, ok := r.Get(templateID); ok {
		return t.Factory(params)
	}
	for _, t := range r.All() {
		if t.Render(params) == sourceCode {
			return t.Factory(params)
		}
	}
	return nil, fmt.Errorf("strategy: no template renders candidate of %q", templateID)
}

// List returns registered template IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every registered template, sorted by ID.
func (r *Registry) All() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BaseStrategy carries the declared attributes shared by every
// built-in strategy.
type BaseStrategy struct {
	category      types.Category
	interval      types.Interval
	direction     types.Direction
	exitAfterBars int
	columns       []string
}

func (s *BaseStrategy) Category() types.Category   { return s.category }
func (s *BaseStrategy) Interval() types.Interval   { return s.interval }
func (s *BaseStrategy) Direction() types.Direction { return s.direction }
func (s *BaseStrategy) ExitAfterBars() int         { return s.exitAfterBars }

// IndicatorColumns returns the columns PrecomputeIndicators writes.
func (s *BaseStrategy) IndicatorColumns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s *BaseStrategy) allowLong() bool {
	return s.direction == types.DirectionLong || s.direction == types.DirectionBidi
}

func (s *BaseStrategy) allowShort() bool {
	return s.direction == types.DirectionShort || s.direction == types.DirectionBidi
}

// Parameter readers used by every factory. Values arrive as JSONB-decoded
// any, so numbers may be float64, int, or json.Number-like strings.

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func intervalParam(params map[string]any, def types.Interval) types.Interval {
	iv := types.Interval(stringParam(params, "interval", string(def)))
	if !iv.IsValid() {
		return def
	}
	return iv
}

func directionParam(params map[string]any, def types.Direction) types.Direction {
	switch types.Direction(stringParam(params, "direction", string(def))) {
	case types.DirectionLong:
		return types.DirectionLong
	case types.DirectionShort:
		return types.DirectionShort
	case types.DirectionBidi:
		return types.DirectionBidi
	}
	return def
}
