package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// SynthesisConfig configures the model-backed synthesis source.
type SynthesisConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	APIKey     string        `json:"api_key" mapstructure:"api_key"`
	Model      string        `json:"model" mapstructure:"model"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	PerCycle   int           `json:"per_cycle" mapstructure:"per_cycle"`
	DailyLimit int           `json:"daily_limit" mapstructure:"daily_limit"`
	BudgetPath string        `json:"budget_path" mapstructure:"budget_path"`
	// TemplateShare is the fraction of calls spent proposing a refined
	// grid (a derived template) instead of a single candidate.
	TemplateShare float64 `json:"template_share" mapstructure:"template_share"`
}

// DefaultSynthesisConfig returns the standard synthesis settings. The
// source stays disabled until an API key is configured.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		BaseURL:       "https://api.perplexity.ai",
		Model:         "llama-3.1-sonar-large-128k-online",
		Timeout:       30 * time.Second,
		PerCycle:      2,
		DailyLimit:    25,
		BudgetPath:    "synthesis_budget.json",
		TemplateShare: 0.25,
	}
}

// llmSource asks an external model to pick a template and a parameter set,
// or to derive a narrowed grid that the generated-template expansion then
// walks. The model never writes code: candidates always render from a
// registered template, so every proposal stays instantiable.
type llmSource struct {
	registry *strategy.Registry
	symbols  *SymbolRegistry
	budget   *Budget
	config   SynthesisConfig
	perCand  int
	client   *http.Client
	logger   *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	seen map[string]bool
}

// NewSynthesisSource creates the model-backed source. budget gates every
// call against the daily allowance.
func NewSynthesisSource(registry *strategy.Registry, symbols *SymbolRegistry, budget *Budget, config SynthesisConfig, symbolsPerCandidate int, logger *zap.Logger) Source {
	return &llmSource{
		registry: registry,
		symbols:  symbols,
		budget:   budget,
		config:   config,
		perCand:  symbolsPerCandidate,
		client:   &http.Client{Timeout: config.Timeout},
		logger:   logger.Named("synthesis"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:     make(map[string]bool),
	}
}

func (s *llmSource) Name() string { return "synthesis" }

func (s *llmSource) Generate(ctx context.Context, limit int) ([]*types.Strategy, error) {
	if s.config.APIKey == "" {
		return nil, nil
	}
	if limit > s.config.PerCycle {
		limit = s.config.PerCycle
	}

	var out []*types.Strategy
	for i := 0; i < limit; i++ {
		if !s.budget.Spend(1) {
			s.logger.Info("Synthesis budget exhausted",
				zap.Duration("until_reset", s.budget.UntilReset()))
			break
		}

		if s.rng.Float64() < s.config.TemplateShare {
			if err := s.deriveTemplate(ctx); err != nil {
				s.logger.Warn("Template derivation failed", zap.Error(err))
			}
			continue
		}

		cand, err := s.proposeCandidate(ctx)
		if err != nil {
			s.logger.Warn("Synthesis call failed", zap.Error(err))
			continue
		}
		if cand != nil {
			out = append(out, cand)
		}
	}
	return out, nil
}

// proposeCandidate asks for one template + parameter proposal and renders
// it into a candidate.
func (s *llmSource) proposeCandidate(ctx context.Context) (*types.Strategy, error) {
	prompt := fmt.Sprintf(`Pick one strategy template and a parameter set likely to perform in current crypto market conditions.

Available templates with their parameter grids:
%s

Respond with a single JSON object, nothing else:
{"name": "<short_descriptive_name>", "template_id": "<one of the template ids>", "parameters": {<param>: <value>, ...}, "rationale": "<one sentence>"}
Parameters outside the listed keys are ignored. Prefer values near the grid but any sensible number is accepted.`, s.templateCatalog())

	content, err := s.call(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var proposal struct {
		Name       string         `json:"name"`
		TemplateID string         `json:"template_id"`
		Parameters map[string]any `json:"parameters"`
		Rationale  string         `json:"rationale"`
	}
	if err := json.Unmarshal(extractJSON(content), &proposal); err != nil {
		return nil, fmt.Errorf("decoding proposal: %w", err)
	}

	t, ok := s.registry.Get(proposal.TemplateID)
	if !ok {
		return nil, fmt.Errorf("proposal references unknown template %q", proposal.TemplateID)
	}

	params := mergeWithGridDefaults(t, proposal.Parameters)

	s.mu.Lock()
	key := t.ID + "|" + strategy.ParamHash(t.ID, params)
	dup := s.seen[key]
	s.seen[key] = true
	s.mu.Unlock()
	if dup {
		return nil, nil
	}

	syms, dir, err := s.symbols.Assign(ctx, s.Name(), s.perCand)
	if err != nil {
		return nil, err
	}
	slug := slugify(proposal.Name)
	if slug == "" {
		slug = t.ID
	}
	cand := buildCandidate(t, params, PrefixSynthesis, slug, syms, dir)
	s.logger.Info("Synthesized candidate",
		zap.String("name", cand.Name),
		zap.String("template", t.ID),
		zap.String("rationale", proposal.Rationale))
	return cand, nil
}

// deriveTemplate asks for a narrowed grid over an existing template body
// and registers it. The generated-template expansion walks it afterwards.
func (s *llmSource) deriveTemplate(ctx context.Context) error {
	prompt := fmt.Sprintf(`Refine one of these strategy template grids for current crypto market conditions: keep only promising values, drop the rest, and you may add nearby values.

%s

Respond with a single JSON object, nothing else:
{"base_template_id": "<one of the template ids>", "template_id": "<new id, snake_case>", "grid": {<param>: [<values>], ...}, "rationale": "<one sentence>"}
Grid keys must be a subset of the base template's keys.`, s.templateCatalog())

	content, err := s.call(ctx, prompt)
	if err != nil {
		return err
	}

	var proposal struct {
		BaseTemplateID string           `json:"base_template_id"`
		TemplateID     string           `json:"template_id"`
		Grid           map[string][]any `json:"grid"`
		Rationale      string           `json:"rationale"`
	}
	if err := json.Unmarshal(extractJSON(content), &proposal); err != nil {
		return fmt.Errorf("decoding grid proposal: %w", err)
	}

	base, ok := s.registry.Get(proposal.BaseTemplateID)
	if !ok {
		return fmt.Errorf("grid proposal references unknown template %q", proposal.BaseTemplateID)
	}

	grid := make(map[string][]any, len(base.Grid))
	for key, values := range proposal.Grid {
		if _, ok := base.Grid[key]; !ok || len(values) == 0 {
			continue
		}
		grid[key] = values
	}
	// Keys the proposal dropped keep the base values so the render stays
	// fully resolved.
	for key, values := range base.Grid {
		if _, ok := grid[key]; !ok {
			grid[key] = values
		}
	}

	id := slugify(proposal.TemplateID)
	if id == "" || id == base.ID {
		id = fmt.Sprintf("%s_refined", base.ID)
	}
	if _, exists := s.registry.Get(id); exists {
		return fmt.Errorf("derived template %q already registered", id)
	}

	s.registry.Register(&strategy.Template{
		ID:              id,
		Category:        base.Category,
		DefaultInterval: base.DefaultInterval,
		Source:          base.Source,
		Grid:            grid,
		Tunable:         base.Tunable,
		Factory:         base.Factory,
	})
	s.logger.Info("Registered derived template",
		zap.String("template", id),
		zap.String("base", base.ID),
		zap.String("rationale", proposal.Rationale))
	return nil
}

// templateCatalog lists every registered template with its grid as prompt
// material.
func (s *llmSource) templateCatalog() string {
	var b strings.Builder
	for _, t := range s.registry.All() {
		grid, _ := json.Marshal(t.Grid)
		fmt.Fprintf(&b, "- %s (category %s, interval %s): %s\n", t.ID, t.Category, t.DefaultInterval, grid)
	}
	return b.String()
}

// call posts a chat-completion request and returns the first choice.
func (s *llmSource) call(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model": s.config.Model,
		"messages": []map[string]string{
			{
				"role":    "system",
				"content": "You are a quantitative trading strategist. Respond with a single JSON object and nothing else.",
			},
			{
				"role":    "user",
				"content": prompt,
			},
		},
		"temperature": 0.2,
		"max_tokens":  500,
	}

	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("synthesis API error: %d", resp.StatusCode)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty synthesis response")
	}
	return result.Choices[0].Message.Content, nil
}

// mergeWithGridDefaults keeps proposed values for known grid keys and
// fills the rest from the first grid value, so the rendered source has no
// unresolved placeholders.
func mergeWithGridDefaults(t *strategy.Template, proposed map[string]any) map[string]any {
	params := make(map[string]any, len(t.Grid))
	for key, values := range t.Grid {
		params[key] = values[0]
		if v, ok := proposed[key]; ok {
			params[key] = v
		}
	}
	// interval and direction pass through when proposed; buildCandidate
	// validates both.
	for _, key := range []string{"interval", "direction"} {
		if v, ok := proposed[key]; ok {
			params[key] = v
		}
	}
	return params
}

// extractJSON trims markdown fences and any prose around the outermost
// JSON object.
func extractJSON(content string) []byte {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return []byte(content)
	}
	return []byte(content[start : end+1])
}

var slugPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// slugify lowercases a proposed name into [a-z0-9_], capped at 32 runes.
func slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 32 {
		slug = slug[:32]
	}
	return slug
}
