package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/strategy"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

func channelTemplate() *strategy.Template {
	return &strategy.Template{
		ID:              "test_channel",
		Category:        types.CategoryBreakout,
		DefaultInterval: types.Interval1h,
		Source: `strategy TestChannel(BaseStrategy):
    period: {{period}}

    signal:
        if close > channel_high({{period}}):
            enter(long, leverage={{leverage}}, stop=percent({{stop_pct}}))
`,
		Grid: map[string][]any{
			"period":   {10, 20},
			"stop_pct": {1.0, 2.0, 3.0},
			"leverage": {2},
		},
		Tunable: []string{"stop_pct", "leverage"},
	}
}

func TestRenderSubstitutesParameters(t *testing.T) {
	tpl := channelTemplate()
	src := tpl.Render(map[string]any{"period": 20, "stop_pct": 1.5, "leverage": 2})

	assert.Contains(t, src, "channel_high(20)")
	assert.Contains(t, src, "stop=percent(1.5)")
	assert.NotContains(t, src, "{{")
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	tpl := channelTemplate()
	src := tpl.Render(map[string]any{"period": 20, "unrelated": 7})

	assert.Contains(t, src, "{{stop_pct}}", "missing parameters stay visible for static validation")
	assert.NotContains(t, src, "unrelated")
}

func TestBaseCodeHashSharedAcrossTunables(t *testing.T) {
	tpl := channelTemplate()

	a := tpl.BaseCodeHash(map[string]any{"period": 20, "stop_pct": 1.0, "leverage": 2})
	b := tpl.BaseCodeHash(map[string]any{"period": 20, "stop_pct": 3.0, "leverage": 5})
	assert.Equal(t, a, b, "stop and leverage do not change signal logic")

	c := tpl.BaseCodeHash(map[string]any{"period": 10, "stop_pct": 1.0, "leverage": 2})
	assert.NotEqual(t, a, c, "period changes the signal body")
}

func TestBaseCodeHashBlanksAbsentTunables(t *testing.T) {
	tpl := channelTemplate()

	// stop_pct never appears in the params; the hash must still not carry
	// the raw placeholder.
	a := tpl.BaseCodeHash(map[string]any{"period": 20})
	b := tpl.BaseCodeHash(map[string]any{"period": 20, "stop_pct": 2.0})
	assert.Equal(t, a, b)
}

func TestFingerprintIgnoresCosmeticEdits(t *testing.T) {
	a := strategy.Fingerprint(`strategy X(BaseStrategy):
    signal:
        enter(long)
`)
	b := strategy.Fingerprint(`# synthesized variant
strategy X(BaseStrategy):

  signal:
      enter(long)   # breakout entry
`)
	assert.Equal(t, a, b, "comments, blanks and indentation do not matter")

	c := strategy.Fingerprint(`strategy X(BaseStrategy):
    signal:
        enter(short)
`)
	assert.NotEqual(t, a, c)
}

func TestGridCombinations(t *testing.T) {
	tpl := channelTemplate()
	combos := tpl.GridCombinations()
	require.Len(t, combos, 6, "2 periods x 3 stops x 1 leverage")

	// Keys expand in sorted order, so the sequence is deterministic.
	assert.Equal(t, map[string]any{"leverage": 2, "period": 10, "stop_pct": 1.0}, combos[0])
	assert.Equal(t, map[string]any{"leverage": 2, "period": 20, "stop_pct": 3.0}, combos[5])

	seen := make(map[string]bool, len(combos))
	for _, combo := range combos {
		h := strategy.ParamHash(tpl.ID, combo)
		assert.False(t, seen[h], "combinations must be distinct")
		seen[h] = true
	}
}

func TestGridCombinationsEmptyGrid(t *testing.T) {
	tpl := &strategy.Template{ID: "fixed"}
	combos := tpl.GridCombinations()
	require.Len(t, combos, 1)
	assert.Empty(t, combos[0], "a gridless template still yields its single fixed candidate")
}

func TestParamHashStability(t *testing.T) {
	a := strategy.ParamHash("tpl", map[string]any{"fast": 9, "slow": 21})
	b := strategy.ParamHash("tpl", map[string]any{"slow": 21, "fast": 9})
	assert.Equal(t, a, b, "insertion order does not matter")

	assert.NotEqual(t, a, strategy.ParamHash("tpl", map[string]any{"fast": 9, "slow": 26}))
	assert.NotEqual(t, a, strategy.ParamHash("other", map[string]any{"fast": 9, "slow": 21}))
}

func TestParamHashCollapsesNumericForms(t *testing.T) {
	a := strategy.ParamHash("tpl", map[string]any{"leverage": 2})
	b := strategy.ParamHash("tpl", map[string]any{"leverage": 2.0})
	assert.Equal(t, a, b, "2 and 2.0 are the same candidate")

	c := strategy.ParamHash("tpl", map[string]any{"ratio": 0.5})
	d := strategy.ParamHash("tpl", map[string]any{"ratio": 0.50})
	assert.Equal(t, c, d)
}

func TestRegistryCreate(t *testing.T) {
	reg := strategy.DefaultRegistry()

	tpl, ok := reg.Get("ema_cross")
	require.True(t, ok)

	st, err := reg.Create("ema_cross", tpl.GridCombinations()[0])
	require.NoError(t, err)
	assert.Equal(t, tpl.Category, st.Category())

	_, err = reg.Create("never_registered", nil)
	assert.ErrorContains(t, err, "unknown template")
}

func TestRegistryResolveFallsBackToRender(t *testing.T) {
	reg := strategy.NewRegistry()
	tpl := strategy.EMACrossTemplate()
	reg.Register(tpl)

	params := tpl.GridCombinations()[0]
	source := tpl.Render(params)

	// A derived template's ID only exists in the process that synthesized
	// it; resolution matches the candidate back by its rendered body.
	st, err := reg.Resolve("ema_cross_gen42", params, source)
	require.NoError(t, err)
	assert.Equal(t, tpl.Category, st.Category())

	_, err = reg.Resolve("ema_cross_gen42", params, "strategy Unknown(BaseStrategy):")
	assert.ErrorContains(t, err, "no template renders")
}
