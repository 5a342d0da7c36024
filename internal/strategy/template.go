package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Template is one strategy family: a source body with {{placeholder}}
// parameters, a finite grid for parametric expansion, and the factory that
// binds rendered candidates to an executable implementation.
type Template struct {
	ID              string
	Category        types.Category
	DefaultInterval types.Interval
	Source          string
	// Grid lists every expandable parameter with its candidate values.
	Grid map[string][]any
	// Tunable names the parameters that do not change signal logic
	// (stops, targets, leverage, time exits). They are stripped before
	// the base code hash so all variants of one body share a hash.
	Tunable []string
	Factory Factory
}

// Render substitutes every {{key}} placeholder with its parameter value.
// Unreferenced parameters are ignored; unresolved placeholders remain in
// the output and will fail static validation.
func (t *Template) Render(params map[string]any) string {
	src := t.Source
	for key, val := range params {
		src = strings.ReplaceAll(src, "{{"+key+"}}", formatParam(val))
	}
	return src
}

// BaseBody renders the source with tunable placeholders blanked, producing
// the canonical body shared by every parametric variant.
func (t *Template) BaseBody(params map[string]any) string {
	stripped := make(map[string]any, len(params))
	for k, v := range params {
		stripped[k] = v
	}
	for _, k := range t.Tunable {
		stripped[k] = "_"
	}
	// Tunables that never appeared in params still need blanking.
	src := t.Render(stripped)
	for _, k := range t.Tunable {
		src = strings.ReplaceAll(src, "{{"+k+"}}", "_")
	}
	return src
}

// BaseCodeHash fingerprints the canonical body.
func (t *Template) BaseCodeHash(params map[string]any) string {
	return Fingerprint(t.BaseBody(params))
}

// GridCombinations enumerates the full cross-product of the template grid,
// in a deterministic order.
func (t *Template) GridCombinations() []map[string]any {
	keys := make([]string, 0, len(t.Grid))
	for k := range t.Grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]any{{}}
	for _, key := range keys {
		values := t.Grid[key]
		next := make([]map[string]any, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, val := range values {
				c := make(map[string]any, len(combo)+1)
				for k, v := range combo {
					c[k] = v
				}
				c[key] = val
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

// Fingerprint hashes source text after normalisation: comments and blank
// lines dropped, indentation and trailing space stripped. Cosmetic edits
// do not change the hash.
func Fingerprint(source string) string {
	var b strings.Builder
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ParamHash produces a stable hash over a template ID and its full
// parameter map, used to deduplicate grid expansion across workers.
func ParamHash(templateID string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(templateID)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatParam(params[k]))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

func formatParam(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		// Trim float noise so 0.5 and 0.50 collapse to one value.
		s := fmt.Sprintf("%g", n)
		return s
	case float32:
		return fmt.Sprintf("%g", n)
	default:
		return fmt.Sprintf("%v", v)
	}
}
