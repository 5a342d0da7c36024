package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// lookAheadPattern is one source construct that peeks past the current bar.
type lookAheadPattern struct {
	re     *regexp.Regexp
	reason string
}

var lookAheadPatterns = []lookAheadPattern{
	{regexp.MustCompile(`(?i)center(ed)?\s*=\s*true`), "centred rolling window"},
	{regexp.MustCompile(`shift\(\s*-`), "negative shift reads forward"},
	{regexp.MustCompile(`(?i)\b(open|high|low|close|volume)\s*\[\s*i?\s*\+`), "future index access"},
	{regexp.MustCompile(`(?i)\blead\s*\(`), "lead() reads future rows"},
	{regexp.MustCompile(`(?i)\bfuture_\w`), "future_ column reference"},
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// staticCheck validates source text: base-contract conformance, fully
// resolved placeholders, and no look-ahead constructs.
func staticCheck(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("empty source")
	}
	if !strings.Contains(source, "(BaseStrategy)") {
		return fmt.Errorf("source does not extend BaseStrategy")
	}
	if !strings.Contains(source, "signal:") {
		return fmt.Errorf("source has no signal block")
	}
	if m := placeholderPattern.FindStringSubmatch(source); m != nil {
		return fmt.Errorf("unresolved placeholder {{%s}}", m[1])
	}
	for _, p := range lookAheadPatterns {
		if hit := p.re.FindString(source); hit != "" {
			return fmt.Errorf("look-ahead construct %q: %s", strings.TrimSpace(hit), p.reason)
		}
	}
	return nil
}
