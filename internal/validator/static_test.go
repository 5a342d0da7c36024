package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSource = "class Probe(BaseStrategy):\n    signal: close > threshold\n"

func TestStaticCheckAcceptsWellFormedSource(t *testing.T) {
	require.NoError(t, staticCheck(validSource))
}

func TestStaticCheckRejections(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "empty source",
			source: "   \n\t",
			want:   "empty source",
		},
		{
			name:   "missing base contract",
			source: "class Probe:\n    signal: close > 0\n",
			want:   "BaseStrategy",
		},
		{
			name:   "missing signal block",
			source: "class Probe(BaseStrategy):\n    pass\n",
			want:   "no signal block",
		},
		{
			name:   "unresolved placeholder",
			source: validSource + "    period: {{period}}\n",
			want:   "unresolved placeholder {{period}}",
		},
		{
			name:   "centred rolling window",
			source: validSource + "    sma: rolling(20, center=True)\n",
			want:   "look-ahead",
		},
		{
			name:   "negative shift",
			source: validSource + "    next: close.shift(-1)\n",
			want:   "look-ahead",
		},
		{
			name:   "future index access",
			source: validSource + "    peek: low[i+2]\n",
			want:   "look-ahead",
		},
		{
			name:   "lead call",
			source: validSource + "    ahead: lead(close)\n",
			want:   "look-ahead",
		},
		{
			name:   "future column",
			source: validSource + "    y: future_return\n",
			want:   "look-ahead",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := staticCheck(tt.source)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
