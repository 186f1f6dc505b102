package fingerprint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-enhance/pkg/domain"
)

func TestComputeIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := rapid.String().Draw(t, "doc")
		strategy := domain.StrategyID(rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "strategy"))
		opts := rapid.MapOf(rapid.StringMatching(`[a-z]{1,6}`), rapid.String()).Draw(t, "opts")

		first, err := Compute(doc, strategy, opts)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		second, err := Compute(doc, strategy, opts)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if first != second {
			t.Fatalf("fingerprint changed between calls: %s != %s", first, second)
		}
	})
}

// Pins the digest so a change to the encoding is caught before it invalidates
// persisted caches across restarts.
func TestComputeStableAcrossBuilds(t *testing.T) {
	a, err := Compute("hello world", domain.StrategyClarity, map[string]string{"tone": "formal"})
	require.NoError(t, err)
	b, err := Compute("hello world\r\n", domain.StrategyClarity, map[string]string{"tone": "formal"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "CRLF and trailing newline must normalize away")
	assert.Equal(t, "3048450455c66686dab3fa3898a819890faa616ed5d6b7001804b04b3f842bc5", a.String())
}

func TestComputeIgnoresUnicodeComposition(t *testing.T) {
	composed, err := Compute("Caf\u00e9 menu", domain.StrategyClarity, nil)
	require.NoError(t, err)
	decomposed, err := Compute("Cafe\u0301 menu", domain.StrategyClarity, nil)
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestComputeDistinguishesInputs(t *testing.T) {
	base, err := Compute("doc", domain.StrategyClarity, nil)
	require.NoError(t, err)

	otherStrategy, err := Compute("doc", domain.StrategyAccuracy, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherStrategy)

	withOpts, err := Compute("doc", domain.StrategyClarity, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, base, withOpts)

	// Length prefixing keeps ("ab","c") and ("a","bc") apart.
	x, err := Compute("doc", domain.StrategyClarity, map[string]string{"ab": "c"})
	require.NoError(t, err)
	y, err := Compute("doc", domain.StrategyClarity, map[string]string{"a": "bc"})
	require.NoError(t, err)
	assert.NotEqual(t, x, y)
}

func TestComputeRequestIgnoresStrategyOrder(t *testing.T) {
	a, err := ComputeRequest("doc", []domain.StrategyID{"clarity", "accuracy"}, nil)
	require.NoError(t, err)
	b, err := ComputeRequest("doc", []domain.StrategyID{"accuracy", "clarity", "accuracy"}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	single, err := Compute("doc", "clarity", nil)
	require.NoError(t, err)
	c, err := ComputeRequest("doc", []domain.StrategyID{"clarity"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, single, c)
}

func TestComputeRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		strategy domain.StrategyID
		opts     map[string]string
	}{
		{name: "empty strategy", doc: "x", strategy: " "},
		{name: "invalid utf8", doc: string([]byte{0xff, 0xfe}), strategy: "clarity"},
		{name: "empty option key", doc: "x", strategy: "clarity", opts: map[string]string{"": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.doc, tt.strategy, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		})
	}

	_, err := ComputeRequest("x", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb", Normalize("a  \r\nb\t\n\n"))
	assert.Equal(t, "a\nb", Normalize("a\rb"))
	assert.Equal(t, "caf\u00e9", Normalize("cafe\u0301"), "decomposed accents compose")
}
