package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/llm"
)

func TestBuiltinCatalog(t *testing.T) {
	c := Builtin()
	assert.Equal(t, []domain.StrategyID{
		domain.StrategyAccuracy,
		domain.StrategyClarity,
		domain.StrategyCompleteness,
		domain.StrategyConsistency,
		domain.StrategyReadability,
	}, c.IDs())

	def, ok := c.Lookup(domain.StrategyClarity)
	require.True(t, ok)
	assert.Equal(t, "Clarity", def.Title)

	_, ok = c.Lookup("tone")
	assert.False(t, ok)
}

func TestNewCatalog_Validation(t *testing.T) {
	_, err := NewCatalog(Definition{ID: "", Instruction: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = NewCatalog(Definition{ID: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = NewCatalog(Definition{ID: "a", Instruction: "x"}, Definition{ID: "a", Instruction: "y"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWithTemplates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clarity.txt"), []byte("  Use plain English.\n"), 0o600))

	c, err := Builtin().WithTemplates(context.Background(), NewDirTemplates(dir))
	require.NoError(t, err)

	def, _ := c.Lookup(domain.StrategyClarity)
	assert.Equal(t, "Use plain English.", def.Instruction)
	orig, _ := Builtin().Lookup(domain.StrategyAccuracy)
	def, _ = c.Lookup(domain.StrategyAccuracy)
	assert.Equal(t, orig.Instruction, def.Instruction)
}

func TestDirTemplates_NoTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := NewDirTemplates(dir).Template(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestBuildPrompt(t *testing.T) {
	def, _ := Builtin().Lookup(domain.StrategyClarity)
	p := BuildPrompt(def, "The doc.", map[string]string{"tone": "formal", "audience": "ops"})

	assert.True(t, p.JSON)
	assert.Contains(t, p.System, "quality_delta")
	assert.Contains(t, p.User, "STRATEGY: Clarity")
	assert.Contains(t, p.User, "OPTIONS:\naudience: ops\ntone: formal\n")
	assert.Contains(t, p.User, llm.DocumentMarker+"The doc.")
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := rapid.MapOf(rapid.StringMatching(`[a-z]{1,6}`), rapid.String()).Draw(t, "options")
		doc := rapid.String().Draw(t, "doc")
		def, _ := Builtin().Lookup(domain.StrategyConsistency)
		if BuildPrompt(def, doc, opts) != BuildPrompt(def, doc, opts) {
			t.Fatalf("prompt differs across calls")
		}
	})
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		content    string
		delta      float64
		structured bool
	}{
		{"json", `{"content":"Better.","quality_delta":0.4}`, "Better.", 0.4, true},
		{"fenced", "```json\n{\"content\":\"Fenced.\",\"quality_delta\":0.2}\n```", "Fenced.", 0.2, true},
		{"clamped", `{"content":"x","quality_delta":7}`, "x", 1, true},
		{"missing delta", `{"content":"x"}`, "x", 0, true},
		{"raw text", "Just text.", "Just text.", 0, false},
		{"json without content", `{"text":"x"}`, `{"text":"x"}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCompletion(tt.raw)
			assert.Equal(t, tt.content, got.Content)
			assert.InDelta(t, tt.delta, got.QualityDelta, 1e-12)
			assert.Equal(t, tt.structured, got.Structured)
		})
	}
}
