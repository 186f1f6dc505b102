package cost

import (
	"strings"
)

// Pricing is the USD price per thousand tokens for one model.
type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k" toml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" toml:"output_per_1k" json:"output_per_1k"`
}

// Cost prices a completed call.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(max(inputTokens, 0))*p.InputPer1K/1000 +
		float64(max(outputTokens, 0))*p.OutputPer1K/1000
}

// PriceTable maps model names to prices. Lookups are case-insensitive and
// fall back to Default for unknown models.
type PriceTable struct {
	Models  map[string]Pricing `yaml:"models" toml:"models" json:"models"`
	Default Pricing            `yaml:"default" toml:"default" json:"default"`
}

// DefaultPriceTable returns list prices for the models the reference client
// is usually pointed at.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Models: map[string]Pricing{
			"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"claude-3-5-haiku": {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"local":            {},
		},
		Default: Pricing{InputPer1K: 0.003, OutputPer1K: 0.015},
	}
}

// Lookup returns the price for model.
func (t PriceTable) Lookup(model string) Pricing {
	if p, ok := t.Models[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for name, p := range t.Models {
		if strings.ToLower(name) == lower {
			return p
		}
	}
	return t.Default
}

// Cost prices a completed call against model.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	return t.Lookup(model).Cost(inputTokens, outputTokens)
}

// Estimate prices a call before it is made. When maxOutputTokens is zero the
// completion is assumed to be as long as the prompt, which fits rewrite-style
// strategies.
func (t PriceTable) Estimate(model, prompt string, maxOutputTokens int) float64 {
	in := EstimateTokens(prompt)
	out := maxOutputTokens
	if out <= 0 {
		out = in
	}
	return t.Cost(model, in, out)
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
