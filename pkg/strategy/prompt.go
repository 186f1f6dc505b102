package strategy

import (
	"encoding/json"
	"math"
	"slices"
	"strings"

	"github.com/polisai/polis-enhance/pkg/llm"
)

const systemPrompt = "You improve documents. Apply only the requested strategy. " +
	"Respond with a JSON object with two fields: \"content\", the full enhanced document, " +
	"and \"quality_delta\", a number between -1 and 1 estimating how much the document improved."

// BuildPrompt renders the prompt for def over document. Options are listed in
// key order so identical requests produce identical prompts.
func BuildPrompt(def Definition, document string, options map[string]string) llm.Prompt {
	var sb strings.Builder
	sb.WriteString("STRATEGY: ")
	sb.WriteString(def.Title)
	sb.WriteString("\n\nINSTRUCTIONS:\n")
	sb.WriteString(def.Instruction)
	if len(options) > 0 {
		keys := make([]string, 0, len(options))
		for k := range options {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		sb.WriteString("\n\nOPTIONS:\n")
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(options[k])
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\n")
	sb.WriteString(llm.DocumentMarker)
	sb.WriteString(document)

	return llm.Prompt{
		Model:     def.Model,
		System:    systemPrompt,
		User:      sb.String(),
		MaxTokens: def.MaxOutputTokens,
		JSON:      true,
	}
}

// Evaluation is the interpreted completion.
type Evaluation struct {
	Content      string
	QualityDelta float64
	// Structured is false when the completion was not the expected JSON and
	// was taken verbatim.
	Structured bool
}

// ParseCompletion interprets a completion. JSON objects with a "content"
// field are unpacked, optionally inside a fenced code block; anything else is
// accepted as raw content with a zero delta. Deltas are clamped to [-1, 1].
func ParseCompletion(raw string) Evaluation {
	body := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(body, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		if inner, _, found := strings.Cut(rest, "```"); found {
			body = strings.TrimSpace(inner)
		}
	}

	var parsed struct {
		Content      *string  `json:"content"`
		QualityDelta *float64 `json:"quality_delta"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil || parsed.Content == nil {
		return Evaluation{Content: raw}
	}

	eval := Evaluation{Content: *parsed.Content, Structured: true}
	if parsed.QualityDelta != nil && !math.IsNaN(*parsed.QualityDelta) {
		eval.QualityDelta = math.Max(-1, math.Min(1, *parsed.QualityDelta))
	}
	return eval
}
