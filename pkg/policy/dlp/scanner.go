package dlp

import (
	"context"
	"sort"
	"strings"
)

// Scan applies every rule to text. Overlapping redactions are merged so that
// one span is replaced once, by the rule whose match starts first (the longer
// match wins on a tie).
func (s *Scanner) Scan(ctx context.Context, text string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if len(s.rules) == 0 {
		return Report{Redacted: text}, nil
	}

	type span struct {
		Finding
		replacement string
	}

	var spans []span
	truncated := false
	for _, rule := range s.rules {
		for _, m := range rule.expr.FindAllStringIndex(text, -1) {
			if len(spans) >= s.maxFindings {
				truncated = true
				break
			}
			spans = append(spans, span{
				Finding:     Finding{Rule: rule.name, Start: m[0], End: m[1], Action: rule.action},
				replacement: rule.replacement,
			})
		}
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start == spans[j].Start {
			return spans[i].End > spans[j].End
		}
		return spans[i].Start < spans[j].Start
	})

	report := Report{Truncated: truncated}
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, sp := range spans {
		report.Findings = append(report.Findings, sp.Finding)
		switch sp.Action {
		case ActionBlock:
			report.Blocked = true
		case ActionRedact:
			if sp.Start < cursor {
				continue
			}
			b.WriteString(text[cursor:sp.Start])
			b.WriteString(sp.replacement)
			cursor = sp.End
			report.RedactionsApplied = true
		}
	}
	b.WriteString(text[cursor:])
	report.Redacted = b.String()
	return report, nil
}
