// Package waf screens documents for prompt-injection attempts. Every rule
// carries a confidence; a document is rejected when the highest confidence
// among matching rules reaches the configured threshold.
package waf

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity represents the impact level of a match.
type Severity string

const (
	// SeverityLow indicates informational detections.
	SeverityLow Severity = "low"
	// SeverityMedium indicates a suspicious but not conclusive match.
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a near-certain injection attempt.
	SeverityHigh Severity = "high"
)

// defaultConfidence is used when a rule does not set one explicitly.
var defaultConfidence = map[Severity]float64{
	SeverityLow:    0.3,
	SeverityMedium: 0.6,
	SeverityHigh:   0.9,
}

// Level selects the rule set size.
type Level string

const (
	// LevelCore holds high-precision rules.
	LevelCore Level = "core"
	// LevelExtended adds heuristics with more false positives.
	LevelExtended Level = "extended"
)

// Rule declares a detection rule.
type Rule struct {
	Name       string   `yaml:"name" toml:"name" json:"name"`
	Pattern    string   `yaml:"pattern" toml:"pattern" json:"pattern"`
	Severity   Severity `yaml:"severity" toml:"severity" json:"severity"`
	Confidence float64  `yaml:"confidence" toml:"confidence" json:"confidence"`
	Level      Level    `yaml:"level" toml:"level" json:"level"`
}

// DefaultThreshold rejects on medium-or-higher confidence.
const DefaultThreshold = 0.6

// Config bundles the rule set and rejection threshold for a Detector.
type Config struct {
	Rules []Rule
	// Threshold in (0, 1]; zero selects DefaultThreshold.
	Threshold float64
}

// DefaultConfig returns the builtin rules at level with the given threshold.
func DefaultConfig(level Level, threshold float64) Config {
	return Config{Rules: Builtins().ForLevel(level), Threshold: threshold}
}

// Detector evaluates text against the configured rule set.
type Detector struct {
	rules     []compiledRule
	threshold float64
}

// Match is a single detection. Matched text is not retained.
type Match struct {
	Rule       string   `json:"rule"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
}

// Report summarises matches and the overall decision.
type Report struct {
	Matches []Match
	// Score is the highest confidence among matches.
	Score float64
	// TopRule names the rule that produced Score.
	TopRule string
	Blocked bool
}

type compiledRule struct {
	name       string
	expr       *regexp.Regexp
	severity   Severity
	confidence float64
}

// NewDetector compiles cfg.
func NewDetector(cfg Config) (*Detector, error) {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("waf: threshold %.2f outside (0, 1]", threshold)
	}

	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("waf: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("waf: pattern is required for rule %s", name)
		}
		severity := rule.Severity
		if severity == "" {
			severity = SeverityMedium
		}
		confidence, ok := defaultConfidence[severity]
		if !ok {
			return nil, fmt.Errorf("waf: invalid severity %q for rule %s", severity, name)
		}
		if rule.Confidence != 0 {
			confidence = rule.Confidence
		}
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("waf: confidence %.2f outside [0, 1] for rule %s", confidence, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("waf: invalid pattern for rule %s: %w", name, err)
		}
		compiled = append(compiled, compiledRule{
			name:       name,
			expr:       expr,
			severity:   severity,
			confidence: confidence,
		})
	}

	return &Detector{rules: compiled, threshold: threshold}, nil
}

// Threshold returns the effective rejection threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// RuleCount returns the number of compiled rules.
func (d *Detector) RuleCount() int { return len(d.rules) }

// Evaluate inspects text and reports whether it should be rejected.
func (d *Detector) Evaluate(ctx context.Context, text string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	var report Report
	for _, rule := range d.rules {
		for _, idx := range rule.expr.FindAllStringIndex(text, -1) {
			report.Matches = append(report.Matches, Match{
				Rule:       rule.name,
				Start:      idx[0],
				End:        idx[1],
				Severity:   rule.severity,
				Confidence: rule.confidence,
			})
			if rule.confidence > report.Score {
				report.Score = rule.confidence
				report.TopRule = rule.name
			}
		}
	}

	sort.SliceStable(report.Matches, func(i, j int) bool {
		if report.Matches[i].Start == report.Matches[j].Start {
			return report.Matches[i].End < report.Matches[j].End
		}
		return report.Matches[i].Start < report.Matches[j].Start
	})

	report.Blocked = report.Score >= d.threshold && report.Score > 0
	return report, nil
}
