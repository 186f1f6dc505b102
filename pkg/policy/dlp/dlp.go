// Package dlp detects and redacts personal data and secrets in documents
// before they are sent to a language model.
package dlp

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultConfig returns the builtin rules active at level.
func DefaultConfig(level Level) Config {
	return Config{Rules: Builtins().ForLevel(level)}
}

// NewScanner compiles the configured rules.
func NewScanner(cfg Config) (*Scanner, error) {
	maxFindings := cfg.MaxFindings
	if maxFindings <= 0 {
		maxFindings = defaultMaxFindings
	}

	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("dlp: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", name)
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		if !isValidAction(action) {
			return nil, fmt.Errorf("dlp: unsupported action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = fmt.Sprintf("[REDACTED:%s]", name)
		}

		compiled = append(compiled, compiledRule{
			name:        name,
			expr:        expr,
			action:      action,
			replacement: replacement,
		})
	}

	return &Scanner{rules: compiled, maxFindings: maxFindings}, nil
}

// RuleCount returns the number of compiled rules.
func (s *Scanner) RuleCount() int { return len(s.rules) }
