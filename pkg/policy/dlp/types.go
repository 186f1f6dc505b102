package dlp

import (
	"errors"
	"regexp"
)

// Action describes the directive associated with a DLP rule.
type Action string

const (
	// ActionAllow records the finding without altering the content.
	ActionAllow Action = "allow"
	// ActionRedact masks the match before the document reaches a strategy.
	ActionRedact Action = "redact"
	// ActionBlock rejects the document.
	ActionBlock Action = "block"
)

// Level selects how aggressive a rule set is.
type Level string

const (
	// LevelCore covers unambiguous identifiers such as e-mail and SSN.
	LevelCore Level = "core"
	// LevelExtended adds broader patterns that trade false positives for coverage.
	LevelExtended Level = "extended"
)

// Rule declares a DLP detection rule.
type Rule struct {
	Name        string `yaml:"name" toml:"name" json:"name"`
	Pattern     string `yaml:"pattern" toml:"pattern" json:"pattern"`
	Action      Action `yaml:"action" toml:"action" json:"action"`
	Replacement string `yaml:"replacement" toml:"replacement" json:"replacement"`
	Level       Level  `yaml:"level" toml:"level" json:"level"`
}

// Config bundles all rule definitions for a Scanner.
type Config struct {
	Rules       []Rule
	MaxFindings int
}

// Finding captures a single DLP match. The matched text itself is never kept
// so findings can be audited safely.
type Finding struct {
	Rule   string `json:"rule"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Action Action `json:"action"`
}

// Report summarises the outcome of a scan operation.
type Report struct {
	Findings          []Finding
	Redacted          string
	RedactionsApplied bool
	Blocked           bool
	Truncated         bool
}

// Rules returns the distinct rule names that matched.
func (r Report) Rules() []string {
	seen := make(map[string]struct{}, len(r.Findings))
	var out []string
	for _, f := range r.Findings {
		if _, ok := seen[f.Rule]; ok {
			continue
		}
		seen[f.Rule] = struct{}{}
		out = append(out, f.Rule)
	}
	return out
}

// Scanner applies DLP rules to textual content. It is safe for concurrent use.
type Scanner struct {
	rules       []compiledRule
	maxFindings int
}

const defaultMaxFindings = 256

// ErrBlocked indicates that a block rule matched.
var ErrBlocked = errors.New("dlp: content blocked by policy")

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
}

func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionRedact, ActionBlock:
		return true
	default:
		return false
	}
}
