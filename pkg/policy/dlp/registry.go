package dlp

import (
	"fmt"
	"strings"
	"sync"
)

// Registry provides a threadsafe catalog of reusable DLP rule definitions.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

// NewRegistry constructs an empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register inserts or replaces a rule using its name as the identifier.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("dlp: registry rule name is required")
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("dlp: registry rule %s missing pattern", rule.Name)
	}
	if rule.Level == "" {
		rule.Level = LevelCore
	}

	key := strings.ToLower(rule.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[key]; !exists {
		r.order = append(r.order, key)
	}
	r.rules[key] = rule
	return nil
}

// RegisterAll inserts multiple rules in a single call.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve retrieves a rule by identifier.
func (r *Registry) Resolve(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[strings.ToLower(id)]
	return rule, ok
}

// ForLevel returns the rules active at level in registration order. The
// extended level includes every core rule.
func (r *Registry) ForLevel(level Level) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, 0, len(r.order))
	for _, key := range r.order {
		rule := r.rules[key]
		if rule.Level == LevelCore || level == LevelExtended {
			out = append(out, rule)
		}
	}
	return out
}

var (
	builtinRegistry     *Registry
	builtinRegistryOnce sync.Once
)

// Builtins returns the process-wide registry of builtin rules.
func Builtins() *Registry {
	builtinRegistryOnce.Do(func() {
		builtinRegistry = NewRegistry()
		_ = builtinRegistry.RegisterAll(builtinRules)
	})
	return builtinRegistry
}

var builtinRules = []Rule{
	{
		Name:        "pii.email",
		Pattern:     `(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:email]",
		Level:       LevelCore,
	},
	{
		Name:        "pii.ssn",
		Pattern:     `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:ssn]",
		Level:       LevelCore,
	},
	{
		Name:        "pci.card-number",
		Pattern:     `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:card]",
		Level:       LevelCore,
	},
	{
		Name:        "secret.api-key",
		Pattern:     `(?i)\b(?:api[_-]?key|apikey|api[_-]?secret|bearer[_-]?token)[:=\s]+[a-z0-9_\-]{16,}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:api-key]",
		Level:       LevelCore,
	},
	{
		Name:        "secret.aws-access-key",
		Pattern:     `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:aws-key]",
		Level:       LevelExtended,
	},
	{
		Name:        "pii.phone",
		Pattern:     `(?:\+?1[\-.\s]?)?\(?\b[0-9]{3}\)?[\-.\s][0-9]{3}[\-.\s][0-9]{4}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:phone]",
		Level:       LevelExtended,
	},
	{
		Name:        "pii.ipv4",
		Pattern:     `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:ip]",
		Level:       LevelExtended,
	},
	{
		Name:        "pii.iban",
		Pattern:     `\b[A-Z]{2}[0-9]{2}(?:\s?[A-Z0-9]{4}){3,7}(?:\s?[A-Z0-9]{1,4})?\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:iban]",
		Level:       LevelExtended,
	},
	{
		Name:    "secret.private-key",
		Pattern: `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`,
		Action:  ActionBlock,
		Level:   LevelExtended,
	},
}
