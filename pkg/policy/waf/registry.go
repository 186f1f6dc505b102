package waf

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maintains a threadsafe catalogue of reusable rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register inserts or replaces a rule definition.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("waf: registry rule name is required")
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("waf: registry rule %s missing pattern", rule.Name)
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

// RegisterAll adds multiple rules.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve fetches a rule definition by identifier.
func (r *Registry) Resolve(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[strings.ToLower(id)]
	return rule, ok
}

// ForLevel returns the rules active at level in registration order.
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

// Builtins exposes the process-wide registry populated with builtin rules.
func Builtins() *Registry {
	builtinRegistryOnce.Do(func() {
		builtinRegistry = NewRegistry()
		_ = builtinRegistry.RegisterAll(builtinRules)
	})
	return builtinRegistry
}

var builtinRules = []Rule{
	{
		Name:     "injection.ignore-instructions",
		Pattern:  `(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+|any\s+)?(?:the\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|directions)`,
		Severity: SeverityHigh,
		Level:    LevelCore,
	},
	{
		Name:       "injection.system-prompt-leak",
		Pattern:    `(?i)\b(?:reveal|print|show|repeat|output)\s+(?:me\s+)?(?:your|the)\s+(?:system|hidden|initial)\s+(?:prompt|instructions)`,
		Severity:   SeverityHigh,
		Confidence: 0.85,
		Level:      LevelCore,
	},
	{
		Name:     "injection.role-override",
		Pattern:  `(?i)\byou\s+are\s+now\s+(?:a|an|the|in)\b|\bact\s+as\s+(?:an?\s+)?(?:unrestricted|jailbroken|dan)\b`,
		Severity: SeverityHigh,
		Level:    LevelCore,
	},
	{
		Name:       "injection.chat-delimiter",
		Pattern:    `(?i)<\|(?:im_start|im_end|system|endoftext)\|>|\[/?INST\]|<<SYS>>`,
		Severity:   SeverityHigh,
		Confidence: 0.95,
		Level:      LevelCore,
	},
	{
		Name:     "injection.developer-mode",
		Pattern:  `(?i)\b(?:developer|god|admin)\s+mode\s+(?:enabled|on|activated)\b`,
		Severity: SeverityMedium,
		Level:    LevelExtended,
	},
	{
		Name:     "injection.new-instructions",
		Pattern:  `(?i)\b(?:new|updated|real)\s+instructions\s*:`,
		Severity: SeverityMedium,
		Level:    LevelExtended,
	},
	{
		Name:       "injection.script-tag",
		Pattern:    `(?i)<script\b`,
		Severity:   SeverityMedium,
		Confidence: 0.5,
		Level:      LevelExtended,
	},
	{
		Name:     "injection.encoded-payload",
		Pattern:  `(?i)\b(?:base64|rot13)\s*(?:decode|encoded)\b.{0,40}\b(?:execute|run|follow)\b`,
		Severity: SeverityLow,
		Level:    LevelExtended,
	},
}
