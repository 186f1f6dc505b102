package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain names a screening stage that can fail.
type Domain string

const (
	// DomainShape covers size and encoding validation.
	DomainShape Domain = "shape"
	// DomainInjection covers prompt-injection detection.
	DomainInjection Domain = "injection"
	// DomainPII covers personal data redaction.
	DomainPII Domain = "pii"
	// DomainPolicy covers Rego authorization.
	DomainPolicy Domain = "policy"
)

// Mode indicates whether a stage fails open or closed when it errors.
type Mode string

const (
	// ModeFailClosed rejects the request when the stage errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets the request continue when the stage errors.
	ModeFailOpen Mode = "fail-open"
)

var supportedDomains = map[Domain]struct{}{
	DomainShape:     {},
	DomainInjection: {},
	DomainPII:       {},
	DomainPolicy:    {},
}

// PostureSet stores default postures with optional overrides per domain.
type PostureSet struct {
	defaults  map[Domain]Mode
	overrides map[Domain]Mode
}

// DefaultPostureSet returns the defaults for a mode. Hardened modes fail
// closed everywhere; otherwise only shape and injection checks fail closed.
func DefaultPostureSet(hardened bool) PostureSet {
	defaults := map[Domain]Mode{
		DomainShape:     ModeFailClosed,
		DomainInjection: ModeFailClosed,
		DomainPII:       ModeFailOpen,
		DomainPolicy:    ModeFailOpen,
	}
	if hardened {
		for d := range defaults {
			defaults[d] = ModeFailClosed
		}
	}
	return PostureSet{defaults: defaults, overrides: map[Domain]Mode{}}
}

// IsZero reports whether the set was never initialised.
func (s PostureSet) IsZero() bool {
	return s.defaults == nil && len(s.overrides) == 0
}

// Mode returns the effective posture for the specified domain.
func (s PostureSet) Mode(domain Domain) Mode {
	if override, ok := s.overrides[domain]; ok {
		return override
	}
	if def, ok := s.defaults[domain]; ok {
		return def
	}
	return ModeFailClosed
}

// FailsOpen is shorthand for Mode(domain) == ModeFailOpen.
func (s PostureSet) FailsOpen(domain Domain) bool {
	return s.Mode(domain) == ModeFailOpen
}

// Effective returns a snapshot of all effective postures.
func (s PostureSet) Effective() map[Domain]Mode {
	effective := make(map[Domain]Mode, len(supportedDomains))
	for domain := range supportedDomains {
		effective[domain] = s.Mode(domain)
	}
	return effective
}

// ApplyOverride sets the posture for a domain.
func (s *PostureSet) ApplyOverride(domain Domain, mode Mode) error {
	if _, ok := supportedDomains[domain]; !ok {
		return fmt.Errorf("policy: unknown failure posture domain %q", domain)
	}
	if !mode.IsValid() {
		return fmt.Errorf("policy: invalid failure posture mode %q", mode)
	}
	if s.overrides == nil {
		s.overrides = make(map[Domain]Mode)
	}
	s.overrides[domain] = mode
	return nil
}

// ApplyOverrideStrings parses and applies overrides provided as raw strings,
// as found in configuration files.
func (s *PostureSet) ApplyOverrideStrings(overrides map[string]string) error {
	for domainStr, modeStr := range overrides {
		domain := Domain(strings.TrimSpace(strings.ToLower(domainStr)))
		mode, err := ParseMode(modeStr)
		if err != nil {
			return fmt.Errorf("policy: domain %s: %w", domainStr, err)
		}
		if err := s.ApplyOverride(domain, mode); err != nil {
			return err
		}
	}
	return nil
}

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	return m == ModeFailClosed || m == ModeFailOpen
}

// Domains returns the ordered list of supported posture domains.
func Domains() []Domain {
	domains := make([]Domain, 0, len(supportedDomains))
	for domain := range supportedDomains {
		domains = append(domains, domain)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains
}
