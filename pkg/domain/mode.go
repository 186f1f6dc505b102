package domain

import (
	"fmt"
	"strings"
)

// OperationMode selects the feature intensity of an orchestrator instance.
type OperationMode string

const (
	// ModeBasic runs with a small worker budget and the core security rule set.
	ModeBasic OperationMode = "basic"
	// ModePerformance favours throughput: large LRU cache and more workers.
	ModePerformance OperationMode = "performance"
	// ModeSecure enables the encrypted cache and the extended security rule set.
	ModeSecure OperationMode = "secure"
	// ModeEnterprise combines Secure with Performance-sized budgets.
	ModeEnterprise OperationMode = "enterprise"
)

// Modes lists every supported operation mode.
var Modes = []OperationMode{ModeBasic, ModePerformance, ModeSecure, ModeEnterprise}

// ParseMode converts user input into an OperationMode.
func ParseMode(s string) (OperationMode, error) {
	mode := OperationMode(strings.ToLower(strings.TrimSpace(s)))
	if mode == "" {
		return ModeBasic, nil
	}
	for _, m := range Modes {
		if m == mode {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown operation mode %q", ErrConfigInvalid, s)
}

// IsHardened reports whether the mode runs the extended security posture.
func (m OperationMode) IsHardened() bool {
	return m == ModeSecure || m == ModeEnterprise
}

func (m OperationMode) String() string { return string(m) }
