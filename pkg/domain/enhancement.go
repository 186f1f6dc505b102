package domain

import (
	"encoding/hex"
	"time"
)

// StrategyID names an improvement strategy.
type StrategyID string

// Built-in strategies.
const (
	StrategyClarity      StrategyID = "clarity"
	StrategyCompleteness StrategyID = "completeness"
	StrategyConsistency  StrategyID = "consistency"
	StrategyAccuracy     StrategyID = "accuracy"
	StrategyReadability  StrategyID = "readability"
)

// FingerprintSize is the digest length in bytes.
const FingerprintSize = 32

// Fingerprint is a content-addressable key for a (document, strategy, options) tuple.
type Fingerprint [FingerprintSize]byte

// String returns the lowercase hex form of the fingerprint.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns an abbreviated form suitable for logs.
func (f Fingerprint) Short() string { return f.String()[:12] }

// IsZero reports whether the fingerprint was never computed.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// SecurityContext describes the caller of a request. It is created by the API
// boundary and treated as read-only inside the core.
type SecurityContext struct {
	PrincipalID   string   `json:"principal_id"`
	SourceAddress string   `json:"source_address"`
	Permissions   []string `json:"permissions,omitempty"`
	RiskFlags     []string `json:"risk_flags,omitempty"`
}

// EnhancementRequest is submitted by a calling layer. It must not be mutated
// after submission.
type EnhancementRequest struct {
	RequestID     string            `json:"request_id,omitempty"`
	DocumentRef   string            `json:"document_ref"`
	Strategies    []StrategyID      `json:"strategies"`
	Options       map[string]string `json:"options,omitempty"`
	Mode          OperationMode     `json:"mode,omitempty"`
	Security      SecurityContext   `json:"security"`
	BudgetCeiling float64           `json:"budget_ceiling,omitempty"`
}

// OutcomeStatus classifies a single strategy result.
type OutcomeStatus string

const (
	// OutcomeSuccess indicates the strategy produced enhanced content.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeSkipped indicates the strategy was not attempted.
	OutcomeSkipped OutcomeStatus = "skipped"
	// OutcomeFailed indicates the strategy was attempted and failed.
	OutcomeFailed OutcomeStatus = "failed"
)

// FailureReason refines a failed or skipped outcome.
type FailureReason string

// Failure reasons recorded per strategy.
const (
	ReasonNone                FailureReason = ""
	ReasonTimeout             FailureReason = "timeout"
	ReasonBudgetExceeded      FailureReason = "budget_exceeded"
	ReasonUpstreamUnavailable FailureReason = "upstream_unavailable"
	ReasonStrategyFailure     FailureReason = "strategy_failure"
	ReasonCancelled           FailureReason = "cancelled"
	ReasonUnknownStrategy     FailureReason = "unknown_strategy"
)

// StrategyOutcome records what happened to one strategy of a request.
type StrategyOutcome struct {
	Strategy     StrategyID    `json:"strategy"`
	Status       OutcomeStatus `json:"status"`
	Reason       FailureReason `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	Content      string        `json:"content,omitempty"`
	QualityDelta float64       `json:"quality_delta"`
	Cost         float64       `json:"cost"`
	CacheHit     bool          `json:"cache_hit"`
	Fingerprint  string        `json:"fingerprint,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// EnhancementResult is produced exactly once per admitted request. Partial
// failure is encoded in Outcomes rather than returned as an error.
type EnhancementResult struct {
	RequestID    string            `json:"request_id"`
	Mode         OperationMode     `json:"mode"`
	Outcomes     []StrategyOutcome `json:"outcomes"`
	QualityDelta float64           `json:"aggregate_quality_delta"`
	CostConsumed float64           `json:"cost_consumed"`
	CacheHit     bool              `json:"cache_hit"`
	Redacted     bool              `json:"redacted"`
	Duration     time.Duration     `json:"duration"`
}

// Outcome returns the outcome for the given strategy.
func (r *EnhancementResult) Outcome(id StrategyID) (StrategyOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Strategy == id {
			return o, true
		}
	}
	return StrategyOutcome{}, false
}

// Count returns the number of outcomes with the given status.
func (r *EnhancementResult) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// CacheEntry is owned exclusively by a cache store.
type CacheEntry struct {
	Fingerprint    Fingerprint
	Payload        []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	SizeBytes      int64
	Encrypted      bool
	IntegrityTag   []byte
}

// Clone returns a deep copy so callers never alias store-owned buffers.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Payload = append([]byte(nil), e.Payload...)
	if e.IntegrityTag != nil {
		out.IntegrityTag = append([]byte(nil), e.IntegrityTag...)
	}
	return out
}
