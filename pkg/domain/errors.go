package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for enhancement requests.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrSecurityRejection   = errors.New("security rejection")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrIntegrityViolation  = errors.New("cache integrity violation")
	ErrStrategyFailure     = errors.New("strategy failure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTimeout             = errors.New("strategy timeout")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Machine-readable error codes carried by DomainError.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeSecurityRejection   = "SECURITY_REJECTION"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeIntegrityViolation  = "INTEGRITY_VIOLATION"
	CodeStrategyFailure     = "STRATEGY_FAILURE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeDocumentNotFound    = "DOCUMENT_NOT_FOUND"
	CodeInternal            = "INTERNAL"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// InvalidInput builds a DomainError for malformed requests.
func InvalidInput(format string, args ...any) error {
	return &DomainError{
		Err:     ErrInvalidInput,
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input: "+format, args...),
	}
}

// Denied is returned by Enhance when a rate-limit scope has no tokens left.
// It is backpressure, not a fault.
type Denied struct {
	RetryAfter time.Duration
	Scopes     []string
}

func (d *Denied) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %s", d.RetryAfter)
}

func (d *Denied) Unwrap() error { return ErrRateLimitExceeded }

// Rejected is returned by Enhance when the security gate refuses a request.
type Rejected struct {
	Reason string
	Rule   string
}

func (r *Rejected) Error() string {
	if r.Rule != "" {
		return fmt.Sprintf("security rejection: %s (%s)", r.Reason, r.Rule)
	}
	return "security rejection: " + r.Reason
}

func (r *Rejected) Unwrap() error { return ErrSecurityRejection }

// ErrorResponse defines the JSON error model returned by the HTTP adapter.
type ErrorResponse struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter string `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// CodeFor maps an error onto its taxonomy code.
func CodeFor(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrSecurityRejection):
		return CodeSecurityRejection
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrBudgetExceeded):
		return CodeBudgetExceeded
	case errors.Is(err, ErrIntegrityViolation):
		return CodeIntegrityViolation
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrDocumentNotFound):
		return CodeDocumentNotFound
	case errors.Is(err, ErrStrategyFailure):
		return CodeStrategyFailure
	default:
		return CodeInternal
	}
}
