// Package llm defines the model-invocation collaborator used by strategy
// dispatch and ships an OpenAI-compatible HTTP implementation.
package llm

import (
	"context"
	"fmt"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Prompt is one model call.
type Prompt struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// JSON asks the provider for a JSON object response when it supports it.
	JSON bool
}

// Completion is the provider's answer with the token usage it reported.
// Token counts are zero when the provider did not report usage.
type Completion struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Invoker calls a model. It is the only component that incurs latency and
// monetary cost.
type Invoker interface {
	Invoke(ctx context.Context, prompt Prompt) (Completion, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, prompt Prompt) (Completion, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, prompt Prompt) (Completion, error) {
	return f(ctx, prompt)
}

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Unwrap classifies gateway-level failures as the upstream being unavailable
// and everything else as a strategy failure.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case 502, 503, 504:
		return domain.ErrUpstreamUnavailable
	default:
		return domain.ErrStrategyFailure
	}
}
