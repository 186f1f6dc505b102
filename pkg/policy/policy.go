package policy

import (
	"context"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the request to proceed.
	ActionAllow Action = "allow"
	// ActionBlock terminates the request.
	ActionBlock Action = "block"
)

// Decision captures the result of an evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allowed reports whether the decision lets the request through.
func (d Decision) Allowed() bool { return d.Action != ActionBlock }

// Input provides context for policy evaluation.
type Input struct {
	Principal     domain.SecurityContext
	Mode          domain.OperationMode
	Strategies    []domain.StrategyID
	DocumentBytes int
	// Findings carries rule names produced by earlier screening stages.
	Findings   map[string]any
	Generation string
	// DisableCache forces a fresh evaluation.
	DisableCache bool
}

// Evaluator produces a decision for an input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// AllowAll is an Evaluator that never blocks.
type AllowAll struct{}

// Evaluate implements Evaluator.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
