package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-enhance/pkg/policy"
)

// RecordPolicyDecision annotates the provided span with the policy decision outcome.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.decision.action", string(decision.Action)))
	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}
	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}
	if decision.Action == policy.ActionBlock {
		span.AddEvent("policy.blocked")
	}
}

// RecordPolicyFindings marks which screening domains produced findings.
func RecordPolicyFindings(span trace.Span, findings map[string]any) {
	if span == nil || !span.IsRecording() || len(findings) == 0 {
		return
	}
	for domain := range findings {
		span.SetAttributes(attribute.Bool("policy.findings."+domain, true))
	}
}
