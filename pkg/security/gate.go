// Package security implements the screening gate every document passes before
// any strategy runs: shape validation, prompt-injection detection, PII
// redaction and Rego authorization, in that order.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/policy"
	"github.com/polisai/polis-enhance/pkg/policy/dlp"
	"github.com/polisai/polis-enhance/pkg/policy/waf"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

// Status is the outcome of screening.
type Status string

const (
	// StatusClean means the document passed unchanged.
	StatusClean Status = "clean"
	// StatusRejected means the request must be aborted.
	StatusRejected Status = "rejected"
	// StatusRedacted means the document passed after PII was masked.
	StatusRedacted Status = "redacted"
)

// Input is what the gate screens.
type Input struct {
	RequestID  string
	Document   domain.Document
	Security   domain.SecurityContext
	Strategies []domain.StrategyID
}

// Verdict is the gate's decision. Document holds the content to forward,
// which differs from the input only when Status is StatusRedacted.
type Verdict struct {
	Status   Status
	Reason   string
	Rule     string
	Document domain.Document
	// Findings lists the names of PII rules that matched.
	Findings       []string
	InjectionScore float64
}

// Rejection converts a rejected verdict into the typed error returned to callers.
func (v Verdict) Rejection() *domain.Rejected {
	if v.Status != StatusRejected {
		return nil
	}
	return &domain.Rejected{Reason: v.Reason, Rule: v.Rule}
}

// Config sizes the gate. Use DefaultConfig for mode-specific defaults.
type Config struct {
	MaxBytes      int `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
	MaxLineLength int `yaml:"max_line_length" toml:"max_line_length" json:"max_line_length"`

	InjectionLevel     waf.Level `yaml:"injection_level" toml:"injection_level" json:"injection_level"`
	InjectionThreshold float64   `yaml:"injection_threshold" toml:"injection_threshold" json:"injection_threshold"`
	InjectionRules     []waf.Rule

	PIILevel dlp.Level `yaml:"pii_level" toml:"pii_level" json:"pii_level"`
	PIIRules []dlp.Rule

	Postures policy.PostureSet
}

// DefaultConfig returns the screening posture for mode. Hardened modes run the
// extended rule sets with a lower injection threshold.
func DefaultConfig(mode domain.OperationMode) Config {
	cfg := Config{
		MaxBytes:           256 << 10,
		MaxLineLength:      16 << 10,
		InjectionLevel:     waf.LevelCore,
		InjectionThreshold: 0.8,
		PIILevel:           dlp.LevelCore,
		Postures:           policy.DefaultPostureSet(mode.IsHardened()),
	}
	switch mode {
	case domain.ModeSecure:
		cfg.InjectionLevel = waf.LevelExtended
		cfg.InjectionThreshold = 0.6
		cfg.PIILevel = dlp.LevelExtended
	case domain.ModeEnterprise:
		cfg.MaxBytes = 1 << 20
		cfg.InjectionLevel = waf.LevelExtended
		cfg.InjectionThreshold = 0.5
		cfg.PIILevel = dlp.LevelExtended
	case domain.ModePerformance:
		cfg.MaxBytes = 1 << 20
	}
	return cfg
}

// Gate screens documents. It is immutable after construction and safe for
// concurrent use.
type Gate struct {
	cfg      Config
	mode     domain.OperationMode
	detector *waf.Detector
	scanner  *dlp.Scanner
	policy   policy.Evaluator
	audit    domain.AuditSink
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Gate.
type Option func(*Gate)

// WithPolicy sets the authorization evaluator. Without it every request is allowed.
func WithPolicy(p policy.Evaluator) Option { return func(g *Gate) { g.policy = p } }

// WithAuditSink routes rejections and redactions to sink.
func WithAuditSink(sink domain.AuditSink) Option { return func(g *Gate) { g.audit = sink } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate compiles the configured rule sets.
func NewGate(mode domain.OperationMode, cfg Config, opts ...Option) (*Gate, error) {
	injectionRules := cfg.InjectionRules
	if injectionRules == nil {
		injectionRules = waf.Builtins().ForLevel(cfg.InjectionLevel)
	}
	detector, err := waf.NewDetector(waf.Config{Rules: injectionRules, Threshold: cfg.InjectionThreshold})
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}

	piiRules := cfg.PIIRules
	if piiRules == nil {
		piiRules = dlp.Builtins().ForLevel(cfg.PIILevel)
	}
	scanner, err := dlp.NewScanner(dlp.Config{Rules: piiRules})
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}

	if cfg.Postures.IsZero() {
		cfg.Postures = policy.DefaultPostureSet(mode.IsHardened())
	}

	g := &Gate{
		cfg:      cfg,
		mode:     mode,
		detector: detector,
		scanner:  scanner,
		policy:   policy.AllowAll{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Screen runs every stage in order. Only context cancellation is returned as
// an error; every other problem is expressed in the verdict.
func (g *Gate) Screen(ctx context.Context, in Input) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	doc := in.Document

	if reason := g.checkShape(doc.Content); reason != "" {
		return g.reject(ctx, in, domain.AuditSecurityRejection, reason, "shape", 0), nil
	}

	injection, err := g.detector.Evaluate(ctx, doc.Content)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		if !g.cfg.Postures.FailsOpen(policy.DomainInjection) {
			return g.reject(ctx, in, domain.AuditSecurityRejection, "injection screening unavailable", "injection", 0), nil
		}
		g.logger.Warn("injection screening failed open", "request_id", in.RequestID, "error", err)
	}
	if injection.Blocked {
		reason := fmt.Sprintf("prompt injection detected (confidence %.2f)", injection.Score)
		return g.reject(ctx, in, domain.AuditSecurityRejection, reason, injection.TopRule, injection.Score), nil
	}

	verdict := Verdict{Status: StatusClean, Document: doc, InjectionScore: injection.Score}

	pii, err := g.scanner.Scan(ctx, doc.Content)
	switch {
	case err != nil && ctx.Err() != nil:
		return Verdict{}, ctx.Err()
	case err != nil && !g.cfg.Postures.FailsOpen(policy.DomainPII):
		return g.reject(ctx, in, domain.AuditSecurityRejection, "pii screening unavailable", "pii", injection.Score), nil
	case err != nil:
		g.logger.Warn("pii screening failed open", "request_id", in.RequestID, "error", err)
	case pii.Blocked:
		return g.reject(ctx, in, domain.AuditSecurityRejection, "document contains blocked secret material", strings.Join(pii.Rules(), ","), injection.Score), nil
	case pii.RedactionsApplied:
		verdict.Status = StatusRedacted
		verdict.Document.Content = pii.Redacted
		verdict.Findings = pii.Rules()
		g.record(ctx, in, domain.AuditSecurityRedaction, "pii redacted", map[string]string{
			"rules":    strings.Join(verdict.Findings, ","),
			"findings": fmt.Sprint(len(pii.Findings)),
		})
	}

	findings := map[string]any{}
	if len(verdict.Findings) > 0 {
		findings["pii"] = verdict.Findings
	}
	decision, err := g.policy.Evaluate(ctx, policy.Input{
		Principal:     in.Security,
		Mode:          g.mode,
		Strategies:    in.Strategies,
		DocumentBytes: len(doc.Content),
		Findings:      findings,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		if !g.cfg.Postures.FailsOpen(policy.DomainPolicy) {
			return g.reject(ctx, in, domain.AuditPolicyDenied, "policy evaluation unavailable", "policy", injection.Score), nil
		}
		g.logger.Warn("policy evaluation failed open", "request_id", in.RequestID, "error", err)
	} else {
		span := trace.SpanFromContext(ctx)
		telemetry.RecordPolicyDecision(span, decision)
		telemetry.RecordPolicyFindings(span, findings)
		if !decision.Allowed() {
			return g.reject(ctx, in, domain.AuditPolicyDenied, decision.Reason, "policy", injection.Score), nil
		}
	}

	telemetry.RecordSecurityEvent(trace.SpanFromContext(ctx), string(verdict.Status), "", len(verdict.Findings), verdict.InjectionScore)
	return verdict, nil
}

func (g *Gate) checkShape(content string) string {
	switch {
	case len(content) == 0:
		return "document is empty"
	case g.cfg.MaxBytes > 0 && len(content) > g.cfg.MaxBytes:
		return fmt.Sprintf("document exceeds %d bytes", g.cfg.MaxBytes)
	case !utf8.ValidString(content):
		return "document is not valid UTF-8"
	case strings.IndexByte(content, 0) >= 0:
		return "document contains NUL bytes"
	}
	if g.cfg.MaxLineLength > 0 {
		for line := range strings.SplitSeq(content, "\n") {
			if len(line) > g.cfg.MaxLineLength {
				return fmt.Sprintf("document has a line longer than %d bytes", g.cfg.MaxLineLength)
			}
		}
	}
	return ""
}

func (g *Gate) reject(ctx context.Context, in Input, kind domain.AuditKind, reason, rule string, score float64) Verdict {
	g.logger.Info("document rejected",
		"request_id", in.RequestID,
		"principal", in.Security.PrincipalID,
		"reason", reason,
		"rule", rule)
	telemetry.RecordSecurityEvent(trace.SpanFromContext(ctx), string(StatusRejected), reason, 0, score)
	g.record(ctx, in, kind, reason, map[string]string{
		"rule":  rule,
		"score": fmt.Sprintf("%.2f", score),
	})
	return Verdict{Status: StatusRejected, Reason: reason, Rule: rule, InjectionScore: score}
}

func (g *Gate) record(ctx context.Context, in Input, kind domain.AuditKind, reason string, attrs map[string]string) {
	if g.audit == nil {
		return
	}
	attrs["document_ref"] = in.Document.Ref
	event := domain.AuditEvent{
		Kind:        kind,
		Timestamp:   g.now().UTC(),
		RequestID:   in.RequestID,
		PrincipalID: in.Security.PrincipalID,
		Source:      in.Security.SourceAddress,
		Mode:        g.mode,
		Reason:      reason,
		Attributes:  attrs,
	}
	// Audit delivery must not depend on the caller still waiting.
	if err := g.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		g.logger.Error("audit record failed", "kind", kind, "request_id", in.RequestID, "error", err)
	}
}
