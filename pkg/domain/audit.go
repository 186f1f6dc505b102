package domain

import (
	"context"
	"time"
)

// AuditKind classifies audit events.
type AuditKind string

// Audit event kinds emitted by the core.
const (
	AuditSecurityRejection  AuditKind = "security.rejection"
	AuditSecurityRedaction  AuditKind = "security.redaction"
	AuditPolicyDenied       AuditKind = "security.policy_denied"
	AuditIntegrityViolation AuditKind = "cache.integrity_violation"
	AuditBudgetDenied       AuditKind = "cost.budget_denied"
)

// AuditEvent is a single entry in the audit stream. Values never contain
// document content or matched PII.
type AuditEvent struct {
	ID          string            `json:"id"`
	Kind        AuditKind         `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	RequestID   string            `json:"request_id,omitempty"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Source      string            `json:"source,omitempty"`
	Mode        OperationMode     `json:"mode,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// AuditSink consumes audit events.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}
