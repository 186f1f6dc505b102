// Package audit delivers security-relevant events (rejections, redactions,
// integrity violations, budget denials) to one or more sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Stream stamps events and fans them out to every sink. It implements
// domain.AuditSink and is safe for concurrent use when its sinks are.
type Stream struct {
	sinks  []domain.AuditSink
	now    func() time.Time
	logger *slog.Logger
}

// NewStream returns a stream delivering to sinks in order.
func NewStream(logger *slog.Logger, sinks ...domain.AuditSink) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{sinks: sinks, now: time.Now, logger: logger}
}

// Record assigns an ID and timestamp when missing and delivers the event to
// every sink. A failing sink does not prevent delivery to the others.
func (s *Stream) Record(ctx context.Context, event domain.AuditEvent) error {
	if event.Kind == "" {
		return domain.InvalidInput("audit event kind is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	var errs []error
	for i, sink := range s.sinks {
		if err := sink.Record(ctx, event); err != nil {
			s.logger.Error("audit sink failed", "sink", i, "kind", event.Kind, "event_id", event.ID, "error", err)
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer-style Close.
func (s *Stream) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Record implements domain.AuditSink.
func (Discard) Record(context.Context, domain.AuditEvent) error { return nil }
