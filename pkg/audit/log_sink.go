package audit

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// LogSink writes events as structured log records at warn level, under an
// "audit" group so they can be routed separately from operational logs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements domain.AuditSink.
func (s *LogSink) Record(ctx context.Context, e domain.AuditEvent) error {
	attrs := []any{
		slog.String("id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("principal", e.PrincipalID),
		slog.String("source", e.Source),
		slog.String("mode", string(e.Mode)),
		slog.String("reason", e.Reason),
	}
	if len(e.Attributes) > 0 {
		extra := make([]any, 0, len(e.Attributes))
		for _, k := range slices.Sorted(maps.Keys(e.Attributes)) {
			extra = append(extra, slog.String(k, e.Attributes[k]))
		}
		attrs = append(attrs, slog.Group("attributes", extra...))
	}
	s.logger.LogAttrs(ctx, slog.LevelWarn, "audit event", slog.Group("audit", attrs...))
	return nil
}
