package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-enhance/pkg/domain"
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	strategyExecutionCounter metric.Int64Counter
	strategyTimeoutCounter   metric.Int64Counter
	strategyUnavailableCount metric.Int64Counter
	strategyBudgetCounter    metric.Int64Counter
	strategyCostCounter      metric.Float64Counter
	strategyLatencyHistogram metric.Float64Histogram
)

// StrategyMetrics captures the fields needed to record one strategy dispatch.
type StrategyMetrics struct {
	Strategy domain.StrategyID
	Mode     domain.OperationMode
	Status   domain.OutcomeStatus
	Reason   domain.FailureReason
	CacheHit bool
	Duration time.Duration
	Cost     float64
}

// RecordStrategyMetrics emits counters and histograms that describe strategy
// dispatch behaviour through the global meter provider.
func RecordStrategyMetrics(ctx context.Context, m StrategyMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("strategy.id", string(m.Strategy)),
		attribute.String("enhance.mode", string(m.Mode)),
		attribute.String("strategy.status", string(m.Status)),
		attribute.String("strategy.reason", string(m.Reason)),
		attribute.Bool("strategy.cache_hit", m.CacheHit),
	)

	strategyExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		strategyLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Cost > 0 {
		strategyCostCounter.Add(ctx, m.Cost, attrs)
	}

	switch m.Reason {
	case domain.ReasonTimeout:
		strategyTimeoutCounter.Add(ctx, 1, attrs)
	case domain.ReasonUpstreamUnavailable:
		strategyUnavailableCount.Add(ctx, 1, attrs)
	case domain.ReasonBudgetExceeded:
		strategyBudgetCounter.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(TracerName)

		strategyExecutionCounter, metricsInitErr = meter.Int64Counter(
			"enhance.strategy.executions_total",
			metric.WithDescription("Strategy dispatches partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		strategyTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"enhance.strategy.timeout_total",
			metric.WithDescription("Strategy dispatches that exceeded their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		strategyUnavailableCount, metricsInitErr = meter.Int64Counter(
			"enhance.strategy.upstream_unavailable_total",
			metric.WithDescription("Strategy dispatches refused by an open circuit or unreachable upstream"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		strategyBudgetCounter, metricsInitErr = meter.Int64Counter(
			"enhance.strategy.budget_exceeded_total",
			metric.WithDescription("Strategy dispatches refused by a cost ceiling"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		strategyCostCounter, metricsInitErr = meter.Float64Counter(
			"enhance.strategy.cost_usd",
			metric.WithDescription("Settled strategy cost"),
			metric.WithUnit("USD"),
		)
		if metricsInitErr != nil {
			return
		}

		strategyLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"enhance.strategy.duration_ms",
			metric.WithDescription("Observed strategy latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained screening event to the span
// without leaking document content.
func RecordSecurityEvent(span trace.Span, status, reason string, findings int, injectionScore float64) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("security.status", status),
		attribute.Int("security.findings.count", findings),
		attribute.Float64("security.injection.score", injectionScore),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}
	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
