package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Metrics holds the Prometheus collectors of the enhancement service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inflight        prometheus.Gauge

	cacheLookups *prometheus.CounterVec
	cacheEntries *prometheus.GaugeVec
	cacheBytes   *prometheus.GaugeVec
	integrity    *prometheus.CounterVec

	admissions *prometheus.CounterVec
	verdicts   *prometheus.CounterVec

	strategyOutcomes *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	budgetDenials    *prometheus.CounterVec

	configReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a registry with every collector registered, plus the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_requests_total",
				Help: "Enhancement requests by mode and result",
			},
			[]string{"mode", "result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enhance_request_duration_seconds",
				Help:    "End-to-end enhancement latency per mode",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "enhance_requests_inflight",
				Help: "Enhancement requests currently being processed",
			},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_cache_lookups_total",
				Help: "Per-strategy cache lookups by result (hit or miss)",
			},
			[]string{"mode", "result"},
		),
		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enhance_cache_entries",
				Help: "Entries held by the result cache",
			},
			[]string{"mode"},
		),
		cacheBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enhance_cache_bytes",
				Help: "Payload bytes held by the result cache",
			},
			[]string{"mode"},
		),
		integrity: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_cache_integrity_violations_total",
				Help: "Encrypted cache entries that failed authentication",
			},
			[]string{"mode"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_rate_limit_decisions_total",
				Help: "Rate limiter decisions by result (admitted or denied)",
			},
			[]string{"mode", "result"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_security_verdicts_total",
				Help: "Security gate verdicts by status",
			},
			[]string{"mode", "status"},
		),
		strategyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_strategy_outcomes_total",
				Help: "Strategy outcomes by status and failure reason",
			},
			[]string{"mode", "strategy", "status", "reason"},
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_cost_usd_total",
				Help: "Settled upstream cost in USD",
			},
			[]string{"mode"},
		),
		budgetDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_budget_denials_total",
				Help: "Cost reservations refused by a ceiling",
			},
			[]string{"mode", "scope"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhance_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enhance_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.inflight,
		m.cacheLookups,
		m.cacheEntries,
		m.cacheBytes,
		m.integrity,
		m.admissions,
		m.verdicts,
		m.strategyOutcomes,
		m.costTotal,
		m.budgetDenials,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// RequestStarted increments the in-flight gauge and returns a function that
// records the result and latency.
func (m *Metrics) RequestStarted(mode domain.OperationMode) func(result string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inflight.Inc()
	return func(result string) {
		m.inflight.Dec()
		m.requestsTotal.WithLabelValues(string(mode), result).Inc()
		m.requestDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}
}

// RecordCacheLookup counts a per-strategy cache lookup.
func (m *Metrics) RecordCacheLookup(mode domain.OperationMode, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(string(mode), result).Inc()
}

// SetCacheSize publishes the cache occupancy.
func (m *Metrics) SetCacheSize(mode domain.OperationMode, entries int, bytes int64) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(string(mode)).Set(float64(entries))
	m.cacheBytes.WithLabelValues(string(mode)).Set(float64(bytes))
}

// RecordIntegrityViolation counts a failed cache authentication.
func (m *Metrics) RecordIntegrityViolation(mode domain.OperationMode) {
	if m == nil {
		return
	}
	m.integrity.WithLabelValues(string(mode)).Inc()
}

// RecordAdmission counts a rate limiter decision.
func (m *Metrics) RecordAdmission(mode domain.OperationMode, admitted bool) {
	if m == nil {
		return
	}
	result := "denied"
	if admitted {
		result = "admitted"
	}
	m.admissions.WithLabelValues(string(mode), result).Inc()
}

// RecordVerdict counts a security gate verdict.
func (m *Metrics) RecordVerdict(mode domain.OperationMode, status string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(string(mode), status).Inc()
}

// RecordOutcome counts a strategy outcome and its settled cost.
func (m *Metrics) RecordOutcome(mode domain.OperationMode, o domain.StrategyOutcome) {
	if m == nil {
		return
	}
	m.strategyOutcomes.WithLabelValues(string(mode), string(o.Strategy), string(o.Status), string(o.Reason)).Inc()
	if o.Cost > 0 {
		m.costTotal.WithLabelValues(string(mode)).Add(o.Cost)
	}
}

// RecordBudgetDenial counts a refused cost reservation.
func (m *Metrics) RecordBudgetDenial(mode domain.OperationMode, scope string) {
	if m == nil {
		return
	}
	m.budgetDenials.WithLabelValues(string(mode), scope).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency under route.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
