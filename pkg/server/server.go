// Package server exposes the enhancement call over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

// Routes.
const (
	PathEnhance = "/v1/enhance"
	PathBatch   = "/v1/enhance/batch"
	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
)

// RequestIDHeader carries a caller-chosen request id.
const RequestIDHeader = "X-Request-ID"

const (
	defaultMaxBodyBytes     = 1 << 20
	defaultBatchLimit       = 32
	defaultBatchConcurrency = 4
)

// Enhancer runs one enhancement request.
type Enhancer interface {
	Enhance(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error)
}

// statusReporter is implemented by engine.Manager.
type statusReporter interface {
	Generation() int64
	Modes() []domain.OperationMode
	DefaultMode() domain.OperationMode
}

// Config wires a Handler.
type Config struct {
	Engine  Enhancer
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	MaxBodyBytes     int64
	BatchLimit       int
	BatchConcurrency int
}

// Handler serves the enhancement API.
type Handler struct {
	engine  Enhancer
	metrics *telemetry.Metrics
	logger  *slog.Logger

	maxBody          int64
	batchLimit       int
	batchConcurrency int

	mux *http.ServeMux
}

// New builds the handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: server: engine is required", domain.ErrConfigInvalid)
	}
	h := &Handler{
		engine:           cfg.Engine,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		maxBody:          cfg.MaxBodyBytes,
		batchLimit:       cfg.BatchLimit,
		batchConcurrency: cfg.BatchConcurrency,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBodyBytes
	}
	if h.batchLimit <= 0 {
		h.batchLimit = defaultBatchLimit
	}
	if h.batchConcurrency <= 0 {
		h.batchConcurrency = defaultBatchConcurrency
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+PathEnhance, h.instrument(PathEnhance, http.HandlerFunc(h.handleEnhance)))
	mux.Handle("POST "+PathBatch, h.instrument(PathBatch, http.HandlerFunc(h.handleBatch)))
	mux.HandleFunc("GET "+PathHealth, h.handleHealth)
	if h.metrics != nil {
		mux.Handle("GET "+PathMetrics, h.metrics.Handler())
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) instrument(route string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(h.metrics.Middleware(route, next), "polis.enhance"+route)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var req domain.EnhancementRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(r.Context(), w, "", err)
		return
	}
	req = h.fillFromTransport(r, req)

	res, err := h.engine.Enhance(r.Context(), req)
	if err != nil {
		h.writeError(r.Context(), w, req.RequestID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// BatchRequest carries several independent requests.
type BatchRequest struct {
	Requests []domain.EnhancementRequest `json:"requests"`
}

// BatchItem is the result or the error of one batched request, in request
// order.
type BatchItem struct {
	Status int                       `json:"status"`
	Result *domain.EnhancementResult `json:"result,omitempty"`
	Error  *domain.ErrorResponse     `json:"error,omitempty"`
}

// BatchResponse answers a BatchRequest.
type BatchResponse struct {
	Items []BatchItem `json:"items"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var batch BatchRequest
	if err := h.decode(w, r, &batch); err != nil {
		h.writeError(r.Context(), w, "", err)
		return
	}
	if len(batch.Requests) == 0 {
		h.writeError(r.Context(), w, "", domain.InvalidInput("batch is empty"))
		return
	}
	if len(batch.Requests) > h.batchLimit {
		h.writeError(r.Context(), w, "", domain.InvalidInput("batch holds %d requests, limit is %d", len(batch.Requests), h.batchLimit))
		return
	}

	items := make([]BatchItem, len(batch.Requests))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(h.batchConcurrency)
	for i, req := range batch.Requests {
		req = h.fillFromTransport(r, req)
		g.Go(func() error {
			res, err := h.engine.Enhance(ctx, req)
			if err != nil {
				status, body := h.errorBody(ctx, req.RequestID, err)
				items[i] = BatchItem{Status: status, Error: &body}
				return nil
			}
			items[i] = BatchItem{Status: http.StatusOK, Result: res}
			return nil
		})
	}
	_ = g.Wait()
	h.writeJSON(w, http.StatusOK, BatchResponse{Items: items})
}

// HealthStatus is returned by the health endpoint.
type HealthStatus struct {
	Status      string                 `json:"status"`
	Generation  int64                  `json:"generation,omitempty"`
	DefaultMode domain.OperationMode   `json:"default_mode,omitempty"`
	Modes       []domain.OperationMode `json:"modes,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{Status: "ok"}
	if s, ok := h.engine.(statusReporter); ok {
		status.Generation = s.Generation()
		status.DefaultMode = s.DefaultMode()
		status.Modes = s.Modes()
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.InvalidInput("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.InvalidInput("malformed request body: %v", err)
	}
	return nil
}

// fillFromTransport defaults the request id from the HTTP exchange. The
// source address always comes from the connection; a body value is ignored.
func (h *Handler) fillFromTransport(r *http.Request, req domain.EnhancementRequest) domain.EnhancementRequest {
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(RequestIDHeader)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	req.Security.SourceAddress = host
	return req
}

// StatusFor maps an enhancement error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSecurityRejection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) errorBody(ctx context.Context, requestID string, err error) (int, domain.ErrorResponse) {
	status := StatusFor(err)
	body := domain.ErrorResponse{
		Code:      domain.CodeFor(err),
		Message:   err.Error(),
		RequestID: requestID,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		body.TraceID = sc.TraceID().String()
	}
	var denied *domain.Denied
	if errors.As(err, &denied) {
		body.RetryAfter = denied.RetryAfter.String()
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	return status, body
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, requestID string, err error) {
	status, body := h.errorBody(ctx, requestID, err)

	var denied *domain.Denied
	if errors.As(err, &denied) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(denied.RetryAfter)))
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Enhancement failed", "request_id", requestID, "error", err)
	}
	h.writeJSON(w, status, body)
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
