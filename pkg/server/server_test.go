package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

type enhancerFunc func(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error)

func (f enhancerFunc) Enhance(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
	return f(ctx, req)
}

type managerStub struct{ enhancerFunc }

func (managerStub) Generation() int64                 { return 3 }
func (managerStub) Modes() []domain.OperationMode     { return []domain.OperationMode{domain.ModeBasic} }
func (managerStub) DefaultMode() domain.OperationMode { return domain.ModeBasic }

func echoResult(_ context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
	return &domain.EnhancementResult{
		RequestID: req.RequestID,
		Mode:      domain.ModeBasic,
		Outcomes: []domain.StrategyOutcome{{
			Strategy: req.Strategies[0],
			Status:   domain.OutcomeSuccess,
			Content:  req.Security.SourceAddress,
		}},
	}, nil
}

func newHandler(t *testing.T, e Enhancer) *Handler {
	t.Helper()
	h, err := New(Config{Engine: e, Metrics: telemetry.NewMetrics(), BatchLimit: 3})
	require.NoError(t, err)
	return h
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const body = `{"document_ref":"notes.md","strategies":["clarity"],"security":{"principal_id":"alice"}}`

func TestEnhance_OK(t *testing.T) {
	h := newHandler(t, enhancerFunc(echoResult))

	rec := post(t, h, PathEnhance, body, map[string]string{RequestIDHeader: "req-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var res domain.EnhancementResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "req-42", res.RequestID)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "192.0.2.1", res.Outcomes[0].Content, "source address defaults to the peer")
}

func TestEnhance_SourceAddressComesFromConnection(t *testing.T) {
	var mu sync.Mutex
	var sources []string
	h := newHandler(t, enhancerFunc(func(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
		mu.Lock()
		sources = append(sources, req.Security.SourceAddress)
		mu.Unlock()
		return echoResult(ctx, req)
	}))

	spoofed := `{"document_ref":"notes.md","strategies":["clarity"],"security":{"principal_id":"alice","source_address":"203.0.113.9"}}`
	rec := post(t, h, PathEnhance, spoofed, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h, PathBatch, `{"requests":[
		{"document_ref":"notes.md","strategies":["clarity"],"security":{"source_address":"198.51.100.7"}}
	]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"192.0.2.1", "192.0.2.1"}, sources)
}

func TestEnhance_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"denied", &domain.Denied{RetryAfter: 1500 * time.Millisecond, Scopes: []string{"principal:alice"}}, http.StatusTooManyRequests, domain.CodeRateLimitExceeded},
		{"rejected", &domain.Rejected{Reason: "prompt injection", Rule: "ignore-previous"}, http.StatusUnprocessableEntity, domain.CodeSecurityRejection},
		{"invalid", domain.InvalidInput("strategies are required"), http.StatusBadRequest, domain.CodeInvalidInput},
		{"missing", fmt.Errorf("load document %q: %w", "notes.md", domain.ErrDocumentNotFound), http.StatusNotFound, domain.CodeDocumentNotFound},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, domain.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHandler(t, enhancerFunc(func(context.Context, domain.EnhancementRequest) (*domain.EnhancementResult, error) {
				return nil, tc.err
			}))
			rec := post(t, h, PathEnhance, body, nil)
			assert.Equal(t, tc.status, rec.Code)

			var resp domain.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
			assert.NotContains(t, resp.Message, "disk on fire")
		})
	}
}

func TestEnhance_DeniedSetsRetryAfter(t *testing.T) {
	h := newHandler(t, enhancerFunc(func(context.Context, domain.EnhancementRequest) (*domain.EnhancementResult, error) {
		return nil, &domain.Denied{RetryAfter: 1500 * time.Millisecond}
	}))
	rec := post(t, h, PathEnhance, body, nil)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"retry_after":"1.5s"`)
}

func TestEnhance_RejectsMalformedBodies(t *testing.T) {
	called := false
	h, err := New(Config{
		Engine: enhancerFunc(func(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
			called = true
			return echoResult(ctx, req)
		}),
		MaxBodyBytes: 128,
	})
	require.NoError(t, err)

	for name, payload := range map[string]string{
		"syntax":  `{"document_ref":`,
		"unknown": `{"document_ref":"a","strategies":["clarity"],"turbo":true}`,
		"large":   `{"document_ref":"` + strings.Repeat("a", 256) + `"}`,
	} {
		rec := post(t, h, PathEnhance, payload, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.False(t, called)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathEnhance, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBatch(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	h := newHandler(t, enhancerFunc(func(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
		mu.Lock()
		seen++
		mu.Unlock()
		if req.DocumentRef == "missing.md" {
			return nil, domain.ErrDocumentNotFound
		}
		return echoResult(ctx, req)
	}))

	rec := post(t, h, PathBatch, `{"requests":[
		{"request_id":"a","document_ref":"notes.md","strategies":["clarity"]},
		{"request_id":"b","document_ref":"missing.md","strategies":["clarity"]},
		{"request_id":"c","document_ref":"notes.md","strategies":["brevity"]}
	]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 3)
	assert.Equal(t, 3, seen)

	assert.Equal(t, http.StatusOK, resp.Items[0].Status)
	assert.Equal(t, "a", resp.Items[0].Result.RequestID)
	assert.Equal(t, http.StatusNotFound, resp.Items[1].Status)
	assert.Equal(t, "b", resp.Items[1].Error.RequestID)
	assert.Equal(t, domain.StrategyID("brevity"), resp.Items[2].Result.Outcomes[0].Strategy)
}

func TestBatch_Limits(t *testing.T) {
	h := newHandler(t, enhancerFunc(echoResult))

	rec := post(t, h, PathBatch, `{"requests":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	item := `{"document_ref":"notes.md","strategies":["clarity"]}`
	rec = post(t, h, PathBatch, `{"requests":[`+strings.Repeat(item+",", 3)+item+`]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHandler(t, managerStub{enhancerFunc(echoResult)})
	post(t, h, PathEnhance, body, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int64(3), health.Generation)
	assert.Equal(t, domain.ModeBasic, health.DefaultMode)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "enhance_http_requests_total")
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(fmt.Errorf("llm: %w", domain.ErrUpstreamUnavailable)))
	assert.Equal(t, http.StatusPaymentRequired, StatusFor(domain.ErrBudgetExceeded))
}
