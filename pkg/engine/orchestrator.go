package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/polisai/polis-enhance/internal/governance"
	"github.com/polisai/polis-enhance/pkg/audit"
	"github.com/polisai/polis-enhance/pkg/cache"
	"github.com/polisai/polis-enhance/pkg/cost"
	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/fingerprint"
	"github.com/polisai/polis-enhance/pkg/llm"
	"github.com/polisai/polis-enhance/pkg/policy"
	"github.com/polisai/polis-enhance/pkg/security"
	"github.com/polisai/polis-enhance/pkg/strategy"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

// Dependencies are the collaborators an Orchestrator calls out to. Documents
// and Invoker are required; the rest have working defaults.
type Dependencies struct {
	Documents domain.DocumentStore
	Invoker   llm.Invoker
	Catalog   *strategy.Catalog
	// Tracker may be shared by several orchestrators so budgets span modes.
	Tracker *cost.Tracker
	Prices  *cost.PriceTable
	Policy  policy.Evaluator
	Audit   domain.AuditSink
	Metrics *telemetry.Metrics
	// SpanRedaction maps span attribute keys to telemetry.Redact* directives.
	SpanRedaction map[string]string
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Orchestrator runs enhancement requests for one operation mode. Everything it
// owns is built from its Profile at construction time.
type Orchestrator struct {
	profile Profile

	docs     domain.DocumentStore
	invoker  llm.Invoker
	catalog  *strategy.Catalog
	tracker  *cost.Tracker
	prices   cost.PriceTable
	gate     *security.Gate
	limiter  *governance.MultiScopeLimiter
	breakers *governance.BreakerSet
	cache    cache.Store
	flights  *cache.Group[strategyResult]
	workers  *semaphore.Weighted

	audit   domain.AuditSink
	metrics *telemetry.Metrics
	redact  map[string]string
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds an orchestrator for profile.
func New(profile Profile, deps Dependencies) (*Orchestrator, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if deps.Documents == nil {
		return nil, fmt.Errorf("%w: engine: document store is required", domain.ErrConfigInvalid)
	}
	if deps.Invoker == nil {
		return nil, fmt.Errorf("%w: engine: model invoker is required", domain.ErrConfigInvalid)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine", "mode", profile.Mode)

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog = strategy.Builtin()
	}
	prices := cost.DefaultPriceTable()
	if deps.Prices != nil {
		prices = *deps.Prices
	}
	tracker := deps.Tracker
	if tracker == nil {
		var err error
		tracker, err = cost.NewTracker(cost.TrackerConfig{Clock: deps.Clock, Logger: logger})
		if err != nil {
			return nil, err
		}
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.Discard{}
	}

	cacheCfg := profile.Cache
	cacheCfg.Clock = cache.Clock(now)
	if cacheCfg.Kind == cache.KindEncrypted && len(cacheCfg.Key) == 0 && cacheCfg.Passphrase == "" {
		cacheCfg.Key = make([]byte, cache.KeySize)
		if _, err := rand.Read(cacheCfg.Key); err != nil {
			return nil, fmt.Errorf("engine: generate cache key: %w", err)
		}
		logger.Warn("no cache passphrase configured, using an ephemeral key")
	}
	store, err := cache.New(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build cache: %w", err)
	}

	gateOpts := []security.Option{security.WithAuditSink(sink), security.WithLogger(logger)}
	if deps.Policy != nil {
		gateOpts = append(gateOpts, security.WithPolicy(deps.Policy))
	}
	gate, err := security.NewGate(profile.Mode, profile.Security, gateOpts...)
	if err != nil {
		return nil, err
	}

	limits := profile.RateLimit
	limits.Clock = deps.Clock

	return &Orchestrator{
		profile:  profile,
		docs:     deps.Documents,
		invoker:  deps.Invoker,
		catalog:  catalog,
		tracker:  tracker,
		prices:   prices,
		gate:     gate,
		limiter:  governance.NewMultiScopeLimiter(limits),
		breakers: governance.NewBreakerSet(profile.Breaker, deps.Clock),
		cache:    store,
		flights:  cache.NewGroup[strategyResult](),
		workers:  semaphore.NewWeighted(int64(profile.Workers)),
		audit:    sink,
		metrics:  deps.Metrics,
		redact:   deps.SpanRedaction,
		logger:   logger,
		tracer:   otel.Tracer(telemetry.TracerName),
		now:      now,
	}, nil
}

// Mode returns the operation mode the orchestrator was built for.
func (o *Orchestrator) Mode() domain.OperationMode { return o.profile.Mode }

// Profile returns the resolved profile.
func (o *Orchestrator) Profile() Profile { return o.profile }

// CacheStats reports the result cache counters.
func (o *Orchestrator) CacheStats() cache.Stats { return o.cache.Stats() }

// LimiterStats reports the rate limiter counters.
func (o *Orchestrator) LimiterStats() governance.LimiterStats { return o.limiter.Stats() }

// BreakerStats reports the state of every per-model circuit breaker.
func (o *Orchestrator) BreakerStats() map[string]governance.BreakerStats { return o.breakers.Stats() }

// RunJanitor sweeps the cache and prunes idle rate-limit buckets until ctx
// is done.
func (o *Orchestrator) RunJanitor(ctx context.Context) {
	go cache.NewJanitor(o.cache, o.profile.JanitorInterval, o.logger).Run(ctx)

	ticker := time.NewTicker(o.profile.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := o.limiter.Prune(o.profile.JanitorInterval); pruned > 0 {
				o.logger.Debug("pruned idle rate-limit buckets", "pruned", pruned)
			}
			o.metrics.SetCacheSize(o.profile.Mode, o.cache.Len(), o.cache.SizeBytes())
		}
	}
}

type requestState string

const (
	stateReceived    requestState = "received"
	stateAdmitted    requestState = "admitted"
	stateCacheCheck  requestState = "cache_check"
	stateCacheHit    requestState = "cache_hit"
	stateDispatching requestState = "dispatching"
	stateAggregating requestState = "aggregating"
	stateDone        requestState = "done"
)

// call carries the per-request state shared by strategy workers.
type call struct {
	req        domain.EnhancementRequest
	doc        domain.Document
	budget     *cost.RequestBudget
	costScopes []string
	log        *slog.Logger
	// refused counts strategies the circuit breaker kept from the upstream.
	refused atomic.Int32
}

// cachedResult is the payload stored in the result cache.
type cachedResult struct {
	Content      string  `json:"content"`
	QualityDelta float64 `json:"quality_delta"`
	Model        string  `json:"model,omitempty"`
}

// strategyResult is what a coalesced flight hands to every waiter.
type strategyResult struct {
	cachedResult
	FromCache bool
	Cost      float64
	// PaidBy is the request whose budget was charged.
	PaidBy string
}

type task struct {
	index int
	def   strategy.Definition
	fp    domain.Fingerprint
}

// Enhance runs req through admission, screening, the cache and strategy
// dispatch. Rate limiting returns *domain.Denied and screening returns
// *domain.Rejected; strategy failures never fail the call and are reported in
// the result's outcomes.
func (o *Orchestrator) Enhance(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
	start := o.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "enhance.request", trace.WithAttributes(
		telemetry.RedactAttributes(o.redact, []attribute.KeyValue{
			attribute.String("enhance.request_id", req.RequestID),
			attribute.String("enhance.mode", string(o.profile.Mode)),
			attribute.Int("enhance.strategies", len(req.Strategies)),
			attribute.String("enhance.principal", req.Security.PrincipalID),
			attribute.String("enhance.source", req.Security.SourceAddress),
			attribute.String("enhance.document_ref", req.DocumentRef),
		})...,
	))
	defer span.End()

	finish := o.metrics.RequestStarted(o.profile.Mode)
	result, err := o.enhance(ctx, req, start)
	switch {
	case err == nil:
		finish("ok")
		span.SetAttributes(
			attribute.Bool("enhance.cache_hit", result.CacheHit),
			attribute.Float64("enhance.cost_usd", result.CostConsumed),
		)
	case errors.Is(err, domain.ErrRateLimitExceeded):
		finish("denied")
		span.SetAttributes(attribute.String("enhance.outcome", "denied"))
	case errors.Is(err, domain.ErrSecurityRejection):
		finish("rejected")
		span.SetAttributes(attribute.String("enhance.outcome", "rejected"))
	default:
		finish("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (o *Orchestrator) enhance(ctx context.Context, req domain.EnhancementRequest, start time.Time) (*domain.EnhancementResult, error) {
	log := o.logger.With("request_id", req.RequestID)
	o.transition(ctx, log, stateReceived)

	strategies, err := o.validate(req)
	if err != nil {
		return nil, err
	}
	if o.profile.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.profile.RequestTimeout)
		defer cancel()
	}

	doc, err := o.docs.Get(ctx, req.DocumentRef)
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", req.DocumentRef, err)
	}

	verdict, err := o.gate.Screen(ctx, security.Input{
		RequestID:  req.RequestID,
		Document:   doc,
		Security:   req.Security,
		Strategies: strategies,
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordVerdict(o.profile.Mode, string(verdict.Status))
	if rejected := verdict.Rejection(); rejected != nil {
		return nil, rejected
	}

	// Rejected requests never reach the limiter and so consume no tokens.
	admission, err := o.limiter.Admit(ctx, governance.ScopesFor(req.Security), 1)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordAdmission(o.profile.Mode, admission.Admitted)
	if !admission.Admitted {
		denied := &domain.Denied{RetryAfter: admission.RetryAfter}
		for _, s := range admission.DeniedScopes {
			denied.Scopes = append(denied.Scopes, s.String())
		}
		log.Debug("request denied by rate limiter", "retry_after", admission.RetryAfter, "scopes", denied.Scopes)
		return nil, denied
	}
	o.transition(ctx, log, stateAdmitted)

	ceiling := req.BudgetCeiling
	if ceiling == 0 {
		ceiling = o.profile.RequestCeiling
	}
	c := &call{
		req:        req,
		doc:        verdict.Document,
		budget:     cost.NewRequestBudget(ceiling),
		costScopes: costScopes(o.profile.Mode, req.Security),
		log:        log,
	}

	o.transition(ctx, log, stateCacheCheck)
	outcomes := make([]domain.StrategyOutcome, len(strategies))
	var pending []task
	for i, id := range strategies {
		outcome, t := o.lookup(ctx, c, id)
		outcomes[i] = outcome
		if t != nil {
			t.index = i
			pending = append(pending, *t)
		}
	}

	if len(pending) == 0 {
		o.transition(ctx, log, stateCacheHit)
	} else {
		o.transition(ctx, log, stateDispatching)
		var wg sync.WaitGroup
		for _, t := range pending {
			wg.Go(func() {
				outcomes[t.index] = o.execute(ctx, c, t)
			})
		}
		wg.Wait()
		o.transition(ctx, log, stateAggregating)
	}

	result := aggregate(req.RequestID, o.profile.Mode, outcomes)
	result.Redacted = verdict.Status == security.StatusRedacted
	result.Duration = o.now().Sub(start)
	o.transition(ctx, log, stateDone)

	for _, outcome := range outcomes {
		o.metrics.RecordOutcome(o.profile.Mode, outcome)
		telemetry.RecordStrategyMetrics(ctx, telemetry.StrategyMetrics{
			Strategy: outcome.Strategy,
			Mode:     o.profile.Mode,
			Status:   outcome.Status,
			Reason:   outcome.Reason,
			CacheHit: outcome.CacheHit,
			Duration: outcome.Duration,
			Cost:     outcome.Cost,
		})
	}
	if n := int(c.refused.Load()); n > 0 && n == len(outcomes) {
		log.Warn("no strategy could reach the upstream", "strategies", n)
		return nil, fmt.Errorf("enhance: all %d strategies refused: %w", n, governance.ErrCircuitOpen)
	}
	log.Info("enhancement complete",
		"strategies", len(outcomes),
		"succeeded", result.Count(domain.OutcomeSuccess),
		"failed", result.Count(domain.OutcomeFailed),
		"cache_hit", result.CacheHit,
		"cost_usd", result.CostConsumed,
		"duration", result.Duration)
	return result, nil
}

func (o *Orchestrator) transition(ctx context.Context, log *slog.Logger, state requestState) {
	trace.SpanFromContext(ctx).AddEvent("enhance.state", trace.WithAttributes(attribute.String("state", string(state))))
	log.Debug("request state", "state", state)
}

// validate checks req and returns its strategies with duplicates removed.
func (o *Orchestrator) validate(req domain.EnhancementRequest) ([]domain.StrategyID, error) {
	if strings.TrimSpace(req.DocumentRef) == "" {
		return nil, domain.InvalidInput("document_ref is required")
	}
	if len(req.Strategies) == 0 {
		return nil, domain.InvalidInput("at least one strategy is required")
	}
	if req.Mode != "" && req.Mode != o.profile.Mode {
		return nil, domain.InvalidInput("request mode %q does not match orchestrator mode %q", req.Mode, o.profile.Mode)
	}
	if req.BudgetCeiling < 0 || math.IsNaN(req.BudgetCeiling) || math.IsInf(req.BudgetCeiling, 0) {
		return nil, domain.InvalidInput("budget_ceiling must be a finite non-negative number")
	}
	out := make([]domain.StrategyID, 0, len(req.Strategies))
	for _, id := range req.Strategies {
		id = domain.StrategyID(strings.TrimSpace(string(id)))
		if id == "" {
			return nil, domain.InvalidInput("strategy id must not be empty")
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// costScopes lists the budget accounts a request is charged against.
func costScopes(mode domain.OperationMode, sec domain.SecurityContext) []string {
	scopes := []string{"global", "mode:" + string(mode)}
	if sec.PrincipalID != "" {
		scopes = append(scopes, "principal:"+sec.PrincipalID)
	}
	return scopes
}

// lookup resolves a strategy against the cache. It returns a task when the
// strategy still has to be dispatched.
func (o *Orchestrator) lookup(ctx context.Context, c *call, id domain.StrategyID) (domain.StrategyOutcome, *task) {
	outcome := domain.StrategyOutcome{Strategy: id}
	def, ok := o.catalog.Lookup(id)
	if !ok {
		outcome.Status = domain.OutcomeFailed
		outcome.Reason = domain.ReasonUnknownStrategy
		outcome.Error = fmt.Sprintf("unknown strategy %q", id)
		return outcome, nil
	}
	fp, err := fingerprint.Compute(c.doc.Content, id, c.req.Options)
	if err != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Reason = domain.ReasonStrategyFailure
		outcome.Error = err.Error()
		return outcome, nil
	}
	outcome.Fingerprint = fp.String()

	if res, ok := o.cached(ctx, c, id, fp, true); ok {
		outcome.Status = domain.OutcomeSuccess
		outcome.Content = res.Content
		outcome.QualityDelta = res.QualityDelta
		outcome.CacheHit = true
		return outcome, nil
	}
	return outcome, &task{def: def, fp: fp}
}

// cached reads fp from the cache. Integrity failures and undecodable
// payloads are dropped and reported as misses.
func (o *Orchestrator) cached(ctx context.Context, c *call, id domain.StrategyID, fp domain.Fingerprint, count bool) (cachedResult, bool) {
	entry, ok, err := o.cache.Get(fp)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrityViolation) {
			o.integrityViolation(ctx, c, id, fp)
		} else {
			c.log.Warn("cache read failed", "strategy", id, "fingerprint", fp.Short(), "error", err)
		}
		ok = false
	}
	if count {
		o.metrics.RecordCacheLookup(o.profile.Mode, ok)
	}
	if !ok {
		return cachedResult{}, false
	}
	var res cachedResult
	if err := json.Unmarshal(entry.Payload, &res); err != nil {
		o.cache.Invalidate(fp)
		c.log.Warn("dropping undecodable cache entry", "strategy", id, "fingerprint", fp.Short(), "error", err)
		return cachedResult{}, false
	}
	return res, true
}

func (o *Orchestrator) integrityViolation(ctx context.Context, c *call, id domain.StrategyID, fp domain.Fingerprint) {
	o.metrics.RecordIntegrityViolation(o.profile.Mode)
	c.log.Warn("cache entry failed authentication", "strategy", id, "fingerprint", fp.Short())
	o.record(ctx, c, domain.AuditIntegrityViolation, "cache entry failed authentication", map[string]string{
		"strategy":    string(id),
		"fingerprint": fp.String(),
	})
}

func (o *Orchestrator) budgetDenied(ctx context.Context, c *call, id domain.StrategyID, exceeded *cost.ExceededError) {
	o.metrics.RecordBudgetDenial(o.profile.Mode, exceeded.Scope)
	c.log.Info("strategy refused by cost budget",
		"strategy", id,
		"scope", exceeded.Scope,
		"requested", exceeded.Requested,
		"remaining", exceeded.Remaining)
	o.record(ctx, c, domain.AuditBudgetDenied, exceeded.Error(), map[string]string{
		"strategy":  string(id),
		"scope":     exceeded.Scope,
		"window":    exceeded.Window,
		"requested": fmt.Sprintf("%.6f", exceeded.Requested),
		"remaining": fmt.Sprintf("%.6f", exceeded.Remaining),
	})
}

func (o *Orchestrator) record(ctx context.Context, c *call, kind domain.AuditKind, reason string, attrs map[string]string) {
	event := domain.AuditEvent{
		Kind:        kind,
		Timestamp:   o.now().UTC(),
		RequestID:   c.req.RequestID,
		PrincipalID: c.req.Security.PrincipalID,
		Source:      c.req.Security.SourceAddress,
		Mode:        o.profile.Mode,
		Reason:      reason,
		Attributes:  attrs,
	}
	if err := o.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		c.log.Error("audit delivery failed", "kind", kind, "error", err)
	}
}

// execute runs one strategy through the coalescing group.
func (o *Orchestrator) execute(ctx context.Context, c *call, t task) domain.StrategyOutcome {
	started := o.now()
	ctx, span := o.tracer.Start(ctx, "enhance.strategy", trace.WithAttributes(
		attribute.String("strategy.id", string(t.def.ID)),
		attribute.String("strategy.fingerprint", t.fp.Short()),
	))
	defer span.End()

	outcome := domain.StrategyOutcome{Strategy: t.def.ID, Fingerprint: t.fp.String()}
	res, waiter, err := o.flights.Do(ctx, t.fp, func(fctx context.Context) (strategyResult, error) {
		return o.dispatch(fctx, c, t)
	})
	outcome.Duration = o.now().Sub(started)
	span.SetAttributes(attribute.Bool("strategy.coalesced", waiter.Shared))

	if err != nil {
		if errors.Is(err, governance.ErrCircuitOpen) {
			c.refused.Add(1)
		}
		outcome.Status = domain.OutcomeFailed
		outcome.Reason = classify(err)
		outcome.Error = err.Error()
		span.SetAttributes(attribute.String("strategy.reason", string(outcome.Reason)))
		if outcome.Reason != domain.ReasonBudgetExceeded {
			span.RecordError(err)
		}
		c.log.Debug("strategy failed", "strategy", t.def.ID, "reason", outcome.Reason, "error", err)
		return outcome
	}

	outcome.Status = domain.OutcomeSuccess
	outcome.Content = res.Content
	outcome.QualityDelta = res.QualityDelta
	outcome.CacheHit = res.FromCache
	if res.PaidBy == c.req.RequestID {
		outcome.Cost = res.Cost
	}
	return outcome
}

// dispatch produces a result for t: it rechecks the cache, takes a worker
// slot, reserves budget, calls the model under the strategy deadline and
// stores the evaluated completion.
func (o *Orchestrator) dispatch(ctx context.Context, c *call, t task) (strategyResult, error) {
	if res, ok := o.cached(ctx, c, t.def.ID, t.fp, false); ok {
		return strategyResult{cachedResult: res, FromCache: true}, nil
	}

	if err := o.workers.Acquire(ctx, 1); err != nil {
		return strategyResult{}, err
	}
	defer o.workers.Release(1)

	prompt := strategy.BuildPrompt(t.def, c.doc.Content, c.req.Options)
	if prompt.Model == "" {
		prompt.Model = o.profile.Model
	}
	if prompt.MaxTokens == 0 {
		prompt.MaxTokens = o.profile.MaxOutputTokens
	}
	estimate := o.prices.Estimate(prompt.Model, prompt.System+prompt.User, prompt.MaxTokens)

	reservation, err := o.tracker.Reserve(ctx, c.budget, c.costScopes, estimate)
	if err != nil {
		var exceeded *cost.ExceededError
		if errors.As(err, &exceeded) {
			o.budgetDenied(ctx, c, t.def.ID, exceeded)
		}
		return strategyResult{}, err
	}

	callCtx, cancel := governance.WithDeadline(ctx, o.profile.StrategyTimeout)
	defer cancel()

	var completion llm.Completion
	err = o.breakers.Execute(callCtx, breakerKey(prompt.Model), func(bctx context.Context) error {
		var invokeErr error
		completion, invokeErr = o.invoker.Invoke(bctx, prompt)
		return invokeErr
	})
	if err != nil {
		reservation.Release()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return strategyResult{}, fmt.Errorf("%w: %s exceeded %s", domain.ErrTimeout, t.def.ID, o.profile.StrategyTimeout)
		}
		return strategyResult{}, err
	}

	model := prompt.Model
	if completion.Model != "" {
		model = completion.Model
	}
	actual := estimate
	if completion.InputTokens > 0 || completion.OutputTokens > 0 {
		actual = o.prices.Cost(model, completion.InputTokens, completion.OutputTokens)
	}
	if err := reservation.Settle(ctx, actual); err != nil {
		c.log.Warn("cost settlement incomplete", "strategy", t.def.ID, "error", err)
	}

	eval := strategy.ParseCompletion(completion.Content)
	res := cachedResult{Content: eval.Content, QualityDelta: eval.QualityDelta, Model: model}
	o.store(c, t, res)
	return strategyResult{cachedResult: res, Cost: actual, PaidBy: c.req.RequestID}, nil
}

func (o *Orchestrator) store(c *call, t task, res cachedResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		c.log.Warn("encode cache entry", "strategy", t.def.ID, "error", err)
		return
	}
	if err := o.cache.Put(t.fp, payload); err != nil {
		c.log.Debug("result not cached", "strategy", t.def.ID, "fingerprint", t.fp.Short(), "error", err)
		return
	}
	o.metrics.SetCacheSize(o.profile.Mode, o.cache.Len(), o.cache.SizeBytes())
}

func breakerKey(model string) string {
	if model == "" {
		return "default"
	}
	return model
}

// classify maps a dispatch error onto a failure reason.
func classify(err error) domain.FailureReason {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return domain.ReasonBudgetExceeded
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return domain.ReasonCancelled
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return domain.ReasonUpstreamUnavailable
	default:
		return domain.ReasonStrategyFailure
	}
}

// aggregate folds outcomes into a result. The quality delta is the mean over
// successful strategies; the result is a cache hit only when every strategy
// was served from the cache.
func aggregate(requestID string, mode domain.OperationMode, outcomes []domain.StrategyOutcome) *domain.EnhancementResult {
	result := &domain.EnhancementResult{RequestID: requestID, Mode: mode, Outcomes: outcomes}
	var deltas float64
	succeeded, hits := 0, 0
	for _, o := range outcomes {
		result.CostConsumed += o.Cost
		if o.Status == domain.OutcomeSuccess {
			deltas += o.QualityDelta
			succeeded++
		}
		if o.CacheHit {
			hits++
		}
	}
	if succeeded > 0 {
		result.QualityDelta = deltas / float64(succeeded)
	}
	result.CacheHit = len(outcomes) > 0 && hits == len(outcomes)
	return result
}
