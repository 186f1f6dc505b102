package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// ErrReservationClosed is returned when a reservation is settled or released twice.
var ErrReservationClosed = errors.New("reservation already closed")

// RequestScope names the per-request account in ExceededError.
const RequestScope = "request"

const epsilon = 1e-9

// Budget caps the spend of every scope matching Scope within one Period.
// Scope is an exact scope name such as "principal:alice", a kind wildcard
// such as "principal:*" giving every principal its own budget, or "*".
type Budget struct {
	Scope   string  `yaml:"scope" toml:"scope" json:"scope"`
	Period  Period  `yaml:"period" toml:"period" json:"period"`
	Ceiling float64 `yaml:"ceiling_usd" toml:"ceiling_usd" json:"ceiling_usd"`
}

// ExceededError reports the account that refused a reservation.
type ExceededError struct {
	Scope     string
	Window    string
	Ceiling   float64
	Remaining float64
	Requested float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: requested %.6f, remaining %.6f of %.6f",
		e.Scope, e.Requested, e.Remaining, e.Ceiling)
}

func (e *ExceededError) Unwrap() error { return domain.ErrBudgetExceeded }

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Budgets []Budget
	// Ledger defaults to an in-memory ledger.
	Ledger Ledger
	Clock  func() time.Time
	Logger *slog.Logger
}

// Tracker enforces scope budgets. Each scope account has its own lock; a
// reservation spanning several scopes locks them in sorted order.
type Tracker struct {
	budgets map[string]Budget
	ledger  Ledger
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*scopeAccount
}

type scopeAccount struct {
	mu       sync.Mutex
	scope    string
	budget   Budget
	window   string
	loaded   bool
	spent    float64
	reserved float64
}

// NewTracker validates the budgets and returns a tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	budgets := make(map[string]Budget, len(cfg.Budgets))
	for _, b := range cfg.Budgets {
		b.Scope = strings.TrimSpace(b.Scope)
		if b.Scope == "" {
			return nil, domain.InvalidInput("budget scope is required")
		}
		if b.Ceiling < 0 || math.IsNaN(b.Ceiling) || math.IsInf(b.Ceiling, 0) {
			return nil, domain.InvalidInput("budget %s has invalid ceiling", b.Scope)
		}
		period, err := ParsePeriod(string(b.Period))
		if err != nil {
			return nil, domain.InvalidInput("%v", err)
		}
		b.Period = period
		if _, dup := budgets[b.Scope]; dup {
			return nil, domain.InvalidInput("duplicate budget for %s", b.Scope)
		}
		budgets[b.Scope] = b
	}

	t := &Tracker{
		budgets:  budgets,
		ledger:   cfg.Ledger,
		now:      cfg.Clock,
		logger:   cfg.Logger,
		accounts: make(map[string]*scopeAccount),
	}
	if t.ledger == nil {
		t.ledger = NewMemoryLedger()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// Close closes the ledger.
func (t *Tracker) Close() error {
	return t.ledger.Close()
}

func (t *Tracker) budgetFor(scope string) (Budget, bool) {
	if b, ok := t.budgets[scope]; ok {
		return b, true
	}
	if kind, _, ok := strings.Cut(scope, ":"); ok {
		if b, ok := t.budgets[kind+":*"]; ok {
			return b, true
		}
	}
	b, ok := t.budgets["*"]
	return b, ok
}

// account returns the account for scope, or nil when no budget covers it.
func (t *Tracker) account(scope string) *scopeAccount {
	t.mu.RLock()
	a := t.accounts[scope]
	t.mu.RUnlock()
	if a != nil {
		return a
	}
	budget, ok := t.budgetFor(scope)
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if a := t.accounts[scope]; a != nil {
		return a
	}
	a = &scopeAccount{scope: scope, budget: budget}
	t.accounts[scope] = a
	return a
}

func (t *Tracker) accountsFor(scopes []string) []*scopeAccount {
	names := slices.Clone(scopes)
	slices.Sort(names)
	names = slices.Compact(names)

	out := make([]*scopeAccount, 0, len(names))
	for _, name := range names {
		if a := t.account(name); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// refresh rolls the account into the current window. Caller holds a.mu.
func (t *Tracker) refresh(ctx context.Context, a *scopeAccount) error {
	window := a.budget.Period.Window(t.now())
	if a.loaded && window == a.window {
		return nil
	}
	spent, err := t.ledger.Spent(ctx, ledgerKey(a.scope, window))
	if err != nil {
		return fmt.Errorf("load spend for %s: %w", a.scope, err)
	}
	a.window = window
	a.spent = spent
	a.loaded = true
	return nil
}

// Reserve holds amount against the request budget (nil for none) and every
// scope with a configured budget. Either all accounts accept the hold or
// none do; the refusing account is described by an *ExceededError.
func (t *Tracker) Reserve(ctx context.Context, req *RequestBudget, scopes []string, amount float64) (*Reservation, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, domain.InvalidInput("reservation amount must be a finite non-negative number")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	accounts := t.accountsFor(scopes)
	if req != nil {
		req.mu.Lock()
		defer req.mu.Unlock()
	}
	for _, a := range accounts {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	if req != nil && req.ceiling > 0 {
		if remaining := req.ceiling - req.spent - req.reserved; amount > remaining+epsilon {
			return nil, t.exceeded(&ExceededError{
				Scope: RequestScope, Ceiling: req.ceiling, Remaining: math.Max(remaining, 0), Requested: amount,
			})
		}
	}
	for _, a := range accounts {
		if err := t.refresh(ctx, a); err != nil {
			return nil, err
		}
		if remaining := a.budget.Ceiling - a.spent - a.reserved; amount > remaining+epsilon {
			return nil, t.exceeded(&ExceededError{
				Scope: a.scope, Window: a.window, Ceiling: a.budget.Ceiling, Remaining: math.Max(remaining, 0), Requested: amount,
			})
		}
	}

	if req != nil {
		req.reserved += amount
	}
	for _, a := range accounts {
		a.reserved += amount
	}
	return &Reservation{tracker: t, request: req, accounts: accounts, amount: amount}, nil
}

func (t *Tracker) exceeded(err *ExceededError) error {
	t.logger.Debug("cost reservation refused",
		"scope", err.Scope,
		"window", err.Window,
		"requested", err.Requested,
		"remaining", err.Remaining)
	return err
}

// Charge reserves and immediately settles amount against scope, returning
// the remaining budget.
func (t *Tracker) Charge(ctx context.Context, scope string, amount float64) (float64, error) {
	r, err := t.Reserve(ctx, nil, []string{scope}, amount)
	if err != nil {
		var exceeded *ExceededError
		if errors.As(err, &exceeded) {
			return exceeded.Remaining, err
		}
		return 0, err
	}
	if err := r.Settle(ctx, amount); err != nil {
		return 0, err
	}
	usage, err := t.Usage(ctx, scope)
	if err != nil {
		return 0, err
	}
	return usage.Remaining(), nil
}

// Usage describes one scope account in its current window.
type Usage struct {
	Scope    string
	Window   string
	Limited  bool
	Ceiling  float64
	Spent    float64
	Reserved float64
}

// Remaining is the spend still available, +Inf for unlimited scopes.
func (u Usage) Remaining() float64 {
	if !u.Limited {
		return math.Inf(1)
	}
	return math.Max(u.Ceiling-u.Spent-u.Reserved, 0)
}

// Usage reports the current window of scope.
func (t *Tracker) Usage(ctx context.Context, scope string) (Usage, error) {
	a := t.account(scope)
	if a == nil {
		return Usage{Scope: scope}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := t.refresh(ctx, a); err != nil {
		return Usage{}, err
	}
	return Usage{
		Scope:    scope,
		Window:   a.window,
		Limited:  true,
		Ceiling:  a.budget.Ceiling,
		Spent:    a.spent,
		Reserved: a.reserved,
	}, nil
}

// Reservation is a hold created by Tracker.Reserve. Exactly one of Settle or
// Release takes effect.
type Reservation struct {
	tracker  *Tracker
	request  *RequestBudget
	accounts []*scopeAccount
	amount   float64
	closed   atomic.Bool
}

// Amount is the held amount.
func (r *Reservation) Amount() float64 { return r.amount }

// Settle replaces the hold with the actual cost. Actual may exceed the hold;
// the excess is recorded so later reservations see it. Ledger failures are
// returned after in-memory accounting is updated.
func (r *Reservation) Settle(ctx context.Context, actual float64) error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrReservationClosed
	}
	if actual < 0 || math.IsNaN(actual) {
		actual = 0
	}
	ctx = context.WithoutCancel(ctx)

	if r.request != nil {
		r.request.mu.Lock()
		r.request.reserved -= r.amount
		r.request.spent += actual
		r.request.mu.Unlock()
	}

	var errs []error
	for _, a := range r.accounts {
		a.mu.Lock()
		a.reserved -= r.amount
		if err := r.tracker.refresh(ctx, a); err != nil {
			errs = append(errs, err)
		}
		total, err := r.tracker.ledger.Add(ctx, ledgerKey(a.scope, a.window), actual)
		if err != nil {
			a.spent += actual
			errs = append(errs, err)
		} else {
			a.spent = total
		}
		a.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Release drops the hold without charging anything.
func (r *Reservation) Release() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	if r.request != nil {
		r.request.mu.Lock()
		r.request.reserved -= r.amount
		r.request.mu.Unlock()
	}
	for _, a := range r.accounts {
		a.mu.Lock()
		a.reserved -= r.amount
		a.mu.Unlock()
	}
}

// RequestBudget is the ceiling supplied with one enhancement request.
type RequestBudget struct {
	mu       sync.Mutex
	ceiling  float64
	spent    float64
	reserved float64
}

// NewRequestBudget returns a budget capped at ceiling USD. A ceiling of zero
// or less is unlimited.
func NewRequestBudget(ceiling float64) *RequestBudget {
	return &RequestBudget{ceiling: ceiling}
}

// Consumed returns the settled spend.
func (b *RequestBudget) Consumed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining returns the unreserved spend left, +Inf when unlimited.
func (b *RequestBudget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ceiling <= 0 {
		return math.Inf(1)
	}
	return math.Max(b.ceiling-b.spent-b.reserved, 0)
}
