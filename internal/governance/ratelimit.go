package governance

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// ScopeKind identifies which dimension a bucket limits.
type ScopeKind string

const (
	// ScopePrincipal limits a single authenticated principal.
	ScopePrincipal ScopeKind = "principal"
	// ScopeSource limits a single source address.
	ScopeSource ScopeKind = "source"
	// ScopeGlobal limits the whole orchestrator.
	ScopeGlobal ScopeKind = "global"
)

// checkOrder is the order in which scopes are evaluated.
var checkOrder = map[ScopeKind]int{ScopePrincipal: 0, ScopeSource: 1, ScopeGlobal: 2}

// Scope names one rate-limited bucket.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// GlobalScope is the single bucket shared by every request.
var GlobalScope = Scope{Kind: ScopeGlobal, ID: "global"}

// ScopesFor returns the scopes that apply to a caller, in check order. Empty
// principal or source identifiers are skipped.
func ScopesFor(sec domain.SecurityContext) []Scope {
	scopes := make([]Scope, 0, 3)
	if sec.PrincipalID != "" {
		scopes = append(scopes, Scope{Kind: ScopePrincipal, ID: sec.PrincipalID})
	}
	if sec.SourceAddress != "" {
		scopes = append(scopes, Scope{Kind: ScopeSource, ID: sec.SourceAddress})
	}
	return append(scopes, GlobalScope)
}

// BucketConfig sizes the token bucket of one scope kind. A zero capacity
// disables limiting for that kind.
type BucketConfig struct {
	Capacity        int     `yaml:"capacity" toml:"capacity" json:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second" toml:"refill_per_second" json:"refill_per_second"`
}

// Enabled reports whether the bucket limits anything.
func (c BucketConfig) Enabled() bool { return c.Capacity > 0 }

// LimiterConfig configures a MultiScopeLimiter.
type LimiterConfig struct {
	Principal BucketConfig
	Source    BucketConfig
	Global    BucketConfig
	// Clock is used for refill accounting. Defaults to time.Now.
	Clock func() time.Time
}

func (c LimiterConfig) bucketFor(kind ScopeKind) BucketConfig {
	switch kind {
	case ScopePrincipal:
		return c.Principal
	case ScopeSource:
		return c.Source
	default:
		return c.Global
	}
}

// Admission is the outcome of an admission check. A denial is a normal result,
// not an error.
type Admission struct {
	Admitted     bool
	RetryAfter   time.Duration
	DeniedScopes []Scope
}

// MultiScopeLimiter admits a request only when every applicable scope has
// enough tokens. Buckets refill continuously.
type MultiScopeLimiter struct {
	cfg    LimiterConfig
	clock  func() time.Time
	shards [limiterShards]bucketShard

	admitted atomic.Uint64
	denied   atomic.Uint64
}

const limiterShards = 32

type bucketShard struct {
	mu      sync.RWMutex
	buckets map[Scope]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// NewMultiScopeLimiter creates a limiter. Buckets are created lazily on first use.
func NewMultiScopeLimiter(cfg LimiterConfig) *MultiScopeLimiter {
	l := &MultiScopeLimiter{cfg: cfg, clock: cfg.Clock}
	if l.clock == nil {
		l.clock = time.Now
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[Scope]*bucket)
	}
	return l
}

// Admit checks scopes in principal, source, global order and consumes cost
// tokens from each. If any scope cannot pay, no tokens are consumed anywhere
// and RetryAfter is the longest wait among the scopes that denied.
func (l *MultiScopeLimiter) Admit(ctx context.Context, scopes []Scope, cost int) (Admission, error) {
	if err := ctx.Err(); err != nil {
		return Admission{}, err
	}
	if cost <= 0 {
		cost = 1
	}

	ordered := append([]Scope(nil), scopes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return checkOrder[ordered[i].Kind] < checkOrder[ordered[j].Kind]
	})

	now := l.clock()
	reservations := make([]*rate.Reservation, 0, len(ordered))
	var adm Admission
	adm.Admitted = true

	for _, scope := range ordered {
		b := l.bucket(scope)
		if b == nil {
			continue
		}
		b.lastUsed.Store(now.UnixNano())

		r := b.limiter.ReserveN(now, cost)
		if !r.OK() {
			// cost exceeds capacity: this scope can never admit the request
			adm.Admitted = false
			adm.DeniedScopes = append(adm.DeniedScopes, scope)
			adm.RetryAfter = maxDuration(adm.RetryAfter, l.fullRefill(scope.Kind))
			continue
		}
		reservations = append(reservations, r)
		if delay := r.DelayFrom(now); delay > 0 {
			adm.Admitted = false
			adm.DeniedScopes = append(adm.DeniedScopes, scope)
			adm.RetryAfter = maxDuration(adm.RetryAfter, delay)
		}
	}

	if !adm.Admitted {
		for _, r := range reservations {
			r.CancelAt(now)
		}
		l.denied.Add(1)
		return adm, nil
	}
	l.admitted.Add(1)
	return adm, nil
}

// Prune drops principal and source buckets that have been idle for at least
// idle and long enough to have refilled completely. A dropped bucket is
// recreated full, so pruning never hands out extra tokens. It returns the
// number of buckets removed.
func (l *MultiScopeLimiter) Prune(idle time.Duration) int {
	now := l.clock()
	cutoffs := map[ScopeKind]int64{
		ScopePrincipal: now.Add(-maxDuration(idle, l.fullRefill(ScopePrincipal))).UnixNano(),
		ScopeSource:    now.Add(-maxDuration(idle, l.fullRefill(ScopeSource))).UnixNano(),
	}
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for scope, b := range sh.buckets {
			cutoff, ok := cutoffs[scope.Kind]
			if !ok {
				continue
			}
			if b.lastUsed.Load() <= cutoff {
				delete(sh.buckets, scope)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// LimiterStats summarises limiter activity.
type LimiterStats struct {
	Buckets  int    `json:"buckets"`
	Admitted uint64 `json:"admitted"`
	Denied   uint64 `json:"denied"`
}

// Stats returns current counters.
func (l *MultiScopeLimiter) Stats() LimiterStats {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.RLock()
		n += len(sh.buckets)
		sh.mu.RUnlock()
	}
	return LimiterStats{Buckets: n, Admitted: l.admitted.Load(), Denied: l.denied.Load()}
}

// Available reports the tokens currently available for scope.
func (l *MultiScopeLimiter) Available(scope Scope) float64 {
	b := l.bucket(scope)
	if b == nil {
		return math.Inf(1)
	}
	return b.limiter.TokensAt(l.clock())
}

func (l *MultiScopeLimiter) bucket(scope Scope) *bucket {
	cfg := l.cfg.bucketFor(scope.Kind)
	if !cfg.Enabled() {
		return nil
	}

	sh := &l.shards[shardFor(scope)]
	sh.mu.RLock()
	b, ok := sh.buckets[scope]
	sh.mu.RUnlock()
	if ok {
		return b
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok := sh.buckets[scope]; ok {
		return b
	}
	refill := rate.Limit(cfg.RefillPerSecond)
	if cfg.RefillPerSecond <= 0 {
		refill = rate.Limit(cfg.Capacity)
	}
	b = &bucket{limiter: rate.NewLimiter(refill, cfg.Capacity)}
	sh.buckets[scope] = b
	return b
}

func (l *MultiScopeLimiter) fullRefill(kind ScopeKind) time.Duration {
	cfg := l.cfg.bucketFor(kind)
	if cfg.RefillPerSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(cfg.Capacity) / cfg.RefillPerSecond * float64(time.Second))
}

func shardFor(scope Scope) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(scope.ID))
	return int(h.Sum32() % limiterShards)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
