package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// ErrCircuitOpen is returned while a breaker rejects calls. It wraps
// domain.ErrUpstreamUnavailable.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrUpstreamUnavailable)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed lets calls through and counts failures.
	StateClosed BreakerState = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a limited number of trial calls through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines when a breaker trips and how it recovers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before letting trial calls through.
	Cooldown time.Duration `yaml:"cooldown" toml:"cooldown" json:"cooldown"`
	// HalfOpenTrials is the number of successful trials required to close.
	HalfOpenTrials int `yaml:"half_open_trials" toml:"half_open_trials" json:"half_open_trials"`
}

// DefaultBreakerConfig returns defaults suited to a remote LLM endpoint.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenTrials:   1,
	}
}

// CircuitBreaker guards one upstream.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	clock  func() time.Time
	state  BreakerState
	fails  int
	trials int // in flight while half-open
	passes int // successful trials while half-open

	openUntil time.Time
	changedAt time.Time
	trips     int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, clock func() time.Time) *CircuitBreaker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{cfg: cfg, clock: clock, state: StateClosed, changedAt: clock()}
}

// Execute runs fn unless the circuit is open. Caller cancellation is not
// counted as an upstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	if cb.cfg.FailureThreshold <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenTrials {
			return ErrCircuitOpen
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	if cb.cfg.FailureThreshold <= 0 {
		return
	}
	if errors.Is(err, context.Canceled) {
		cb.mu.Lock()
		if cb.state == StateHalfOpen && cb.trials > 0 {
			cb.trials--
		}
		cb.mu.Unlock()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateClosed:
		if err == nil {
			cb.fails = 0
			return
		}
		cb.fails++
		if cb.fails >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		if err != nil {
			cb.transitionLocked(StateOpen, now)
			return
		}
		cb.passes++
		if cb.passes >= cb.cfg.HalfOpenTrials {
			cb.transitionLocked(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(next BreakerState, now time.Time) {
	cb.state = next
	cb.changedAt = now
	cb.fails = 0
	cb.trials = 0
	cb.passes = 0
	if next == StateOpen {
		cb.openUntil = now.Add(cb.cfg.Cooldown)
		cb.trips++
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next call tries it.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats exposes breaker status.
type BreakerStats struct {
	State      BreakerState  `json:"state"`
	Failures   int           `json:"consecutive_failures"`
	Trips      int           `json:"trips"`
	LastChange time.Time     `json:"last_change"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := BreakerStats{State: cb.state, Failures: cb.fails, Trips: cb.trips, LastChange: cb.changedAt}
	if cb.state == StateOpen {
		if wait := cb.openUntil.Sub(cb.clock()); wait > 0 {
			st.RetryAfter = wait
		}
	}
	return st
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, cb.clock())
}

// BreakerSet lazily creates one breaker per upstream key, typically a model name.
type BreakerSet struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	clock    func() time.Time
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set sharing one configuration.
func NewBreakerSet(cfg BreakerConfig, clock func() time.Time) *BreakerSet {
	return &BreakerSet{cfg: cfg, clock: clock, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key, creating it if needed.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(s.cfg, s.clock)
	s.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for key.
func (s *BreakerSet) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	return s.Get(key).Execute(ctx, fn)
}

// Stats returns a snapshot of every breaker.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]BreakerStats, len(s.breakers))
	for key, cb := range s.breakers {
		out[key] = cb.Stats()
	}
	return out
}
