package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrMaxRetriesExceeded is returned when every retry attempt failed.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines bounded retry behaviour for upstream calls. The zero
// value performs exactly one attempt.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" toml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" toml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" toml:"backoff_multiplier" json:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter" toml:"jitter" json:"jitter"`
}

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	cfg   RetryConfig
	sleep func(context.Context, time.Duration) error
}

// NewRetryPolicy fills in backoff defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{cfg: cfg, sleep: sleepContext}
}

// Config returns the effective configuration.
func (rp *RetryPolicy) Config() RetryConfig { return rp.cfg }

// Backoff returns the delay before retry number attempt (0-based).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.cfg.InitialBackoff) * math.Pow(rp.cfg.BackoffMultiplier, float64(attempt)))
	if backoff > rp.cfg.MaxBackoff || backoff <= 0 {
		backoff = rp.cfg.MaxBackoff
	}
	if rp.cfg.Jitter && backoff >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		backoff += time.Duration(rand.Int64N(int64(backoff / 4)))
	}
	return backoff
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == rp.cfg.MaxRetries {
			break
		}
		if err := rp.sleep(ctx, rp.Backoff(attempt)); err != nil {
			return err
		}
	}
	if rp.cfg.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// Retryable is implemented by errors that know whether a retry can help.
type Retryable interface {
	Retryable() bool
}

// IsRetryableError reports whether err looks transient. Deadline and
// cancellation errors are never retried: the caller's budget is spent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
		"unexpected EOF",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// WithDeadline derives a context bounded by d. A non-positive d only adds
// cancellation.
func WithDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
