package engine

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/polisai/polis-enhance/internal/governance"
	"github.com/polisai/polis-enhance/pkg/cache"
	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/policy/dlp"
	"github.com/polisai/polis-enhance/pkg/policy/waf"
	"github.com/polisai/polis-enhance/pkg/security"
)

// DefaultPassphraseEnv names the variable the encrypted cache passphrase is read from.
const DefaultPassphraseEnv = "ENHANCE_CACHE_PASSPHRASE"

const defaultCacheSalt = "polis-enhance/cache/v1"

// Profile is the complete set of knobs an Orchestrator runs with. It is
// resolved once from an OperationMode and never changes afterwards.
type Profile struct {
	Mode domain.OperationMode

	// Workers bounds concurrent strategy dispatches across all requests.
	Workers int
	// StrategyTimeout is the deadline of a single model call.
	StrategyTimeout time.Duration
	// RequestTimeout bounds a whole Enhance call. Zero leaves it to the caller.
	RequestTimeout time.Duration
	// RequestCeiling applies when a request carries no budget ceiling. Zero
	// means unlimited.
	RequestCeiling float64
	// Model is the model name used for pricing and breaker keys when a
	// strategy does not pin one.
	Model           string
	MaxOutputTokens int

	Cache           cache.Config
	JanitorInterval time.Duration
	RateLimit       governance.LimiterConfig
	Breaker         governance.BreakerConfig
	Security        security.Config
}

// Overrides adjusts a mode's defaults. Zero values leave the default alone.
type Overrides struct {
	Workers         int           `yaml:"workers" toml:"workers" json:"workers"`
	StrategyTimeout time.Duration `yaml:"strategy_timeout" toml:"strategy_timeout" json:"strategy_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`
	RequestCeiling  float64       `yaml:"request_ceiling_usd" toml:"request_ceiling_usd" json:"request_ceiling_usd"`
	Model           string        `yaml:"model" toml:"model" json:"model"`
	MaxOutputTokens int           `yaml:"max_output_tokens" toml:"max_output_tokens" json:"max_output_tokens"`
	JanitorInterval time.Duration `yaml:"janitor_interval" toml:"janitor_interval" json:"janitor_interval"`

	Cache     CacheOverrides     `yaml:"cache" toml:"cache" json:"cache"`
	RateLimit RateLimitOverrides `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	Breaker   BreakerOverrides   `yaml:"breaker" toml:"breaker" json:"breaker"`
	Security  SecurityOverrides  `yaml:"security" toml:"security" json:"security"`
}

// CacheOverrides adjusts the result cache.
type CacheOverrides struct {
	Kind          string        `yaml:"kind" toml:"kind" json:"kind"`
	TTL           time.Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
	MaxEntries    int           `yaml:"max_entries" toml:"max_entries" json:"max_entries"`
	MaxBytes      int64         `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
	Shards        int           `yaml:"shards" toml:"shards" json:"shards"`
	CompressAbove int           `yaml:"compress_above" toml:"compress_above" json:"compress_above"`
	Compression   string        `yaml:"compression" toml:"compression" json:"compression"`
	// PassphraseEnv names the variable holding the encryption passphrase.
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env" json:"passphrase_env"`
	Salt          string `yaml:"salt" toml:"salt" json:"salt"`
}

// RateLimitOverrides replaces whole buckets. A bucket with zero capacity
// disables limiting for its scope kind.
type RateLimitOverrides struct {
	Principal *governance.BucketConfig `yaml:"principal" toml:"principal" json:"principal"`
	Source    *governance.BucketConfig `yaml:"source" toml:"source" json:"source"`
	Global    *governance.BucketConfig `yaml:"global" toml:"global" json:"global"`
}

// BreakerOverrides adjusts the per-model circuit breaker. Disabled turns it off.
type BreakerOverrides struct {
	Disabled         bool          `yaml:"disabled" toml:"disabled" json:"disabled"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" toml:"cooldown" json:"cooldown"`
	HalfOpenTrials   int           `yaml:"half_open_trials" toml:"half_open_trials" json:"half_open_trials"`
}

// SecurityOverrides adjusts the screening gate.
type SecurityOverrides struct {
	MaxBytes           int               `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
	MaxLineLength      int               `yaml:"max_line_length" toml:"max_line_length" json:"max_line_length"`
	InjectionLevel     string            `yaml:"injection_level" toml:"injection_level" json:"injection_level"`
	InjectionThreshold float64           `yaml:"injection_threshold" toml:"injection_threshold" json:"injection_threshold"`
	PIILevel           string            `yaml:"pii_level" toml:"pii_level" json:"pii_level"`
	Postures           map[string]string `yaml:"postures" toml:"postures" json:"postures"`
}

// DefaultProfile returns the built-in profile of mode.
func DefaultProfile(mode domain.OperationMode) Profile {
	p := Profile{
		Mode:            mode,
		Workers:         2,
		StrategyTimeout: 30 * time.Second,
		RequestTimeout:  2 * time.Minute,
		RequestCeiling:  0.50,
		JanitorInterval: time.Minute,
		Cache: cache.Config{
			Kind:       cache.KindSimple,
			TTL:        15 * time.Minute,
			MaxEntries: 1_000,
		},
		RateLimit: governance.LimiterConfig{
			Principal: governance.BucketConfig{Capacity: 10, RefillPerSecond: 10.0 / 60},
			Source:    governance.BucketConfig{Capacity: 30, RefillPerSecond: 0.5},
			Global:    governance.BucketConfig{Capacity: 100, RefillPerSecond: 5},
		},
		Breaker:  governance.DefaultBreakerConfig(),
		Security: security.DefaultConfig(mode),
	}

	performance := governance.LimiterConfig{
		Principal: governance.BucketConfig{Capacity: 60, RefillPerSecond: 1},
		Source:    governance.BucketConfig{Capacity: 120, RefillPerSecond: 2},
		Global:    governance.BucketConfig{Capacity: 1_000, RefillPerSecond: 50},
	}

	switch mode {
	case domain.ModePerformance:
		p.Workers = 8
		p.StrategyTimeout = 20 * time.Second
		p.RequestCeiling = 2.0
		p.Cache = cache.Config{
			Kind:          cache.KindLRU,
			TTL:           time.Hour,
			MaxEntries:    50_000,
			MaxBytes:      256 << 20,
			CompressAbove: 4 << 10,
		}
		p.RateLimit = performance
	case domain.ModeSecure:
		p.Cache = cache.Config{
			Kind:       cache.KindEncrypted,
			TTL:        30 * time.Minute,
			MaxEntries: 10_000,
			MaxBytes:   64 << 20,
		}
	case domain.ModeEnterprise:
		p.Workers = 8
		p.StrategyTimeout = 20 * time.Second
		p.RequestCeiling = 5.0
		p.Cache = cache.Config{
			Kind:          cache.KindEncrypted,
			TTL:           time.Hour,
			MaxEntries:    50_000,
			MaxBytes:      256 << 20,
			CompressAbove: 4 << 10,
		}
		p.RateLimit = performance
	}
	return p
}

// ResolveProfile applies overrides to the defaults of mode and validates the
// result. The encrypted cache passphrase is read from the environment here.
func ResolveProfile(mode domain.OperationMode, o Overrides) (Profile, error) {
	mode, err := domain.ParseMode(string(mode))
	if err != nil {
		return Profile{}, err
	}
	p := DefaultProfile(mode)

	if o.Workers != 0 {
		p.Workers = o.Workers
	}
	if o.StrategyTimeout != 0 {
		p.StrategyTimeout = o.StrategyTimeout
	}
	if o.RequestTimeout != 0 {
		p.RequestTimeout = o.RequestTimeout
	}
	if o.RequestCeiling != 0 {
		p.RequestCeiling = o.RequestCeiling
	}
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.MaxOutputTokens != 0 {
		p.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.JanitorInterval != 0 {
		p.JanitorInterval = o.JanitorInterval
	}

	applyCacheOverrides(&p.Cache, o.Cache)

	if o.RateLimit.Principal != nil {
		p.RateLimit.Principal = *o.RateLimit.Principal
	}
	if o.RateLimit.Source != nil {
		p.RateLimit.Source = *o.RateLimit.Source
	}
	if o.RateLimit.Global != nil {
		p.RateLimit.Global = *o.RateLimit.Global
	}

	switch {
	case o.Breaker.Disabled:
		p.Breaker.FailureThreshold = 0
	default:
		if o.Breaker.FailureThreshold != 0 {
			p.Breaker.FailureThreshold = o.Breaker.FailureThreshold
		}
		if o.Breaker.Cooldown != 0 {
			p.Breaker.Cooldown = o.Breaker.Cooldown
		}
		if o.Breaker.HalfOpenTrials != 0 {
			p.Breaker.HalfOpenTrials = o.Breaker.HalfOpenTrials
		}
	}

	if err := applySecurityOverrides(&p.Security, o.Security); err != nil {
		return Profile{}, err
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func applyCacheOverrides(c *cache.Config, o CacheOverrides) {
	if o.Kind != "" {
		c.Kind = cache.Kind(strings.ToLower(strings.TrimSpace(o.Kind)))
	}
	if o.TTL != 0 {
		c.TTL = o.TTL
	}
	if o.MaxEntries != 0 {
		c.MaxEntries = o.MaxEntries
	}
	if o.MaxBytes != 0 {
		c.MaxBytes = o.MaxBytes
	}
	if o.Shards != 0 {
		c.Shards = o.Shards
	}
	if o.CompressAbove != 0 {
		c.CompressAbove = o.CompressAbove
	}
	if o.Compression != "" {
		c.Compression = o.Compression
	}
	if c.Kind != cache.KindEncrypted {
		return
	}
	env := o.PassphraseEnv
	if env == "" {
		env = DefaultPassphraseEnv
	}
	c.Passphrase = os.Getenv(env)
	salt := o.Salt
	if salt == "" {
		salt = defaultCacheSalt
	}
	c.Salt = []byte(salt)
}

func applySecurityOverrides(s *security.Config, o SecurityOverrides) error {
	if o.MaxBytes != 0 {
		s.MaxBytes = o.MaxBytes
	}
	if o.MaxLineLength != 0 {
		s.MaxLineLength = o.MaxLineLength
	}
	if o.InjectionThreshold != 0 {
		s.InjectionThreshold = o.InjectionThreshold
	}
	switch level := waf.Level(strings.ToLower(o.InjectionLevel)); level {
	case "":
	case waf.LevelCore, waf.LevelExtended:
		s.InjectionLevel = level
	default:
		return fmt.Errorf("%w: unknown injection level %q", domain.ErrConfigInvalid, o.InjectionLevel)
	}
	switch level := dlp.Level(strings.ToLower(o.PIILevel)); level {
	case "":
	case dlp.LevelCore, dlp.LevelExtended:
		s.PIILevel = level
	default:
		return fmt.Errorf("%w: unknown pii level %q", domain.ErrConfigInvalid, o.PIILevel)
	}
	if len(o.Postures) > 0 {
		if err := s.Postures.ApplyOverrideStrings(o.Postures); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
	}
	return nil
}

// Validate checks that the profile can build an orchestrator.
func (p Profile) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s profile: %s", domain.ErrConfigInvalid, p.Mode, fmt.Sprintf(format, args...))
	}
	if p.Workers < 1 {
		return invalid("workers must be at least 1, got %d", p.Workers)
	}
	if p.StrategyTimeout <= 0 {
		return invalid("strategy_timeout must be positive")
	}
	if p.JanitorInterval <= 0 {
		return invalid("janitor_interval must be positive")
	}
	if p.RequestTimeout < 0 {
		return invalid("request_timeout must not be negative")
	}
	if p.RequestCeiling < 0 || math.IsNaN(p.RequestCeiling) || math.IsInf(p.RequestCeiling, 0) {
		return invalid("request ceiling must be a finite non-negative number")
	}
	switch p.Cache.Kind {
	case cache.KindSimple, cache.KindLRU, cache.KindEncrypted:
	default:
		return invalid("unknown cache kind %q", p.Cache.Kind)
	}
	if p.Cache.MaxEntries < 0 || p.Cache.MaxBytes < 0 || p.Cache.TTL < 0 {
		return invalid("cache budgets must not be negative")
	}
	switch p.Cache.Compression {
	case "", cache.CompressionZstd, cache.CompressionLZ4:
	default:
		return invalid("unknown cache compression %q", p.Cache.Compression)
	}
	for name, b := range map[string]governance.BucketConfig{
		"principal": p.RateLimit.Principal,
		"source":    p.RateLimit.Source,
		"global":    p.RateLimit.Global,
	} {
		if b.Capacity < 0 || b.RefillPerSecond < 0 {
			return invalid("%s bucket must not be negative", name)
		}
		if b.Capacity > 0 && b.RefillPerSecond == 0 {
			return invalid("%s bucket needs a refill rate", name)
		}
	}
	if t := p.Security.InjectionThreshold; t <= 0 || t > 1 {
		return invalid("injection_threshold must be in (0, 1], got %g", t)
	}
	if p.Security.MaxBytes <= 0 {
		return invalid("security max_bytes must be positive")
	}
	return nil
}
