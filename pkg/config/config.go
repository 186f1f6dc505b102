// Package config provides configuration structures and loading logic for the
// enhancement service.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	tlsconf "github.com/polisai/polis-enhance/internal/tls"
	"github.com/polisai/polis-enhance/pkg/cost"
	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/engine"
	"github.com/polisai/polis-enhance/pkg/llm"
	"github.com/polisai/polis-enhance/pkg/logging"
	"github.com/polisai/polis-enhance/pkg/storage"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENHANCE_"

// Config holds the global configuration.
type Config struct {
	// Mode is the default operation mode.
	Mode string `yaml:"mode" toml:"mode" json:"mode"`
	// Modes lists the modes served; empty serves only Mode.
	Modes []string `yaml:"modes" toml:"modes" json:"modes"`

	Server    ServerConfig     `yaml:"server" toml:"server" json:"server"`
	Logging   logging.Config   `yaml:"logging" toml:"logging" json:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	LLM       llm.HTTPConfig   `yaml:"llm" toml:"llm" json:"llm"`
	Storage   StorageConfig    `yaml:"storage" toml:"storage" json:"storage"`
	Strategy  StrategyConfig   `yaml:"strategy" toml:"strategy" json:"strategy"`
	Policy    PolicyConfig     `yaml:"policy" toml:"policy" json:"policy"`
	Cost      CostConfig       `yaml:"cost" toml:"cost" json:"cost"`
	Audit     AuditConfig      `yaml:"audit" toml:"audit" json:"audit"`

	// Profiles adjusts the built-in profile of each mode, keyed by mode name.
	Profiles map[string]engine.Overrides `yaml:"profiles" toml:"profiles" json:"profiles"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string         `yaml:"address" toml:"address" json:"address"`
	ReadTimeout     time.Duration  `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration  `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64          `yaml:"max_body_bytes" toml:"max_body_bytes" json:"max_body_bytes"`
	TLS             tlsconf.Config `yaml:"tls" toml:"tls" json:"tls"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageS3     = "s3"
	StorageMinIO  = "minio"
)

// StorageConfig selects the document store.
type StorageConfig struct {
	Kind     string              `yaml:"kind" toml:"kind" json:"kind"`
	Dir      string              `yaml:"dir" toml:"dir" json:"dir"`
	MaxBytes int64               `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
	S3       storage.S3Config    `yaml:"s3" toml:"s3" json:"s3"`
	MinIO    storage.MinIOConfig `yaml:"minio" toml:"minio" json:"minio"`
}

// StrategyConfig locates optional instruction templates.
type StrategyConfig struct {
	TemplatesDir string `yaml:"templates_dir" toml:"templates_dir" json:"templates_dir"`
}

// PolicyConfig configures Rego authorization. Without Dir the built-in
// module is used.
type PolicyConfig struct {
	Enabled              bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Dir                  string   `yaml:"dir" toml:"dir" json:"dir"`
	Entrypoint           string   `yaml:"entrypoint" toml:"entrypoint" json:"entrypoint"`
	RestrictedStrategies []string `yaml:"restricted_strategies" toml:"restricted_strategies" json:"restricted_strategies"`
	CacheMaxEntries      int      `yaml:"cache_max_entries" toml:"cache_max_entries" json:"cache_max_entries"`
}

// CostConfig configures budgets and pricing.
type CostConfig struct {
	Budgets []cost.Budget `yaml:"budgets" toml:"budgets" json:"budgets"`
	// LedgerPath persists scope spend in a bbolt file; empty keeps it in memory.
	LedgerPath string `yaml:"ledger_path" toml:"ledger_path" json:"ledger_path"`
	// Dynamo shares scope spend across replicas through a DynamoDB table.
	Dynamo cost.DynamoConfig `yaml:"dynamo" toml:"dynamo" json:"dynamo"`
	Prices *cost.PriceTable  `yaml:"prices" toml:"prices" json:"prices"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	Log        bool   `yaml:"log" toml:"log" json:"log"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path" json:"sqlite_path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mode: string(domain.ModeBasic),
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 20 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: logging.Config{Level: "info"},
		Telemetry: telemetry.Config{
			ServiceName: "polis-enhance",
		},
		LLM: llm.HTTPConfig{
			BaseURL:   llm.DefaultBaseURL,
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Storage: StorageConfig{
			Kind:     StorageMemory,
			MaxBytes: storage.DefaultMaxBytes,
		},
		Audit: AuditConfig{Log: true},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. The format follows the extension: .toml is TOML, anything else
// is YAML. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		val, ok := lookup(EnvPrefix + name)
		val = strings.TrimSpace(val)
		return val, ok && val != ""
	}
	boolean := func(name string, target *bool) error {
		if val, ok := env(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*target = b
		}
		return nil
	}

	if val, ok := env("MODE"); ok {
		cfg.Mode = val
	}
	if val, ok := env("MODES"); ok {
		cfg.Modes = strings.Split(val, ",")
	}
	if val, ok := env("ADDR"); ok {
		cfg.Server.Address = val
	}
	if val, ok := env("LOG_LEVEL"); ok {
		cfg.Logging.Level = val
	}
	if err := boolean("LOG_PRETTY", &cfg.Logging.Pretty); err != nil {
		return err
	}
	if val, ok := env("OTLP_ENDPOINT"); ok {
		cfg.Telemetry.Endpoint = val
	}
	if err := boolean("OTLP_INSECURE", &cfg.Telemetry.Insecure); err != nil {
		return err
	}
	if val, ok := env("LLM_BASE_URL"); ok {
		cfg.LLM.BaseURL = val
	}
	if val, ok := env("LLM_MODEL"); ok {
		cfg.LLM.DefaultModel = val
	}
	if val, ok := env("LLM_API_KEY_ENV"); ok {
		cfg.LLM.APIKeyEnv = val
	}
	if val, ok := env("STORAGE_KIND"); ok {
		cfg.Storage.Kind = val
	}
	if val, ok := env("STORAGE_DIR"); ok {
		cfg.Storage.Dir = val
	}
	if val, ok := env("S3_BUCKET"); ok {
		cfg.Storage.S3.Bucket = val
	}
	if val, ok := env("S3_ENDPOINT"); ok {
		cfg.Storage.S3.Endpoint = val
	}
	if val, ok := env("S3_REGION"); ok {
		cfg.Storage.S3.Region = val
	}
	if err := boolean("TLS_ENABLED", &cfg.Server.TLS.Enabled); err != nil {
		return err
	}
	if val, ok := env("TLS_CERT_FILE"); ok {
		cfg.Server.TLS.CertFile = val
	}
	if val, ok := env("TLS_KEY_FILE"); ok {
		cfg.Server.TLS.KeyFile = val
	}
	if val, ok := env("MINIO_ENDPOINT"); ok {
		cfg.Storage.MinIO.Endpoint = val
	}
	if val, ok := env("MINIO_BUCKET"); ok {
		cfg.Storage.MinIO.Bucket = val
	}
	if val, ok := env("LEDGER_PATH"); ok {
		cfg.Cost.LedgerPath = val
	}
	if val, ok := env("LEDGER_DYNAMO_TABLE"); ok {
		cfg.Cost.Dynamo.Table = val
	}
	if val, ok := env("AUDIT_DB"); ok {
		cfg.Audit.SQLitePath = val
	}
	if err := boolean("POLICY_ENABLED", &cfg.Policy.Enabled); err != nil {
		return err
	}
	return nil
}

// DefaultMode returns the parsed default mode.
func (c *Config) DefaultMode() domain.OperationMode {
	mode, err := domain.ParseMode(c.Mode)
	if err != nil {
		return domain.ModeBasic
	}
	return mode
}

// EnabledModes returns the served modes, always including the default.
func (c *Config) EnabledModes() []domain.OperationMode {
	def := c.DefaultMode()
	out := []domain.OperationMode{def}
	for _, raw := range c.Modes {
		mode, err := domain.ParseMode(raw)
		if err != nil || mode == def {
			continue
		}
		dup := false
		for _, m := range out {
			dup = dup || m == mode
		}
		if !dup {
			out = append(out, mode)
		}
	}
	return out
}

// Profile resolves the engine profile of mode, filling the model from the
// LLM section when the profile does not pin one.
func (c *Config) Profile(mode domain.OperationMode) (engine.Profile, error) {
	overrides := c.Profiles[string(mode)]
	if overrides.Model == "" {
		overrides.Model = c.LLM.DefaultModel
	}
	return engine.ResolveProfile(mode, overrides)
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if _, err := domain.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	for _, raw := range c.Modes {
		if _, err := domain.ParseMode(raw); err != nil {
			return fmt.Errorf("modes: %w", err)
		}
	}
	profiles := make(map[string]engine.Overrides, len(c.Profiles))
	for name, o := range c.Profiles {
		mode, err := domain.ParseMode(name)
		if err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
		profiles[string(mode)] = o
	}
	c.Profiles = profiles
	for _, mode := range c.EnabledModes() {
		if _, err := c.Profile(mode); err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Cost.Validate(); err != nil {
		return fmt.Errorf("cost configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry configuration: %w: sample_ratio must be in [0, 1]", domain.ErrConfigInvalid)
	}
	for key, directive := range c.Telemetry.Redact {
		switch strings.ToLower(directive) {
		case telemetry.RedactDrop, telemetry.RedactMask, telemetry.RedactHash:
		default:
			return fmt.Errorf("telemetry configuration: %w: unknown redaction %q for %s", domain.ErrConfigInvalid, directive, key)
		}
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm configuration: %w: timeout must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", domain.ErrConfigInvalid)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("%w: server.tls: %v", domain.ErrConfigInvalid, err)
	}
	return nil
}

// Validate checks the selected backend has what it needs.
func (c *StorageConfig) Validate() error {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	switch c.Kind {
	case "", StorageMemory:
		c.Kind = StorageMemory
	case StorageFile:
		if strings.TrimSpace(c.Dir) == "" {
			return fmt.Errorf("%w: file storage requires dir", domain.ErrConfigInvalid)
		}
	case StorageS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("%w: s3 storage requires s3.bucket", domain.ErrConfigInvalid)
		}
	case StorageMinIO:
		if strings.TrimSpace(c.MinIO.Endpoint) == "" || strings.TrimSpace(c.MinIO.Bucket) == "" {
			return fmt.Errorf("%w: minio storage requires minio.endpoint and minio.bucket", domain.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage kind %q", domain.ErrConfigInvalid, c.Kind)
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("%w: max_bytes must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate checks budgets by building a throwaway tracker.
func (c *CostConfig) Validate() error {
	if c.LedgerPath != "" && c.Dynamo.Table != "" {
		return fmt.Errorf("%w: cost ledger_path and dynamo.table are mutually exclusive", domain.ErrConfigInvalid)
	}
	t, err := cost.NewTracker(cost.TrackerConfig{Budgets: c.Budgets})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return t.Close()
}

// Validate checks the policy section.
func (c *PolicyConfig) Validate() error {
	if c.Dir == "" {
		return nil
	}
	info, err := os.Stat(c.Dir)
	if err != nil {
		return fmt.Errorf("%w: policy dir: %v", domain.ErrConfigInvalid, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: policy dir %s is not a directory", domain.ErrConfigInvalid, c.Dir)
	}
	return nil
}
