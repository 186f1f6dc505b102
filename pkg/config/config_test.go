package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-enhance/pkg/cost"
	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/engine"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

const sampleYAML = `
mode: performance
modes: [basic, secure]
server:
  address: ":9090"
  read_timeout: 5s
logging:
  level: debug
llm:
  model: gpt-4o-mini
  timeout: 45s
storage:
  kind: file
  dir: /srv/docs
cost:
  budgets:
    - scope: "principal:*"
      period: daily
      ceiling_usd: 2.5
profiles:
  Performance:
    workers: 12
    cache:
      ttl: 10m
    rate_limit:
      principal:
        capacity: 5
        refill_per_second: 0.5
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "enhance.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, domain.ModePerformance, cfg.DefaultMode())
	assert.Equal(t, []domain.OperationMode{domain.ModePerformance, domain.ModeBasic, domain.ModeSecure}, cfg.EnabledModes())
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, StorageFile, cfg.Storage.Kind)
	require.Len(t, cfg.Cost.Budgets, 1)
	assert.Equal(t, cost.PeriodDaily, cfg.Cost.Budgets[0].Period)
	assert.True(t, cfg.Audit.Log)

	p, err := cfg.Profile(domain.ModePerformance)
	require.NoError(t, err)
	assert.Equal(t, 12, p.Workers)
	assert.Equal(t, 10*time.Minute, p.Cache.TTL)
	assert.Equal(t, 5, p.RateLimit.Principal.Capacity)
	assert.Equal(t, "gpt-4o-mini", p.Model, "model falls back to the llm section")
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "enhance.toml", `
mode = "secure"

[server]
address = ":7070"
shutdown_timeout = "3s"

[profiles.secure]
workers = 3

[profiles.secure.security]
postures = { pii = "fail-open" }
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeSecure, cfg.DefaultMode())
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)

	p, err := cfg.Profile(domain.ModeSecure)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Workers)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "mode: basic\nturbo: true\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", "mode = \"basic\"\nturbo = true\n"))
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeBasic, cfg.DefaultMode())
	assert.Equal(t, StorageMemory, cfg.Storage.Kind)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENHANCE_MODE", "secure")
	t.Setenv("ENHANCE_ADDR", ":6060")
	t.Setenv("ENHANCE_LOG_PRETTY", "true")
	t.Setenv("ENHANCE_LLM_MODEL", "gpt-4.1")
	t.Setenv("ENHANCE_LEDGER_PATH", "/var/lib/enhance/ledger.db")

	cfg, err := Load(writeFile(t, "enhance.yaml", "mode: basic\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeSecure, cfg.DefaultMode())
	assert.Equal(t, ":6060", cfg.Server.Address)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, "gpt-4.1", cfg.LLM.DefaultModel)
	assert.Equal(t, "/var/lib/enhance/ledger.db", cfg.Cost.LedgerPath)

	t.Setenv("ENHANCE_LOG_PRETTY", "sometimes")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":           func(c *Config) { c.Mode = "turbo" },
		"modes":          func(c *Config) { c.Modes = []string{"turbo"} },
		"profile key":    func(c *Config) { c.Profiles = map[string]engine.Overrides{"turbo": {}} },
		"profile values": func(c *Config) { c.Profiles = map[string]engine.Overrides{"basic": {Workers: -1}} },
		"storage kind":   func(c *Config) { c.Storage.Kind = "tape" },
		"file dir":       func(c *Config) { c.Storage.Kind = StorageFile },
		"s3 bucket":      func(c *Config) { c.Storage.Kind = StorageS3 },
		"minio location": func(c *Config) { c.Storage.Kind = StorageMinIO; c.Storage.MinIO.Bucket = "docs" },
		"budget":         func(c *Config) { c.Cost.Budgets = []cost.Budget{{Scope: "", Ceiling: 1}} },
		"two ledgers": func(c *Config) {
			c.Cost.LedgerPath = filepath.Join(t.TempDir(), "spend.db")
			c.Cost.Dynamo.Table = "enhance-spend"
		},
		"sample ratio": func(c *Config) { c.Telemetry.SampleRatio = 2 },
		"policy dir":   func(c *Config) { c.Policy.Dir = filepath.Join(t.TempDir(), "missing") },
		"timeouts":     func(c *Config) { c.Server.ReadTimeout = -time.Second },
		"tls files":    func(c *Config) { c.Server.TLS.Enabled = true },
		"redaction":    func(c *Config) { c.Telemetry.Redact = map[string]string{"enhance.principal": "shred"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrConfigInvalid)
		})
	}
}

func TestWatcher_ReloadKeepsLastGoodConfig(t *testing.T) {
	path := writeFile(t, "enhance.yaml", "mode: basic\n")
	metrics := telemetry.NewMetrics()

	w, err := NewWatcher(path, WithMetrics(metrics))
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Current().Generation)
	updates := w.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("mode: secure\n"), 0o600))
	snap, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Generation)
	assert.Equal(t, domain.ModeSecure, snap.Config.DefaultMode())

	select {
	case got := <-updates:
		assert.Equal(t, int64(2), got.Generation)
	default:
		t.Fatal("subscriber was not notified")
	}

	require.NoError(t, os.WriteFile(path, []byte("mode: turbo\n"), 0o600))
	snap, err = w.Reload()
	require.Error(t, err)
	assert.Equal(t, int64(2), snap.Generation)
	assert.Equal(t, domain.ModeSecure, w.Current().Config.DefaultMode())
	select {
	case <-updates:
		t.Fatal("invalid configuration must not be published")
	default:
	}
}

func TestWatcher_Validator(t *testing.T) {
	path := writeFile(t, "enhance.yaml", "mode: basic\n")
	veto := errors.New("secure mode needs a passphrase")
	w, err := NewWatcher(path, WithValidator(func(c *Config) error {
		if c.DefaultMode() == domain.ModeSecure {
			return veto
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("mode: secure\n"), 0o600))
	_, err = w.Reload()
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, domain.ModeBasic, w.Current().Config.DefaultMode())
}

func TestWatcher_SubscribersSeeLatest(t *testing.T) {
	path := writeFile(t, "enhance.yaml", "mode: basic\n")
	w, err := NewWatcher(path)
	require.NoError(t, err)
	updates := w.Subscribe()

	for range 3 {
		_, err := w.Reload()
		require.NoError(t, err)
	}
	got := <-updates
	assert.Equal(t, int64(4), got.Generation)
}

func TestWatcher_FileEventsTriggerReload(t *testing.T) {
	path := writeFile(t, "enhance.yaml", "mode: basic\n")
	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	updates := w.Subscribe()

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("mode: enterprise\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case snap := <-updates:
			reloaded = snap.Config.DefaultMode() == domain.ModeEnterprise
		case <-deadline:
			t.Fatal("watcher did not reload after the file changed")
		}
	}
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "stop is idempotent")
}

func TestNewWatcher_RequiresValidInitialConfig(t *testing.T) {
	_, err := NewWatcher(writeFile(t, "enhance.yaml", "mode: turbo\n"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = NewWatcher("")
	assert.Error(t, err)
}
