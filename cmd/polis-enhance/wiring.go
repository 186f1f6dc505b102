package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/polisai/polis-enhance/pkg/audit"
	"github.com/polisai/polis-enhance/pkg/config"
	"github.com/polisai/polis-enhance/pkg/cost"
	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/engine"
	"github.com/polisai/polis-enhance/pkg/llm"
	"github.com/polisai/polis-enhance/pkg/policy"
	"github.com/polisai/polis-enhance/pkg/storage"
	"github.com/polisai/polis-enhance/pkg/strategy"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

// app holds the long-lived collaborators shared by every generation of
// orchestrators. Reloads rebuild orchestrators, never these.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	documents domain.DocumentStore
	invoker   llm.Invoker
	tracker   *cost.Tracker
	stream    *audit.Stream
	auditDB   *audit.SQLiteSink

	closers []func() error
}

type appOptions struct {
	// documents replaces the configured store.
	documents domain.DocumentStore
	// invoker replaces the HTTP client.
	invoker llm.Invoker
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.documents = opts.documents
	if a.documents == nil {
		if a.documents, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}

	a.invoker = opts.invoker
	if a.invoker == nil {
		httpCfg := cfg.LLM
		httpCfg.Logger = logger
		a.invoker = llm.NewHTTPClient(httpCfg)
	}

	var ledger cost.Ledger
	switch {
	case cfg.Cost.LedgerPath != "":
		bolt, err := cost.OpenBoltLedger(cfg.Cost.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open cost ledger: %w", err)
		}
		ledger = bolt
	case cfg.Cost.Dynamo.Table != "":
		dynamo, err := cost.OpenDynamoLedger(ctx, cfg.Cost.Dynamo)
		if err != nil {
			return nil, fmt.Errorf("open cost ledger: %w", err)
		}
		ledger = dynamo
	}
	if a.tracker, err = cost.NewTracker(cost.TrackerConfig{
		Budgets: cfg.Cost.Budgets,
		Ledger:  ledger,
		Logger:  logger,
	}); err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		return nil, err
	}
	a.closers = append(a.closers, a.tracker.Close)

	var sinks []domain.AuditSink
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.Audit.SQLitePath != "" {
		if a.auditDB, err = audit.OpenSQLiteSink(ctx, cfg.Audit.SQLitePath); err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		a.closers = append(a.closers, a.auditDB.Close)
		sinks = append(sinks, a.auditDB)
	}
	a.stream = audit.NewStream(logger, sinks...)

	return a, nil
}

func (a *app) openStore(ctx context.Context) (domain.DocumentStore, error) {
	s := a.cfg.Storage
	switch s.Kind {
	case config.StorageFile:
		fsStore, err := storage.OpenFileStore(s.Dir, s.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		a.closers = append(a.closers, fsStore.Close)
		return fsStore, nil
	case config.StorageS3:
		s3cfg := s.S3
		if s3cfg.MaxBytes == 0 {
			s3cfg.MaxBytes = s.MaxBytes
		}
		return storage.OpenS3Store(ctx, s3cfg)
	case config.StorageMinIO:
		minioCfg := s.MinIO
		if minioCfg.MaxBytes == 0 {
			minioCfg.MaxBytes = s.MaxBytes
		}
		return storage.OpenMinIOStore(minioCfg)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// buildPolicy compiles the Rego modules of cfg, or returns nil when policy
// enforcement is off.
func buildPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (policy.Evaluator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	modules, err := loadRegoModules(cfg.Dir)
	if err != nil {
		return nil, err
	}
	restricted := make([]domain.StrategyID, 0, len(cfg.RestrictedStrategies))
	for _, id := range cfg.RestrictedStrategies {
		restricted = append(restricted, domain.StrategyID(id))
	}
	eng, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:           cfg.Entrypoint,
		Modules:              modules,
		CacheMaxEntries:      cfg.CacheMaxEntries,
		RestrictedStrategies: restricted,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return eng, nil
}

func loadRegoModules(dir string) (map[string]string, error) {
	if dir == "" {
		return nil, nil
	}
	modules := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") || strings.HasSuffix(d.Name(), "_test.rego") {
			return nil
		}
		//nolint:gosec // Policy directory is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		modules[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load policy modules from %s: %w", dir, err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: no .rego modules in %s", domain.ErrConfigInvalid, dir)
	}
	return modules, nil
}

func buildCatalog(ctx context.Context, cfg config.StrategyConfig) (*strategy.Catalog, error) {
	catalog := strategy.Builtin()
	if cfg.TemplatesDir == "" {
		return catalog, nil
	}
	return catalog.WithTemplates(ctx, strategy.NewDirTemplates(cfg.TemplatesDir))
}

// orchestrators builds one orchestrator per enabled mode of cfg.
func (a *app) orchestrators(ctx context.Context, cfg *config.Config) ([]*engine.Orchestrator, error) {
	evaluator, err := buildPolicy(ctx, cfg.Policy, a.logger)
	if err != nil {
		return nil, err
	}
	catalog, err := buildCatalog(ctx, cfg.Strategy)
	if err != nil {
		return nil, err
	}

	var out []*engine.Orchestrator
	for _, mode := range cfg.EnabledModes() {
		profile, err := cfg.Profile(mode)
		if err != nil {
			return nil, err
		}
		o, err := engine.New(profile, engine.Dependencies{
			Documents:     a.documents,
			Invoker:       a.invoker,
			Catalog:       catalog,
			Tracker:       a.tracker,
			Prices:        cfg.Cost.Prices,
			Policy:        evaluator,
			Audit:         a.stream,
			Metrics:       a.metrics,
			SpanRedaction: cfg.Telemetry.Redact,
			Logger:        a.logger.With("mode", string(mode)),
		})
		if err != nil {
			return nil, fmt.Errorf("build %s orchestrator: %w", mode, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (a *app) manager(ctx context.Context) (*engine.Manager, error) {
	orchs, err := a.orchestrators(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	return engine.NewManager(a.cfg.DefaultMode(), orchs...)
}

// apply swaps in the orchestrators of a reloaded configuration. Sections
// backing shared collaborators only take effect on restart.
func (a *app) apply(ctx context.Context, m *engine.Manager, snap config.Snapshot) error {
	orchs, err := a.orchestrators(ctx, snap.Config)
	if err != nil {
		return err
	}
	if err := m.Swap(snap.Config.DefaultMode(), orchs...); err != nil {
		return err
	}
	if restartOnly(a.cfg, snap.Config) {
		a.logger.Warn("Settings outside profiles and policy changed; restart to apply them",
			"generation", snap.Generation)
	}
	return nil
}

func restartOnly(old, next *config.Config) bool {
	return old.Storage.Kind != next.Storage.Kind ||
		old.Storage.Dir != next.Storage.Dir ||
		old.Storage.S3 != next.Storage.S3 ||
		old.Storage.MinIO != next.Storage.MinIO ||
		old.Cost.LedgerPath != next.Cost.LedgerPath ||
		old.Cost.Dynamo != next.Cost.Dynamo ||
		!slices.Equal(old.Cost.Budgets, next.Cost.Budgets) ||
		old.Audit != next.Audit ||
		old.Server != next.Server ||
		old.LLM.BaseURL != next.LLM.BaseURL
}

// Close releases collaborators in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
