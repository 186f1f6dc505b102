package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tlsconf "github.com/polisai/polis-enhance/internal/tls"
	"github.com/polisai/polis-enhance/pkg/config"
	"github.com/polisai/polis-enhance/pkg/engine"
	"github.com/polisai/polis-enhance/pkg/logging"
	"github.com/polisai/polis-enhance/pkg/server"
	"github.com/polisai/polis-enhance/pkg/telemetry"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the enhancement API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, flags, addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (overrides config)")
	return cmd
}

// loadConfig reads the configuration and applies the logging flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	applyLogFlags(cmd, flags, cfg)
	return cfg, nil
}

func applyLogFlags(cmd *cobra.Command, flags *rootFlags, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty = flags.pretty
	}
	cfg.Logging.Output = cmd.ErrOrStderr()
}

func runServe(ctx context.Context, cmd *cobra.Command, flags *rootFlags, addr string) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Address = addr
	}

	logger := logging.SetupLogger(cfg.Logging)

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	}()

	manager, err := a.manager(ctx)
	if err != nil {
		return err
	}
	go manager.Run(ctx)

	if flags.config != "" {
		watcher, err := startReloads(ctx, a, manager, flags.config, logger)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	handler, err := server.New(server.Config{
		Engine:       manager,
		Metrics:      a.metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.Server.TLS.Enabled {
		if srv.TLSConfig, err = serverTLS(ctx, cfg.Server.TLS, logger); err != nil {
			return err
		}
	}
	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Server.Address, err)
	}

	logger.Info("Server listening",
		"addr", listener.Addr().String(),
		"tls", srv.TLSConfig != nil,
		"default_mode", manager.DefaultMode(),
		"modes", manager.Modes())

	serveErr := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			serveErr <- srv.ServeTLS(listener, "", "")
			return
		}
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// serverTLS loads the listener certificate and keeps it current as the
// files rotate.
func serverTLS(ctx context.Context, cfg tlsconf.Config, logger *slog.Logger) (*tls.Config, error) {
	reloader, err := tlsconf.NewReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, err
	}
	if err := reloader.Watch(ctx); err != nil {
		return nil, err
	}
	return tlsconf.BuildServer(cfg, reloader)
}

// startReloads applies every new configuration snapshot to the manager.
// SIGHUP forces a reload in addition to file events.
func startReloads(ctx context.Context, a *app, m *engine.Manager, path string, logger *slog.Logger) (*config.Watcher, error) {
	w, err := config.NewWatcher(path,
		config.WithLogger(logger),
		config.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	updates := w.Subscribe()
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("Received SIGHUP, reloading configuration")
				_, _ = w.Reload()
			case snap := <-updates:
				if err := a.apply(ctx, m, snap); err != nil {
					a.metrics.RecordConfigReload("application_failed")
					logger.Error("Failed to apply configuration", "generation", snap.Generation, "error", err)
					continue
				}
				logger.Info("Configuration applied",
					"generation", snap.Generation,
					"engine_generation", m.Generation(),
					"modes", m.Modes())
			}
		}
	}()
	return w, nil
}
