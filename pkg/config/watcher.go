package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-enhance/pkg/telemetry"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics records reload outcomes.
func WithMetrics(m *telemetry.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithValidator adds a check run against every candidate configuration
// before it is published. A failing check keeps the current snapshot.
func WithValidator(fn func(*Config) error) WatcherOption {
	return func(w *Watcher) { w.validate = fn }
}

// Watcher keeps the latest valid configuration of a file. Invalid edits are
// logged and ignored; subscribers only ever see validated snapshots.
type Watcher struct {
	path     string
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	debounce time.Duration
	validate func(*Config) error
	now      func() time.Time

	mu          sync.RWMutex
	current     Snapshot
	subscribers []chan Snapshot

	lifecycle sync.Mutex
	fsw       *fsnotify.Watcher
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher loads path and returns a watcher holding generation 1. The
// initial load must succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config: watcher requires a file path")
	}
	w := &Watcher{
		path:     path,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := w.load()
	if err != nil {
		return nil, err
	}
	w.current = Snapshot{Generation: 1, LoadedAt: w.now(), Path: path, Config: cfg}
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel receiving each new snapshot. Slow readers see
// only the latest one.
func (w *Watcher) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) load() (*Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	if w.validate != nil {
		if err := w.validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration rejected: %w", err)
		}
	}
	return cfg, nil
}

// Reload re-reads the file. On failure the current snapshot is kept and the
// error returned.
func (w *Watcher) Reload() (Snapshot, error) {
	start := w.now()
	cfg, err := w.load()
	if err != nil {
		w.metrics.RecordConfigReload("validation_failed")
		w.logger.Error("Config reload failed, keeping current configuration",
			"config_path", w.path, "error", err)
		return w.Current(), err
	}

	w.mu.Lock()
	snap := Snapshot{
		Generation: w.current.Generation + 1,
		LoadedAt:   w.now(),
		Path:       w.path,
		Config:     cfg,
	}
	w.current = snap
	subscribers := make([]chan Snapshot, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		publish(ch, snap)
	}

	w.metrics.RecordConfigReload("success")
	w.logger.Info("Config reload completed successfully",
		"config_path", w.path,
		"generation", snap.Generation,
		"duration", w.now().Sub(start))
	return snap, nil
}

func publish(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Start watches the file until ctx is done or Stop is called. The parent
// directory is watched so editors that replace the file by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watchLoop(ctx, fsw, w.done)

	w.logger.Info("Config watcher started", "config_path", w.path)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.fsw == nil {
		return nil
	}
	w.cancel()
	<-w.done
	err := w.fsw.Close()
	w.fsw = nil
	return err
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	target, err := filepath.Abs(w.path)
	if err != nil {
		target = filepath.Clean(w.path)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config file event detected", "event", event.Op.String(), "file", event.Name)
			timer.Reset(w.debounce)

		case <-timer.C:
			_, _ = w.Reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Info("Config watcher stopped", "config_path", w.path)
			return
		}
	}
}
