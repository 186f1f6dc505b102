package cache

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically sweeps a store. It runs only while Run's context is live.
type Janitor struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor for store.
func NewJanitor(store Store, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, interval: interval, logger: logger}
}

// Run blocks until ctx is done, calling EvictIfNeeded on every tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := j.store.EvictIfNeeded(); removed > 0 {
				j.logger.Debug("cache sweep", "kind", j.store.Kind(), "removed", removed, "entries", j.store.Len())
			}
		}
	}
}
