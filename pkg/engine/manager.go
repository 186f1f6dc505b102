package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// registry is one immutable generation of orchestrators.
type registry struct {
	generation  int64
	defaultMode domain.OperationMode
	byMode      map[domain.OperationMode]*Orchestrator
}

// Manager routes requests to the orchestrator of their mode. Reconfiguration
// swaps the whole set of orchestrators; requests already running finish on
// the generation they started with.
type Manager struct {
	current atomic.Pointer[registry]

	mu            sync.Mutex
	runCtx        context.Context
	stopJanitors  context.CancelFunc
	janitorsGroup sync.WaitGroup
}

// NewManager returns a manager serving orchestrators, with defaultMode used
// for requests that do not name a mode.
func NewManager(defaultMode domain.OperationMode, orchestrators ...*Orchestrator) (*Manager, error) {
	m := &Manager{}
	if err := m.Swap(defaultMode, orchestrators...); err != nil {
		return nil, err
	}
	return m, nil
}

func buildRegistry(generation int64, defaultMode domain.OperationMode, orchestrators []*Orchestrator) (*registry, error) {
	if len(orchestrators) == 0 {
		return nil, fmt.Errorf("%w: engine: at least one orchestrator is required", domain.ErrConfigInvalid)
	}
	r := &registry{
		generation:  generation,
		defaultMode: defaultMode,
		byMode:      make(map[domain.OperationMode]*Orchestrator, len(orchestrators)),
	}
	for _, o := range orchestrators {
		if _, dup := r.byMode[o.Mode()]; dup {
			return nil, fmt.Errorf("%w: engine: duplicate orchestrator for mode %s", domain.ErrConfigInvalid, o.Mode())
		}
		r.byMode[o.Mode()] = o
	}
	if _, ok := r.byMode[defaultMode]; !ok {
		return nil, fmt.Errorf("%w: engine: no orchestrator for default mode %s", domain.ErrConfigInvalid, defaultMode)
	}
	return r, nil
}

// Swap installs a new generation of orchestrators atomically.
// Concurrent swaps are serialised so every generation is published once.
func (m *Manager) Swap(defaultMode domain.OperationMode, orchestrators ...*Orchestrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var generation int64 = 1
	if prev := m.current.Load(); prev != nil {
		generation = prev.generation + 1
	}
	r, err := buildRegistry(generation, defaultMode, orchestrators)
	if err != nil {
		return err
	}
	m.current.Store(r)

	if m.runCtx != nil {
		m.restartJanitorsLocked(r)
	}
	return nil
}

// Generation counts successful swaps, starting at 1.
func (m *Manager) Generation() int64 { return m.current.Load().generation }

// DefaultMode returns the mode used for requests without one.
func (m *Manager) DefaultMode() domain.OperationMode { return m.current.Load().defaultMode }

// Modes lists the configured modes in a stable order.
func (m *Manager) Modes() []domain.OperationMode {
	r := m.current.Load()
	out := make([]domain.OperationMode, 0, len(r.byMode))
	for mode := range r.byMode {
		out = append(out, mode)
	}
	slices.Sort(out)
	return out
}

// Orchestrator returns the orchestrator serving mode in the current generation.
func (m *Manager) Orchestrator(mode domain.OperationMode) (*Orchestrator, bool) {
	r := m.current.Load()
	if mode == "" {
		mode = r.defaultMode
	}
	o, ok := r.byMode[mode]
	return o, ok
}

// Enhance routes req by its mode.
func (m *Manager) Enhance(ctx context.Context, req domain.EnhancementRequest) (*domain.EnhancementResult, error) {
	mode := req.Mode
	if mode != "" {
		parsed, err := domain.ParseMode(string(mode))
		if err != nil {
			return nil, domain.InvalidInput("%v", err)
		}
		mode = parsed
		req.Mode = parsed
	}
	o, ok := m.Orchestrator(mode)
	if !ok {
		return nil, domain.InvalidInput("mode %q is not enabled", mode)
	}
	return o.Enhance(ctx, req)
}

// Run keeps the janitors of the current generation running until ctx is
// done, following swaps.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.restartJanitorsLocked(m.current.Load())
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	if m.stopJanitors != nil {
		m.stopJanitors()
	}
	m.runCtx = nil
	m.mu.Unlock()
	m.janitorsGroup.Wait()
}

func (m *Manager) restartJanitorsLocked(r *registry) {
	if m.stopJanitors != nil {
		m.stopJanitors()
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	m.stopJanitors = cancel
	for _, o := range r.byMode {
		m.janitorsGroup.Go(func() { o.RunJanitor(ctx) })
	}
}
