package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Group coalesces concurrent computations for the same fingerprint so that at
// most one is in flight. Every waiter receives the same result.
//
// A waiter whose context is cancelled stops waiting immediately; the shared
// computation keeps running for the remaining waiters and is cancelled only
// when the last waiter has gone.
type Group[T any] struct {
	sf      singleflight.Group
	mu      sync.Mutex
	flights map[domain.Fingerprint]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
	arrived int
}

// Waiter describes how a caller took part in a coalesced computation.
type Waiter struct {
	// Shared is true when the result was produced for more than one caller.
	Shared bool
	// Position is the caller's arrival order within the flight, starting at 0.
	Position int
}

// NewGroup returns an empty coalescing group.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{flights: make(map[domain.Fingerprint]*flight)}
}

// Do runs fn once per in-flight fingerprint. fn receives a context that carries
// the values of the first caller's context but is cancelled only when every
// waiter has cancelled.
func (g *Group[T]) Do(ctx context.Context, fp domain.Fingerprint, fn func(context.Context) (T, error)) (T, Waiter, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, Waiter{}, err
	}

	f, position := g.join(ctx, fp)
	key := fp.String()

	ch := g.sf.DoChan(key, func() (any, error) {
		return fn(f.ctx)
	})

	select {
	case res := <-ch:
		g.leave(fp, f, false)
		waiter := Waiter{Shared: res.Shared, Position: position}
		if res.Err != nil {
			return zero, waiter, res.Err
		}
		return res.Val.(T), waiter, nil
	case <-ctx.Done():
		g.leave(fp, f, true)
		return zero, Waiter{Position: position}, ctx.Err()
	}
}

// InFlight reports the number of fingerprints with a running computation.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

func (g *Group[T]) join(ctx context.Context, fp domain.Fingerprint) (*flight, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[fp]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[fp] = f
	}
	f.waiters++
	position := f.arrived
	f.arrived++
	return f, position
}

func (g *Group[T]) leave(fp domain.Fingerprint, f *flight, cancelled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if g.flights[fp] == f {
		delete(g.flights, fp)
	}
	if cancelled {
		// Nobody is waiting any more: stop the work and make sure a later
		// caller starts a fresh computation instead of joining this one.
		g.sf.Forget(fp.String())
	}
	f.cancel()
}
