package cost

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-enhance/pkg/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T, budgets ...Budget) (*Tracker, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 10, 17, 15, 0, 0, 0, time.UTC)}
	tr, err := NewTracker(TrackerConfig{Budgets: budgets, Clock: c.Now})
	require.NoError(t, err)
	return tr, c
}

func TestPeriodWindows(t *testing.T) {
	at := time.Date(2026, 10, 17, 23, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	assert.Equal(t, "2026-10-17", PeriodDaily.Window(at))
	assert.Equal(t, "2026-W42", PeriodWeekly.Window(at))
	assert.Equal(t, "2026-10", PeriodMonthly.Window(at))
	assert.Equal(t, "all", PeriodLifetime.Window(at))

	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), PeriodDaily.Start(at))
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), PeriodWeekly.Start(at))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), PeriodMonthly.Start(at))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, PeriodWeekly, p)

	p, err = ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, PeriodDaily, p)

	_, err = ParsePeriod("hourly")
	assert.Error(t, err)
}

func TestNewTracker_Validation(t *testing.T) {
	_, err := NewTracker(TrackerConfig{Budgets: []Budget{{Scope: "", Ceiling: 1}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = NewTracker(TrackerConfig{Budgets: []Budget{{Scope: "global", Ceiling: -1}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = NewTracker(TrackerConfig{Budgets: []Budget{{Scope: "global", Ceiling: 1}, {Scope: "global", Ceiling: 2}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReserve_AllOrNothing(t *testing.T) {
	tr, _ := newTracker(t,
		Budget{Scope: "principal:*", Period: PeriodDaily, Ceiling: 1.0},
		Budget{Scope: "global", Period: PeriodDaily, Ceiling: 0.5},
	)
	ctx := context.Background()

	_, err := tr.Reserve(ctx, nil, []string{"principal:alice", "global"}, 0.6)
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "global", exceeded.Scope)
	assert.InDelta(t, 0.5, exceeded.Remaining, 1e-9)

	usage, err := tr.Usage(ctx, "principal:alice")
	require.NoError(t, err)
	assert.Zero(t, usage.Reserved, "refused reservation must not hold on other scopes")
	assert.InDelta(t, 1.0, usage.Remaining(), 1e-9)
}

func TestReserve_SettleAndRelease(t *testing.T) {
	tr, _ := newTracker(t, Budget{Scope: "principal:alice", Ceiling: 1.0})
	ctx := context.Background()

	r, err := tr.Reserve(ctx, nil, []string{"principal:alice"}, 0.4)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, r.Amount(), 1e-9)
	usage, _ := tr.Usage(ctx, "principal:alice")
	assert.InDelta(t, 0.4, usage.Reserved, 1e-9)

	require.NoError(t, r.Settle(ctx, 0.25))
	usage, _ = tr.Usage(ctx, "principal:alice")
	assert.InDelta(t, 0.25, usage.Spent, 1e-9)
	assert.Zero(t, usage.Reserved)
	assert.ErrorIs(t, r.Settle(ctx, 0.25), ErrReservationClosed)

	r, err = tr.Reserve(ctx, nil, []string{"principal:alice"}, 0.7)
	require.NoError(t, err)
	r.Release()
	r.Release()
	usage, _ = tr.Usage(ctx, "principal:alice")
	assert.InDelta(t, 0.75, usage.Remaining(), 1e-9)
}

func TestReserve_UnlimitedScope(t *testing.T) {
	tr, _ := newTracker(t, Budget{Scope: "principal:alice", Ceiling: 1})
	ctx := context.Background()

	r, err := tr.Reserve(ctx, nil, []string{"source:10.0.0.1"}, 1000)
	require.NoError(t, err)
	require.NoError(t, r.Settle(ctx, 1000))

	usage, err := tr.Usage(ctx, "source:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, usage.Limited)
	assert.True(t, math.IsInf(usage.Remaining(), 1))
}

func TestReserve_RejectsBadAmounts(t *testing.T) {
	tr, _ := newTracker(t)
	for _, amount := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := tr.Reserve(context.Background(), nil, nil, amount)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestRequestBudget(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	req := NewRequestBudget(0.10)

	first, err := tr.Reserve(ctx, req, nil, 0.06)
	require.NoError(t, err)

	_, err = tr.Reserve(ctx, req, nil, 0.06)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, RequestScope, exceeded.Scope)

	require.NoError(t, first.Settle(ctx, 0.02))
	assert.InDelta(t, 0.02, req.Consumed(), 1e-9)
	assert.InDelta(t, 0.08, req.Remaining(), 1e-9)

	_, err = tr.Reserve(ctx, req, nil, 0.06)
	assert.NoError(t, err)

	assert.True(t, math.IsInf(NewRequestBudget(0).Remaining(), 1))
}

func TestReserve_ConcurrentNeverOverspends(t *testing.T) {
	tr, _ := newTracker(t, Budget{Scope: "global", Ceiling: 1.0})
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := tr.Reserve(ctx, nil, []string{"global"}, 0.1)
			if err != nil {
				return
			}
			admitted.Add(1)
			_ = r.Settle(ctx, 0.1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	usage, err := tr.Usage(ctx, "global")
	require.NoError(t, err)
	assert.LessOrEqual(t, usage.Spent, 1.0+1e-9)
}

func TestReserve_SpendNeverExceedsCeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.Float64Range(0.01, 10).Draw(t, "ceiling")
		tr, err := NewTracker(TrackerConfig{Budgets: []Budget{{Scope: "*", Ceiling: ceiling}}})
		require.NoError(t, err)
		ctx := context.Background()

		ops := rapid.SliceOfN(rapid.Float64Range(0, 2), 1, 40).Draw(t, "amounts")
		for i, amount := range ops {
			r, err := tr.Reserve(ctx, nil, []string{"principal:p"}, amount)
			if err != nil {
				require.ErrorIs(t, err, domain.ErrBudgetExceeded)
				continue
			}
			if i%3 == 0 {
				r.Release()
				continue
			}
			require.NoError(t, r.Settle(ctx, amount))
		}
		usage, err := tr.Usage(ctx, "principal:p")
		require.NoError(t, err)
		require.LessOrEqual(t, usage.Spent, ceiling+1e-6)
		require.Zero(t, usage.Reserved)
	})
}

func TestCharge_WindowRollover(t *testing.T) {
	tr, c := newTracker(t, Budget{Scope: "principal:*", Period: PeriodDaily, Ceiling: 1.0})
	ctx := context.Background()

	remaining, err := tr.Charge(ctx, "principal:bob", 0.75)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, remaining, 1e-9)

	remaining, err = tr.Charge(ctx, "principal:bob", 0.5)
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.InDelta(t, 0.25, remaining, 1e-9)

	c.Advance(9 * time.Hour)
	remaining, err = tr.Charge(ctx, "principal:bob", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, remaining, 1e-9)

	usage, err := tr.Usage(ctx, "principal:bob")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", usage.Window)
}

func TestBoltLedger_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	budgets := []Budget{{Scope: "principal:*", Period: PeriodMonthly, Ceiling: 5}}
	ctx := context.Background()

	ledger, err := OpenBoltLedger(path)
	require.NoError(t, err)
	tr, err := NewTracker(TrackerConfig{Budgets: budgets, Ledger: ledger})
	require.NoError(t, err)
	_, err = tr.Charge(ctx, "principal:carol", 1.5)
	require.NoError(t, err)
	_, err = tr.Charge(ctx, "principal:carol", 1.0)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	ledger, err = OpenBoltLedger(path)
	require.NoError(t, err)
	tr, err = NewTracker(TrackerConfig{Budgets: budgets, Ledger: ledger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	usage, err := tr.Usage(ctx, "principal:carol")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, usage.Spent, 1e-9)
	assert.InDelta(t, 2.5, usage.Remaining(), 1e-9)
}

func TestPriceTable(t *testing.T) {
	table := DefaultPriceTable()

	assert.InDelta(t, 0.0025+0.01, table.Cost("gpt-4o", 1000, 1000), 1e-12)
	assert.Equal(t, table.Lookup("gpt-4o"), table.Lookup("GPT-4O"))
	assert.Equal(t, table.Default, table.Lookup("unknown-model"))
	assert.Zero(t, table.Cost("local", 5000, 5000))

	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("0123456789"))

	prompt := "0123456789"
	assert.InDelta(t, table.Cost("gpt-4o", 3, 3), table.Estimate("gpt-4o", prompt, 0), 1e-12)
	assert.InDelta(t, table.Cost("gpt-4o", 3, 100), table.Estimate("gpt-4o", prompt, 100), 1e-12)
	assert.Zero(t, Pricing{InputPer1K: 1}.Cost(-5, 0))
}
