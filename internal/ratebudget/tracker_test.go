package ratebudget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(limit, margin int) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := New(Options{
		DefaultLimit: limit,
		SafetyMargin: margin,
		Now:          clock.Now,
	})
	return tr, clock
}

func TestReserve_DeniedBelowSafetyMargin(t *testing.T) {
	tr, clock := newTestTracker(100, 10)
	resetAt := clock.Now().Add(30 * time.Minute)
	tr.Observe(Snapshot{Limit: 5000, Remaining: 25, ResetAt: resetAt})

	res := tr.Reserve(ResourceCore, 10)
	require.True(t, res.Granted)

	denied := tr.Reserve(ResourceCore, 10)
	assert.False(t, denied.Granted)
	assert.Equal(t, resetAt, denied.WaitUntil)
}

func TestReserve_NeverOversellsUnderConcurrency(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	tr.Observe(Snapshot{Limit: 5000, Remaining: 97, ResetAt: clock.Now().Add(time.Hour)})

	const attempts = 200
	const cost = 3

	var granted int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if tr.Reserve(ResourceCore, cost).Granted {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, granted*cost, int64(97))
	assert.Equal(t, int64(97/cost), granted)
	assert.Equal(t, int(granted)*cost, tr.Pending())
}

func TestCommit_AppliesAuthoritativeRemaining(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	resetAt := clock.Now().Add(time.Hour)

	res := tr.Reserve(ResourceCore, 1)
	require.True(t, res.Granted)

	tr.Commit(res, &Snapshot{Limit: 5000, Remaining: 4200, ResetAt: resetAt})

	snap := tr.Snapshot(ResourceCore)
	assert.Equal(t, 4200, snap.Remaining)
	assert.Equal(t, resetAt, snap.ResetAt)
	assert.Zero(t, tr.Pending())
}

func TestObserve_IgnoresStaleHigherRemainingInSameWindow(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	resetAt := clock.Now().Add(time.Hour)

	tr.Observe(Snapshot{Remaining: 300, ResetAt: resetAt})
	tr.Observe(Snapshot{Remaining: 320, ResetAt: resetAt})
	assert.Equal(t, 300, tr.Snapshot(ResourceCore).Remaining)

	// A previous window's report is ignored entirely.
	tr.Observe(Snapshot{Remaining: 10, ResetAt: resetAt.Add(-time.Hour)})
	assert.Equal(t, 300, tr.Snapshot(ResourceCore).Remaining)

	// A new window replaces the count.
	tr.Observe(Snapshot{Remaining: 4999, ResetAt: resetAt.Add(time.Hour)})
	assert.Equal(t, 4999, tr.Snapshot(ResourceCore).Remaining)
}

func TestRollover_RestoresDefaultAfterReset(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	tr.Observe(Snapshot{Limit: 5000, Remaining: 0, ResetAt: clock.Now().Add(time.Minute)})
	assert.False(t, tr.Reserve(ResourceCore, 1).Granted)

	clock.Advance(2 * time.Minute)

	assert.True(t, tr.Reserve(ResourceCore, 1).Granted)
	assert.Equal(t, 5000, tr.Snapshot(ResourceCore).Remaining)
}

func TestRelease_ReturnsBudget(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	tr.Observe(Snapshot{Remaining: 5, ResetAt: clock.Now().Add(time.Hour)})

	res := tr.Reserve(ResourceCore, 5)
	require.True(t, res.Granted)
	assert.False(t, tr.Reserve(ResourceCore, 1).Granted)

	tr.Release(res)
	tr.Release(res) // settling twice is a no-op
	assert.Zero(t, tr.Pending())
	assert.True(t, tr.Reserve(ResourceCore, 5).Granted)
}

func TestReserve_WaitUntilFallsBackWhenResetUnknown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := New(Options{DefaultLimit: 2, RetryAfter: 7 * time.Second, Now: clock.Now})

	require.True(t, tr.Reserve(ResourceCore, 2).Granted)
	denied := tr.Reserve(ResourceCore, 1)
	assert.False(t, denied.Granted)
	assert.Equal(t, clock.Now().Add(7*time.Second), denied.WaitUntil)
}

func TestPace_RespectsContext(t *testing.T) {
	tr := New(Options{PacePerSecond: 0.001, PaceBurst: 1})
	require.NoError(t, tr.Pace(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, tr.Pace(ctx))
}

func TestReserve_KeepsResourcesApart(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	now := clock.Now()

	tr.Observe(Snapshot{Resource: ResourceGraphQL, Limit: 5000, Remaining: 150, ResetAt: now.Add(10 * time.Minute)})
	tr.Observe(Snapshot{Resource: ResourceCore, Limit: 5000, Remaining: 4990, ResetAt: now.Add(50 * time.Minute)})
	tr.Observe(Snapshot{Resource: ResourceGraphQL, Limit: 5000, Remaining: 0, ResetAt: now.Add(10 * time.Minute)})

	denied := tr.Reserve(ResourceGraphQL, 1)
	assert.False(t, denied.Granted)
	assert.Equal(t, now.Add(10*time.Minute), denied.WaitUntil)
	assert.Equal(t, 0, tr.Snapshot(ResourceGraphQL).Remaining)

	res := tr.Reserve(ResourceCore, 1)
	require.True(t, res.Granted)
	assert.Equal(t, 4990, tr.Snapshot(ResourceCore).Remaining)
	assert.Equal(t, now.Add(10*time.Minute), tr.ResetAt())

	// A snapshot without a resource is booked against the reservation's.
	tr.Commit(res, &Snapshot{Limit: 5000, Remaining: 4989, ResetAt: now.Add(50 * time.Minute)})
	assert.Equal(t, 4989, tr.Snapshot(ResourceCore).Remaining)
	assert.Equal(t, 0, tr.Snapshot(ResourceGraphQL).Remaining)

	snaps := tr.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, ResourceCore, snaps[0].Resource)
	assert.Equal(t, ResourceGraphQL, snaps[1].Resource)
}

func TestEstimateCost_FollowsLastReportedCost(t *testing.T) {
	tr, clock := newTestTracker(5000, 0)
	assert.Equal(t, 1, tr.EstimateCost(ResourceGraphQL))

	res := tr.Reserve(ResourceGraphQL, tr.EstimateCost(ResourceGraphQL))
	require.True(t, res.Granted)
	tr.Commit(res, &Snapshot{Resource: ResourceGraphQL, Remaining: 4990, ResetAt: clock.Now().Add(time.Hour), Cost: 7})
	assert.Equal(t, 7, tr.EstimateCost(ResourceGraphQL))
	assert.Equal(t, 1, tr.EstimateCost(ResourceCore))

	// A snapshot without a cost keeps the previous estimate.
	tr.Observe(Snapshot{Resource: ResourceGraphQL, Remaining: 4980, ResetAt: clock.Now().Add(time.Hour)})
	assert.Equal(t, 7, tr.EstimateCost(ResourceGraphQL))

	res = tr.Reserve(ResourceGraphQL, tr.EstimateCost(ResourceGraphQL))
	require.True(t, res.Granted)
	assert.Equal(t, 7, tr.Pending())
}
