package rate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock reports a settable time. Waits either complete immediately or
// never, depending on block.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	block bool
	waits []time.Duration
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if !c.block {
		ch <- c.now.Add(d)
	}
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var quotaStart = time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)

type grant struct {
	at   time.Time
	cost int
}

func assertWindowRespected(t *testing.T, grants []grant, window time.Duration, limit int) {
	t.Helper()
	for _, g := range grants {
		used := 0
		for _, other := range grants {
			if other.at.After(g.at.Add(-window)) && !other.at.After(g.at) {
				used += other.cost
			}
		}
		assert.LessOrEqual(t, used, limit, "window ending %s", g.at)
	}
}

func TestAcquireSpreadsBurstAcrossWindows(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 10, Window: time.Second}, clock)

	var grants []grant
	for _, cost := range []int{5, 5, 5, 3, 7, 1, 10, 2} {
		res, err := q.Acquire(context.Background(), cost)
		require.NoError(t, err)
		grants = append(grants, grant{at: res.At, cost: cost})
	}

	assertWindowRespected(t, grants, time.Second, 10)
	assert.Equal(t, quotaStart, grants[0].at)
	assert.Equal(t, quotaStart, grants[1].at)
	assert.Equal(t, quotaStart.Add(time.Second), grants[2].at)
	for i := 1; i < len(grants); i++ {
		assert.False(t, grants[i].at.Before(grants[i-1].at), "grants must be FIFO")
	}
	assert.NotEmpty(t, clock.waits)
}

func TestAcquireConcurrentRealClock(t *testing.T) {
	q := New(Config{Limit: 10, Window: 40 * time.Millisecond}, nil)

	var (
		mu     sync.Mutex
		grants []grant
		wg     sync.WaitGroup
	)
	for i := range 30 {
		wg.Add(1)
		go func(cost int) {
			defer wg.Done()
			res, err := q.Acquire(context.Background(), cost)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			grants = append(grants, grant{at: res.At, cost: cost})
			mu.Unlock()
		}(1 + i%3)
	}
	wg.Wait()

	require.Len(t, grants, 30)
	assertWindowRespected(t, grants, 40*time.Millisecond, 10)
}

func TestAcquireCostExceedsWindow(t *testing.T) {
	q := New(Config{Limit: 10, Window: time.Second}, newFakeClock(quotaStart))
	_, err := q.Acquire(context.Background(), 11)
	assert.ErrorIs(t, err, ErrCostExceedsWindow)
}

func TestDailyExhaustionAndRollover(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 100, Window: time.Second, Daily: 100}, clock)

	_, err := q.Acquire(context.Background(), 60)
	require.NoError(t, err)
	_, err = q.Acquire(context.Background(), 50)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, int64(60), q.Snapshot().DailyUsed)

	clock.Advance(2 * time.Minute)
	_, err = q.Acquire(context.Background(), 50)
	require.NoError(t, err)
	snap := q.Snapshot()
	assert.Equal(t, int64(50), snap.DailyUsed)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), snap.Day)
}

func TestCancelledWaitCreditsBack(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 10, Window: time.Second, Daily: 1000}, clock)

	_, err := q.Acquire(context.Background(), 10)
	require.NoError(t, err)

	clock.block = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, 5)
		done <- err
	}()
	require.Eventually(t, func() bool {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return len(clock.waits) == 1
	}, time.Second, time.Millisecond)
	cancel()

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(10), q.Snapshot().DailyUsed)

	_, err = q.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelease(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 10, Window: time.Second, Daily: 100}, clock)

	res, err := q.Acquire(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Cost)
	q.Release(res)
	assert.Equal(t, int64(0), q.Snapshot().DailyUsed)

	// Released units are immediately reusable within the same window.
	again, err := q.Acquire(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, res.At, again.At)
}

func TestReleaseCreditsOnlyItsOwnReservation(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 10, Window: time.Second, Daily: 100}, clock)

	failed, err := q.Acquire(context.Background(), 10)
	require.NoError(t, err)
	queued, err := q.Acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, quotaStart.Add(time.Second), queued.At)

	q.Release(failed)
	assert.Equal(t, int64(10), q.Snapshot().DailyUsed)

	// The queued request still owns the second window, so the next one waits
	// for the third.
	next, err := q.Acquire(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, quotaStart.Add(2*time.Second), next.At)
}

func TestReleaseLeavesOtherUnits(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 10, Window: time.Second, Daily: 100}, clock)

	kept, err := q.Acquire(context.Background(), 4)
	require.NoError(t, err)
	res, err := q.Acquire(context.Background(), 6)
	require.NoError(t, err)
	q.Release(res)
	q.Release(Reservation{})
	assert.Equal(t, int64(4), q.Snapshot().DailyUsed)
	assert.Equal(t, 4, q.Snapshot().WindowUsed)
	assert.Equal(t, 4, kept.Cost)
}

func TestThrottleAndRecover(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 100, Window: time.Second, ThrottleStep: 25, RecoverAfter: 10 * time.Second}, clock)

	q.Throttle()
	assert.Equal(t, 75, q.Snapshot().EffectiveLimit)
	for range 5 {
		q.Throttle()
	}
	assert.Equal(t, 25, q.Snapshot().EffectiveLimit)

	clock.Advance(20 * time.Second)
	assert.Equal(t, 75, q.Snapshot().EffectiveLimit)
	clock.Advance(time.Minute)
	assert.Equal(t, 100, q.Snapshot().EffectiveLimit)
}

func TestThrottledLimitStillAdmitsLargeCostIntoEmptyWindow(t *testing.T) {
	clock := newFakeClock(quotaStart)
	q := New(Config{Limit: 100, Window: time.Second, ThrottleStep: 25}, clock)
	for range 4 {
		q.Throttle()
	}

	first, err := q.Acquire(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, quotaStart, first.At)

	second, err := q.Acquire(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, quotaStart.Add(time.Second), second.At)
}
