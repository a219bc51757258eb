package rate

import (
	"context"
	"sync"
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

func TestLimiter_AllowsWindowThenBlocks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := newWithClock(Config{Limit: 30, Window: time.Minute}, clock.Now)

	allowed := 0
	for i := 0; i < 40; i++ {
		if lim.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 30, allowed)
	assert.Greater(t, lim.RetryAfter(), time.Duration(0))
}

func TestLimiter_Refill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := newWithClock(Config{Limit: 30, Window: time.Minute}, clock.Now)

	for lim.Allow() {
	}
	assert.False(t, lim.Allow())

	// 30 per minute refills one token every two seconds.
	clock.Advance(2 * time.Second)
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
}

func TestLimiter_BurstCap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := newWithClock(Config{Limit: 100, Window: time.Second, Burst: 3}, clock.Now)

	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestLimiter_Wait(t *testing.T) {
	lim := New(Config{Limit: 100, Window: time.Second, Burst: 1})
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lim.Wait(ctx))
}

func TestLimiter_WaitCanceled(t *testing.T) {
	lim := New(Config{Limit: 1, Window: time.Hour})
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lim.Wait(ctx), context.DeadlineExceeded)
}

func TestManager_PerKeyIsolation(t *testing.T) {
	m := NewManager(Config{Limit: 2, Window: time.Minute})

	assert.True(t, m.Allow("1.2.3.4|/api/v1/bids"))
	assert.True(t, m.Allow("1.2.3.4|/api/v1/bids"))
	assert.False(t, m.Allow("1.2.3.4|/api/v1/bids"))

	assert.True(t, m.Allow("1.2.3.4|/api/v1/asks"))
	assert.True(t, m.Allow("5.6.7.8|/api/v1/bids"))
	assert.Same(t, m.GetLimiter("k"), m.GetLimiter("k"))
}

func TestManager_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewManager(Config{Limit: 1, Window: time.Minute})
	m.now = clock.Now

	assert.True(t, m.Allow("a"))
	clock.Advance(10 * time.Minute)
	assert.True(t, m.Allow("b"))

	assert.Equal(t, 1, m.Sweep(5*time.Minute))
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Allow("a"), "evicted key starts with a full bucket")
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager(Config{Limit: 50, Window: time.Hour})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
