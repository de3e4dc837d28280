package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireEnforcesMinSpacing(t *testing.T) {
	r := NewRegistry(Config{
		Capacity:     10,
		RefillPerSec: 1000, // tokens are never the constraint here
		MinDelay:     30 * time.Millisecond,
	})

	const n = 4
	times := make([]time.Time, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, r.Acquire(context.Background(), "api.example.com"))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, n)
	for i := 1; i < n; i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 0 {
			gap = -gap
		}
		// Allow a small scheduling tolerance below the configured floor.
		assert.GreaterOrEqual(t, gap, 25*time.Millisecond,
			"dispatches %d and %d were only %v apart", i-1, i, gap)
	}
}

func TestAcquireDifferentHostsDoNotContend(t *testing.T) {
	r := NewRegistry(Config{
		Capacity:     1,
		RefillPerSec: 0.001, // effectively no refill during the test
		MinDelay:     time.Hour,
	})

	// First acquire for each host consumes the lone token without waiting.
	start := time.Now()
	require.NoError(t, r.Acquire(context.Background(), "a.example.com"))
	require.NoError(t, r.Acquire(context.Background(), "b.example.com"))
	require.NoError(t, r.Acquire(context.Background(), "c.example.com"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 3, r.Hosts())
}

func TestAcquireContextCancel(t *testing.T) {
	r := NewRegistry(Config{
		Capacity:     1,
		RefillPerSec: 0.001,
		MinDelay:     time.Hour,
	})
	require.NoError(t, r.Acquire(context.Background(), "slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx, "slow.example.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryEviction(t *testing.T) {
	r := NewRegistry(Config{
		Capacity:     5,
		RefillPerSec: 1000,
		MaxHosts:     2,
	})
	require.NoError(t, r.Acquire(context.Background(), "one.example.com"))
	require.NoError(t, r.Acquire(context.Background(), "two.example.com"))
	require.NoError(t, r.Acquire(context.Background(), "three.example.com"))
	assert.Equal(t, 2, r.Hosts())
}
