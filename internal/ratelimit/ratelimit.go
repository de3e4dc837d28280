// Package ratelimit implements the per-upstream-host dispatch limiter.
//
// DESIGN: One token bucket per upstream hostname (capacity 30, refill
// 0.5/s) plus a hard minimum spacing between any two dispatches to the
// same host. The limiter never rejects; it delays the caller until a slot
// is available or the context is cancelled.
//
// The Registry owns the hostname→bucket map and is injected into the
// gateway rather than living as package-level state, so tests get isolated
// instances and lifecycle is explicit. Acquire for one host serializes on
// that host's mutex; acquires for different hosts never contend.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes a Registry.
type Config struct {
	Capacity     int           // bucket capacity per host
	RefillPerSec float64       // tokens added per second
	MinDelay     time.Duration // floor between dispatches to one host
	MaxHosts     int           // bucket map cap; 0 disables eviction
}

// Registry holds the per-host buckets.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*hostBucket

	// now is swappable for tests.
	now func() time.Time
}

type hostBucket struct {
	// mu is held across the whole wait-refill-deduct sequence so two
	// concurrent acquires for the same host cannot both observe the same
	// bucket state. Cross-host acquires use different buckets.
	mu           sync.Mutex
	limiter      *rate.Limiter
	lastDispatch time.Time
	lastUsed     time.Time
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = 1
	}
	return &Registry{
		cfg:     cfg,
		buckets: make(map[string]*hostBucket),
		now:     time.Now,
	}
}

// Acquire blocks until a dispatch slot for host is available, then stamps
// the dispatch time and returns. It returns early only when ctx is done,
// in which case the token is returned to the bucket.
func (r *Registry) Acquire(ctx context.Context, host string) error {
	b := r.obtain(host)

	b.mu.Lock()
	defer b.mu.Unlock()

	res := b.limiter.ReserveN(r.now(), 1)
	wait := res.Delay()

	// Enforce the spacing floor independently of token availability.
	if !b.lastDispatch.IsZero() {
		if spacing := r.cfg.MinDelay - r.now().Sub(b.lastDispatch); spacing > wait {
			wait = spacing
		}
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			res.Cancel()
			return ctx.Err()
		case <-timer.C:
		}
	}

	b.lastDispatch = r.now()
	return nil
}

// obtain returns the bucket for host, creating it lazily.
func (r *Registry) obtain(host string) *hostBucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[host]
	if !ok {
		if r.cfg.MaxHosts > 0 && len(r.buckets) >= r.cfg.MaxHosts {
			r.evictLocked()
		}
		b = &hostBucket{
			limiter: rate.NewLimiter(rate.Limit(r.cfg.RefillPerSec), r.cfg.Capacity),
		}
		r.buckets[host] = b
	}
	b.lastUsed = r.now()
	return b
}

// evictLocked drops the least-recently-used bucket. Bounded resource use
// matters more than perfect fairness for a churning upstream set; a host
// that gets evicted mid-backoff simply starts with a full bucket next time.
func (r *Registry) evictLocked() {
	var oldestHost string
	var oldest time.Time
	for host, b := range r.buckets {
		if oldestHost == "" || b.lastUsed.Before(oldest) {
			oldestHost = host
			oldest = b.lastUsed
		}
	}
	if oldestHost != "" {
		delete(r.buckets, oldestHost)
	}
}

// Hosts returns the number of tracked hosts.
func (r *Registry) Hosts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
