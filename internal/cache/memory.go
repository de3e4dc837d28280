package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process cache with TTL expiry.
type MemoryStore struct {
	clockTTL

	mu      sync.RWMutex
	entries map[string]*memoryEntry
	stop    chan struct{}
}

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryStore creates a memory cache. sweepInterval <= 0 disables the
// background sweeper (expired entries are still rejected on Get).
func NewMemoryStore(ttl, sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		clockTTL: clockTTL{ttl: ttl, now: time.Now},
		entries:  make(map[string]*memoryEntry),
		stop:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweep(sweepInterval)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(e.expiresAt) {
		return nil, false
	}
	return e.entry, true
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	s.entries[key] = &memoryEntry{entry: entry, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() {
	close(s.stop)
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for key, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
