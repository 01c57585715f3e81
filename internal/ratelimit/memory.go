package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter keeps one weighted token bucket per key.
//
// A charge larger than the whole burst is still admitted when the bucket is
// full; the bucket then goes into debt and refills from below zero. Without
// that a dataset priced above the burst could never be queried.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter refilling rate tokens per second up to
// burst. A background goroutine evicts keys idle for 10 minutes; call Close
// to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow takes cost tokens from key's bucket. Costs below one token are
// charged as one.
func (m *MemoryLimiter) Allow(_ context.Context, key string, cost float64) (bool, error) {
	cost = max(cost, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.refill(key)
	if b.tokens < min(cost, m.burst) {
		return false, nil
	}
	b.tokens -= cost
	return true, nil
}

// RetryAfter estimates how long until key could afford cost. Zero means a
// request of that cost would be allowed now.
func (m *MemoryLimiter) RetryAfter(key string, cost float64) time.Duration {
	need := min(max(cost, 1), m.burst)

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || m.rate <= 0 {
		return 0
	}
	tokens := min(b.tokens+m.now().Sub(b.lastAccess).Seconds()*m.rate, m.burst)
	if tokens >= need {
		return 0
	}
	return time.Duration((need - tokens) / m.rate * float64(time.Second))
}

// refill returns key's bucket topped up for the time since its last access.
// New keys start full. m.mu must be held.
func (m *MemoryLimiter) refill(key string) *bucket {
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
		return b
	}
	b.tokens = min(b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate, m.burst)
	b.lastAccess = now
	return b
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops idle buckets. A bucket still in debt is kept until it
// has refilled, so waiting out the eviction cannot erase a charge.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-staleThreshold)
	for key, b := range m.buckets {
		if !b.lastAccess.Before(cutoff) {
			continue
		}
		if b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate < m.burst {
			continue
		}
		delete(m.buckets, key)
	}
}
