// Package ratelimit bounds how often a key (a user, a user+request pair, an
// IP) may attempt an operation. MFA verification uses it to cap guessing.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: PerMinute tokens refill each minute up to Burst.
type Policy struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

func (p Policy) perSecond() float64 {
	r := float64(p.PerMinute) / 60.0
	if r <= 0 {
		r = 1.0 / 60.0
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Limiter reports whether key may spend one more attempt under policy.
type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (bool, error)
}

// MemoryLimiter keeps one bucket per key in process memory. Suitable for a
// single instance; use RedisLimiter when handlers run on several hosts.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// WithClock replaces the time source; tests use it to step time.
func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, policy Policy) (bool, error) {
	m.mu.Lock()
	lim, ok := m.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())
		m.buckets[key] = lim
	}
	m.mu.Unlock()
	return lim.AllowN(m.now(), 1), nil
}

// Unlimited never refuses. Used when no policy is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, Policy) (bool, error) { return true, nil }
