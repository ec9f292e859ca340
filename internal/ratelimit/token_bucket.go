// Package ratelimit provides an in-memory token-bucket limiter keyed by
// virtual key. The HTTP layer consults it before dispatching and uses
// RetryAfter to fill the Retry-After header on rejections.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests per second with
// a burst capacity. A burst of zero or less defaults to the rate.
func New(ratePerSecond, burst float64) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	l := &Limiter{
		rate:  ratePerSecond,
		burst: burst,
		now:   time.Now,
	}
	l.tokens = burst
	l.lastRefill = l.now()
	return l
}

func (l *Limiter) refillLocked() {
	now := l.now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

// Allow consumes one token and reports whether the request may proceed.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// RetryAfter reports how long until a full token accrues, rounded up to
// a whole second, with a floor of one second.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens >= 1.0 || l.rate <= 0 {
		return time.Second
	}
	secs := (1.0 - l.tokens) / l.rate
	d := time.Duration(math.Ceil(secs)) * time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

// PerKey maintains one Limiter per virtual key, created on first use.
// Every key shares the same rate and burst.
type PerKey struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
}

// NewPerKey creates a per-key limiter set.
func NewPerKey(ratePerSecond, burst float64) *PerKey {
	return &PerKey{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
	}
}

func (s *PerKey) limiter(key string) *Limiter {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.limiters[key]; ok {
		return l
	}
	l = New(s.rate, s.burst)
	s.limiters[key] = l
	return l
}

// Allow checks the limiter for key, creating it if needed.
func (s *PerKey) Allow(key string) bool {
	return s.limiter(key).Allow()
}

// RetryAfter reports the wait for key's bucket.
func (s *PerKey) RetryAfter(key string) time.Duration {
	return s.limiter(key).RetryAfter()
}
