package router

import (
	"sync"
	"time"
)

// healthTracker keeps per-mapping failure and usage counters. A mapping
// turns unhealthy after unhealthyAfter consecutive upstream or
// communication failures and recovers after coolOff or on the next
// success.
type healthTracker struct {
	mu             sync.Mutex
	unhealthyAfter int
	coolOff        time.Duration
	now            func() time.Time
	entries        map[string]*healthEntry
}

type healthEntry struct {
	consecutiveFailures int
	lastFailure         time.Time
	requests            int64
}

func newHealthTracker(unhealthyAfter int, coolOff time.Duration) *healthTracker {
	return &healthTracker{
		unhealthyAfter: unhealthyAfter,
		coolOff:        coolOff,
		now:            time.Now,
		entries:        make(map[string]*healthEntry),
	}
}

func (h *healthTracker) entry(key string) *healthEntry {
	e, ok := h.entries[key]
	if !ok {
		e = &healthEntry{}
		h.entries[key] = e
	}
	return e
}

// recordAttempt counts a dispatched request for least-used ordering.
func (h *healthTracker) recordAttempt(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(key).requests++
}

func (h *healthTracker) recordSuccess(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(key).consecutiveFailures = 0
}

func (h *healthTracker) recordFailure(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(key)
	e.consecutiveFailures++
	e.lastFailure = h.now()
}

// healthy reports whether the mapping may receive traffic. An unhealthy
// mapping becomes eligible again once the cool-off has elapsed.
func (h *healthTracker) healthy(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[key]
	if !ok || e.consecutiveFailures < h.unhealthyAfter {
		return true
	}
	return h.now().Sub(e.lastFailure) >= h.coolOff
}

func (h *healthTracker) requests(key string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[key]
	if !ok {
		return 0
	}
	return e.requests
}

// MappingHealth is a point-in-time view of one mapping's counters,
// surfaced on the health endpoint.
type MappingHealth struct {
	Key                 string    `json:"key"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	Requests            int64     `json:"requests"`
}

func (h *healthTracker) snapshot(key string) MappingHealth {
	healthy := h.healthy(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[key]
	if !ok {
		return MappingHealth{Key: key, Healthy: true}
	}
	return MappingHealth{
		Key:                 key,
		Healthy:             healthy,
		ConsecutiveFailures: e.consecutiveFailures,
		LastFailure:         e.lastFailure,
		Requests:            e.requests,
	}
}
