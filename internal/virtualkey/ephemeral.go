package virtualkey

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultEphemeralTTL bounds how long an issued master key stays valid.
const DefaultEphemeralTTL = 5 * time.Minute

// EphemeralKeys issues single-use, short-TTL master keys for the admin
// plane. Keys are consumed on first use and removed once the request
// that used them completes.
type EphemeralKeys struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*ephemeralEntry
}

type ephemeralEntry struct {
	expires time.Time
	used    bool
}

// NewEphemeralKeys creates an issuer. A zero ttl takes the default.
func NewEphemeralKeys(ttl time.Duration) *EphemeralKeys {
	if ttl <= 0 {
		ttl = DefaultEphemeralTTL
	}
	return &EphemeralKeys{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*ephemeralEntry),
	}
}

// Issue mints a new ephemeral master key and returns it with its expiry.
func (e *EphemeralKeys) Issue() (string, time.Time, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	token := "emk-" + hex.EncodeToString(buf)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reapLocked()
	expires := e.now().Add(e.ttl)
	e.entries[token] = &ephemeralEntry{expires: expires}
	return token, expires, nil
}

// Use consumes a token. It succeeds at most once per token and never
// after expiry.
func (e *EphemeralKeys) Use(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[token]
	if !ok || entry.used || e.now().After(entry.expires) {
		return false
	}
	entry.used = true
	return true
}

// Remove deletes a token outright, called after the request that
// consumed it finishes.
func (e *EphemeralKeys) Remove(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, token)
}

// reapLocked drops expired entries; the caller holds the mutex.
func (e *EphemeralKeys) reapLocked() {
	now := e.now()
	for token, entry := range e.entries {
		if now.After(entry.expires) {
			delete(e.entries, token)
		}
	}
}
