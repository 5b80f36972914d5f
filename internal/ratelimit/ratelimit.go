// Package ratelimit bounds request throughput per remote address ahead of
// the request handler, the ambient ammendment SPEC_FULL.md adds over the
// teacher's webhook rate limiter (internal/channels/ratelimit.go): the
// same bounded-map-of-keys shape, with a sliding hit counter swapped for a
// golang.org/x/time/rate token bucket per key so bursts are smoothed rather
// than cliff-edged at a window boundary.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of distinct limiter keys retained, the
// same defense the teacher's limiter applies against an attacker rotating
// source addresses to exhaust memory.
const maxTrackedKeys = 4096

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out a token-bucket limiter per key, evicting idle keys once
// the tracked set approaches its cap. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	entries map[string]*entry
}

// New returns a Limiter allowing rps requests per second per key, with the
// given burst allowance.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether a request keyed by key (typically the remote
// address) may proceed now, minting a fresh bucket for keys seen for the
// first time.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).limiter.Allow()
}

// Reserve returns the delay the caller must wait before its next request
// under key would be allowed, for populating a Retry-After header on a 429.
func (l *Limiter) Reserve(key string) time.Duration {
	r := l.get(key).limiter.Reserve()
	if !r.OK() {
		return 0
	}
	delay := r.Delay()
	r.Cancel()
	return delay
}

func (l *Limiter) get(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		e.lastSeen = time.Now()
		return e
	}

	if len(l.entries) >= maxTrackedKeys {
		l.evictOldestLocked()
	}

	e := &entry{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: time.Now()}
	l.entries[key] = e
	return e
}

// evictOldestLocked drops the least-recently-seen entries until the map is
// back under the cap. Called with mu held.
func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for len(l.entries) >= maxTrackedKeys {
		oldestKey, oldestAt = "", time.Time{}
		for k, e := range l.entries {
			if oldestKey == "" || e.lastSeen.Before(oldestAt) {
				oldestKey, oldestAt = k, e.lastSeen
			}
		}
		if oldestKey == "" {
			return
		}
		delete(l.entries, oldestKey)
	}
}
