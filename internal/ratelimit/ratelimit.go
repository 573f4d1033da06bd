package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Window is the fixed rate-limit interval. The first connection from a source
// opens a window; the counter resets when it expires.
const Window = 60 * time.Second

// Limiter is a fixed-window per-source connection counter. Entries live in a
// TTL cache whose janitor sweeps expired windows in the background; the mutex
// keeps Check linearizable per key.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	entries *cache.Cache
}

// New returns a Limiter admitting at most limit connections per source per
// window.
func New(limit int) *Limiter {
	return newWithWindow(limit, Window)
}

func newWithWindow(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		entries: cache.New(window, window),
	}
}

// Check reports whether a connection from addr is admitted in the current
// window and counts it if so. Expired entries are treated as absent even
// before the janitor removes them.
func (l *Limiter) Check(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, found := l.entries.Get(addr)
	if !found {
		l.entries.Set(addr, 1, cache.DefaultExpiration)
		return true
	}
	if v.(int) >= l.limit {
		return false
	}
	// Increment preserves the item's expiration, keeping the window end
	// fixed at the first connection.
	if err := l.entries.Increment(addr, 1); err != nil {
		l.entries.Set(addr, 1, cache.DefaultExpiration)
	}
	return true
}

// Size returns the number of tracked sources, including entries the janitor
// has not swept yet.
func (l *Limiter) Size() int {
	return l.entries.ItemCount()
}
