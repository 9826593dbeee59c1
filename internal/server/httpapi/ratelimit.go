package httpapi

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per key (username plus remote
// address), used to blunt online brute force against the login and salt
// endpoints. Windows are pruned lazily on access.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string]*rateWindow
	now    func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		seen:   make(map[string]*rateWindow),
		now:    time.Now,
	}
}

// allow records an attempt for key and reports whether it is within the
// limit. A non-positive limit disables limiting.
func (l *rateLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.seen[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.prune(now)
		l.seen[key] = &rateWindow{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= l.limit
}

// prune drops expired windows. Called with the lock held.
func (l *rateLimiter) prune(now time.Time) {
	for key, w := range l.seen {
		if now.Sub(w.start) >= l.window {
			delete(l.seen, key)
		}
	}
}
