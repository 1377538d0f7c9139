package rate

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by route and client.
// State lives in process memory, so limits apply per replica.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]window
	lastGC  time.Time
	now     func() time.Time
}

type window struct {
	hits    int
	started time.Time
	length  time.Duration
}

func NewLimiter() *Limiter {
	return newLimiter(time.Now)
}

func newLimiter(now func() time.Time) *Limiter {
	return &Limiter{windows: map[string]window{}, lastGC: now().UTC(), now: now}
}

// Allow records a hit for key. When the key is over limit it returns false
// and how long until the current window resets.
func (l *Limiter) Allow(key string, limit int, length time.Duration) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || now.Sub(w.started) >= length {
		l.windows[key] = window{hits: 1, started: now, length: length}
		return true, 0
	}
	if w.hits >= limit {
		return false, w.started.Add(length).Sub(now)
	}
	w.hits++
	l.windows[key] = w
	return true, 0
}

// Len reports how many windows are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.started) >= w.length {
			delete(l.windows, k)
		}
	}
	l.lastGC = now
}
