package resilience

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window limiter keyed by caller. Each window admits
// at most max requests; the window resets windowMS after its first request.
type RateLimiter struct {
	max    int
	window time.Duration

	mu        sync.Mutex
	windows   map[string]*rateWindow
	now       func() time.Time
	lastSweep time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter admitting max requests per windowMS
// milliseconds per key.
func NewRateLimiter(max, windowMS int) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  time.Duration(windowMS) * time.Millisecond,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it fits the window.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// sweep drops windows that have fully elapsed, at most once per window, so
// the per-key map cannot grow without bound on a long-lived server. Callers
// hold l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}

// RetryAfterSeconds is the Retry-After value for a rejected request,
// rounded up to whole seconds.
func (l *RateLimiter) RetryAfterSeconds() int {
	secs := int((l.window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
