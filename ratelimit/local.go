package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type window struct {
	count       int
	expires     time.Time
	bannedUntil time.Time
}

func (w *window) idle(now time.Time) bool {
	return !now.Before(w.expires) && !now.Before(w.bannedUntil)
}

// LocalLimiter keeps the windows in process memory. All calls are
// serialized by a mutex, so it gives the same decisions as the shared
// store for a single instance. It is meant for development and tests.
type LocalLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	windows   map[string]*window
	nextSweep time.Time
}

var _ Limiter = (*LocalLimiter)(nil)

// NewLocalLimiter creates a LocalLimiter, now defaults to time.Now.
func NewLocalLimiter(now func() time.Time) *LocalLimiter {
	if now == nil {
		now = time.Now
	}

	return &LocalLimiter{
		now:     now,
		windows: make(map[string]*window),
	}
}

func (l *LocalLimiter) Admit(ctx context.Context, key string, p Policy) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}

	if now.Before(w.bannedUntil) {
		return false, nil
	}

	if !now.Before(w.expires) {
		w.count = 0
	}

	w.count++
	if w.count == 1 {
		w.expires = now.Add(time.Duration(seconds(p.TimeWindow)) * time.Second)
	}

	if w.count > p.MaxRequests {
		w.bannedUntil = now.Add(time.Duration(seconds(p.BanTime)) * time.Second)
		w.count = 0
		w.expires = time.Time{}
		return false, nil
	}

	return true, nil
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// sweep needs to be called with holding lock l.mu
func (l *LocalLimiter) sweep(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}

	for k, w := range l.windows {
		if w.idle(now) {
			delete(l.windows, k)
		}
	}
	l.nextSweep = now.Add(sweepInterval)
}
