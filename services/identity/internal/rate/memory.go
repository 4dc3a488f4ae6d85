package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter counts attempts in fixed windows held in process memory.
// It serves single-replica dev and test setups.
type MemoryLimiter struct {
	limits Limits
	window time.Duration

	mu      sync.Mutex
	windows map[Key]counter
	sweptAt time.Time
}

type counter struct {
	hits int
	ends time.Time
}

func NewMemory(limits Limits, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limits: limits, window: window, windows: make(map[Key]counter)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key Key, now time.Time) (Decision, error) {
	limit := l.limits.For(key.Scope)
	if limit <= 0 {
		return admit(-1), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	c := l.windows[key]
	if !now.Before(c.ends) {
		c = counter{ends: now.Add(l.window)}
	}
	if c.hits >= limit {
		return reject(c.ends.Sub(now)), nil
	}
	c.hits++
	l.windows[key] = c
	return admit(limit - c.hits), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key Key) error {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
	return nil
}

// sweep drops closed windows at most once per window length.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.sweptAt) < l.window {
		return
	}
	for k, c := range l.windows {
		if !now.Before(c.ends) {
			delete(l.windows, k)
		}
	}
	l.sweptAt = now
}

// Len is the number of open counters.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
