package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps each window in process memory. Workers in other processes do
// not see it, so the effective limit is per process.
type Memory struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{window: window, now: time.Now, windows: make(map[string][]time.Time)}
}

func (m *Memory) Acquire(ctx context.Context, key string, limit int) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	start := m.now()
	for {
		wait, ok := m.tryAcquire(key, limit)
		if ok {
			return m.now().Sub(start), nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return m.now().Sub(start), err
		}
	}
}

// tryAcquire records a slot when one is free, otherwise returns the time until
// the oldest timestamp leaves the window.
func (m *Memory) tryAcquire(key string, limit int) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	stamps := m.windows[key]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) < limit {
		m.windows[key] = append(stamps, now)
		return 0, true
	}
	m.windows[key] = stamps

	wait := stamps[0].Add(m.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}
