package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	second int64
	count  int
}

// MemoryLimiter counts requests per subject in process memory. Counters from
// past seconds are dropped when a new second starts.
type MemoryLimiter struct {
	mu      sync.Mutex
	current int64
	windows map[Subject]*window
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[Subject]*window)}
}

// Allow charges one request to s in the second containing now.
func (l *MemoryLimiter) Allow(_ context.Context, s Subject, limit int, now time.Time) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true}, nil
	}
	second := now.Unix()
	reset := time.Unix(second+1, 0).UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	if second > l.current {
		for subject, w := range l.windows {
			if w.second < second {
				delete(l.windows, subject)
			}
		}
		l.current = second
	}
	w, ok := l.windows[s]
	if !ok || w.second != second {
		w = &window{second: second}
		l.windows[s] = w
	}
	if w.count >= limit {
		return Result{Reset: reset}, nil
	}
	w.count++
	return Result{Allowed: true, Remaining: limit - w.count, Reset: reset}, nil
}

func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
