// Package ratelimit provides fixed-window rate limiters: Limiter for a single
// entity (one mesh connection) and Keyed for many (HTTP callers by address
// or IP).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed tracks a fixed window per key. Call Cleanup periodically to drop
// idle keys.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	window  time.Duration
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewKeyed creates a Keyed limiter that allows rate requests per key per window.
func NewKeyed(rate int, win time.Duration) *Keyed {
	return &Keyed{
		windows: make(map[string]*window),
		rate:    rate,
		window:  win,
		now:     time.Now,
	}
}

// Allow returns true if key has not exceeded its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	w, ok := k.windows[key]
	if !ok || now.Sub(w.start) > k.window {
		k.windows[key] = &window{count: 1, start: now}
		return k.rate > 0
	}
	w.count++
	return w.count <= k.rate
}

// Cleanup removes keys whose window has expired and returns how many were dropped.
func (k *Keyed) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	dropped := 0
	for key, w := range k.windows {
		if now.Sub(w.start) > k.window {
			delete(k.windows, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}
