package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	mu        sync.Mutex
	count     int
	expiresAt time.Time
}

// Memory is an in-memory fixed-window rate limiter. Authoritative only
// within one process. Entries are evicted lazily on read and by a periodic
// 60s sweep, mirroring the teacher's atomic-counter style (token.go) rather
// than a generic TTL cache, since rate limiting needs an atomic
// increment-and-read the cache package APIs don't expose.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter

	stopSweep func()
}

// NewMemory creates an empty in-memory rate-limit store and starts its
// periodic sweep. Call Close to stop the sweep deterministically.
func NewMemory() *Memory {
	m := &Memory{counters: make(map[string]*counter)}
	m.armSweep()
	return m
}

func (m *Memory) armSweep() {
	var timer *time.Timer
	var tick func()
	tick = func() {
		m.sweep()
		timer = time.AfterFunc(60*time.Second, tick)
	}
	timer = time.AfterFunc(60*time.Second, tick)
	m.stopSweep = func() { timer.Stop() }
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.counters {
		c.mu.Lock()
		expired := !c.expiresAt.After(now)
		c.mu.Unlock()
		if expired {
			delete(m.counters, k)
		}
	}
}

// Close stops the periodic sweep. Safe to call once.
func (m *Memory) Close() {
	if m.stopSweep != nil {
		m.stopSweep()
	}
}

func (m *Memory) getOrCreate(key string) *counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok {
		c = &counter{}
		m.counters[key] = c
	}
	return c
}

// Check implements Store.
func (m *Memory) Check(_ context.Context, key string, limit int, windowMs int64) (Result, error) {
	c := m.getOrCreate(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.expiresAt.IsZero() || !c.expiresAt.After(now) {
		c.count = 0
		c.expiresAt = now.Add(time.Duration(windowMs) * time.Millisecond)
	}
	c.count++

	remaining := limit - c.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   c.count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetMs:   int64(c.expiresAt.Sub(now) / time.Millisecond),
	}, nil
}
