// Package ratelimit provides token buckets for inbound connection traffic.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits rate events per second with bursts of up to burst events.
//
// The bucket is kept as the time at which it would next be full again
// (full). Each admitted event pushes that time one interval further out;
// an event is refused when doing so would put it more than burst intervals
// ahead of now.
type Limiter struct {
	interval  time.Duration
	tolerance time.Duration
	now       func() time.Time

	mu   sync.Mutex
	full time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	interval := time.Duration(float64(time.Second) / rate)
	return &Limiter{
		interval:  interval,
		tolerance: time.Duration(burst) * interval,
		now:       now,
		full:      now(),
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN admits n events at once or none of them.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	next := l.full
	if next.Before(now) {
		next = now
	}
	next = next.Add(time.Duration(n) * l.interval)
	if next.Sub(now) > l.tolerance {
		return false
	}
	l.full = next
	return true
}

// refilledBy reports whether the bucket was already full at t.
func (l *Limiter) refilledBy(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.full.After(t)
}

// ClientLimiters hands out one Limiter per key (a user or a remote address).
// Buckets that have sat full for idleTTL are dropped; a new one starts full,
// so forgetting them changes nothing for the client.
type ClientLimiters struct {
	rate    float64
	burst   int
	idleTTL time.Duration
	sweep   time.Duration
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*Limiter

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		rate:     rate,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		sweep:    5 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*Limiter),
		stop:     make(chan struct{}),
	}
	go cl.sweepLoop()
	return cl
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	l, ok := cl.limiters[key]
	if !ok {
		l = newLimiter(cl.rate, cl.burst, cl.now)
		cl.limiters[key] = l
	}
	return l
}

func (cl *ClientLimiters) Allow(key string) bool {
	return cl.Get(key).Allow()
}

func (cl *ClientLimiters) Remove(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, key)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) sweepLoop() {
	ticker := time.NewTicker(cl.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle()
		}
	}
}

func (cl *ClientLimiters) evictIdle() {
	cutoff := cl.now().Add(-cl.idleTTL)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for key, l := range cl.limiters {
		if l.refilledBy(cutoff) {
			delete(cl.limiters, key)
		}
	}
}
