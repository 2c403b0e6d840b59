package infrastructure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key (tenant id, routing key).
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows r events per second per key with burst b.
func NewKeyedLimiter(r float64, b int) *KeyedLimiter {
	return &KeyedLimiter{
		buckets: make(map[string]*limiterEntry),
		rate:    rate.Limit(r),
		burst:   b,
		idleTTL: 10 * time.Minute,
	}
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.buckets[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow consumes one token if available.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until a token is available or ctx ends.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Run removes idle buckets until ctx is cancelled.
func (l *KeyedLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *KeyedLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

// Size returns the number of tracked keys.
func (l *KeyedLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
