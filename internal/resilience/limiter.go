package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter throttles per-task resume attempts (the Orchestrator's
// auto-resume batch consults it before calling resume() on each task), one
// bucket per task ID so a single retrying task can't starve others.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with rate r events/sec and burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether key may proceed now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterFor(key).Allow()
}

// Reserve reports whether key may proceed now, and if not, how long until it can.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.limiterFor(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *TokenBucketLimiter) limiterFor(key string) *rate.Limiter {
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}
