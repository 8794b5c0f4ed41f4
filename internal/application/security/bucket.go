package security

import (
	"sync"
	"time"
)

// tokenBucket is a lazily refilled rate limiter: instead of a timer,
// tokens are topped up from the elapsed monotonic time on each call.
type tokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second

	tokens     float64
	lastUpdate time.Time
}

func newTokenBucket(capacity int) *tokenBucket {
	c := float64(capacity)
	return &tokenBucket{
		capacity:   c,
		refillRate: c / 60.0,
		tokens:     c,
		lastUpdate: time.Now(),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = b.tokens + elapsed*b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastUpdate = now
	}
}

// consume takes one token if available.
func (b *tokenBucket) consume(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// waitTime reports how long until one token will be available.
func (b *tokenBucket) waitTime(now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= 1.0 {
		return 0
	}
	needed := 1.0 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

// rateLimiter keeps one bucket per user, sized from the user's limit.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*tokenBucket)}
}

// consume takes a token from the user's bucket, creating it at the
// given capacity on first sight. A capacity change for a known user
// resizes the bucket on the next call.
func (r *rateLimiter) consume(userID string, capacity int) (bool, time.Duration) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[userID]
	if !ok || int(bucket.capacity) != capacity {
		bucket = newTokenBucket(capacity)
		r.buckets[userID] = bucket
	}
	if bucket.consume(now) {
		return true, 0
	}
	return false, bucket.waitTime(now)
}
