package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// rateLimiter is a token bucket refilled lazily on each acquire.
type rateLimiter struct {
	lastRefill time.Time
	interval   time.Duration
	tokens     int
	capacity   int
	mu         sync.Mutex
}

// newRateLimiter creates a new rate limiter with the specified requests per minute.
func newRateLimiter(requestsPerMinute int) *rateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 50
	}

	return &rateLimiter{
		tokens:     requestsPerMinute,
		capacity:   requestsPerMinute,
		interval:   time.Minute / time.Duration(requestsPerMinute),
		lastRefill: time.Now(),
	}
}

// wait blocks until a token is available or the context is canceled.
func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		delay, ok := rl.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryAcquire attempts to acquire a token without blocking.
func (rl *rateLimiter) tryAcquire() bool {
	_, ok := rl.reserve()
	return ok
}

// reserve takes a token, or reports how long until the next one.
func (rl *rateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if earned := int(now.Sub(rl.lastRefill) / rl.interval); earned > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+earned)
		rl.lastRefill = rl.lastRefill.Add(time.Duration(earned) * rl.interval)
	}

	if rl.tokens > 0 {
		rl.tokens--
		return 0, true
	}
	return rl.lastRefill.Add(rl.interval).Sub(now), false
}

// reset resets the rate limiter to full capacity.
func (rl *rateLimiter) reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.capacity
	rl.lastRefill = time.Now()
}
