package guard

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a thread-safe in-memory token bucket. Tokens refill
// continuously at rate per second up to capacity.
type tokenBucket struct {
	capacity   int
	tokens     float64 // float for partial refill
	rate       float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int, rate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// take attempts to consume a token. Returns true if allowed and, when
// not, how long until the next token is available.
func (tb *tokenBucket) take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		tb.tokens -= 1
		return true, 0
	}
	need := 1 - tb.tokens
	wait := time.Duration(need / tb.rate * float64(time.Second))
	return false, wait
}

// wait blocks until a token is consumed or ctx is done.
func (tb *tokenBucket) wait(ctx context.Context) error {
	for {
		ok, d := tb.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refillLocked refills tokens based on elapsed time. Caller must hold tb.mu.
func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > float64(tb.capacity) {
			tb.tokens = float64(tb.capacity)
		}
		tb.lastRefill = now
	}
}

// remaining returns whole tokens left.
func (tb *tokenBucket) remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return int(tb.tokens)
}
