// Package guard funnels every outbound broker call through one
// rate-limited, backoff-protected gate per lane.
//
// The guard enforces a minimum inter-call spacing and a token bucket,
// retries retryable failures with exponential backoff, and owns the
// fatal-error path: an auth failure or an explicitly fatal error trips
// the process-wide kill-switch and is returned to the caller.
package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/controls"
	"github.com/Aidin1998/scalpex/internal/metrics"
)

// Config tunes one guard instance.
type Config struct {
	MinInterval    time.Duration // spacing floor between calls
	BucketCapacity int           // token bucket burst size
	RefillRate     float64       // tokens per second
	BackoffFloor   time.Duration // first retry delay
	BackoffCeiling time.Duration // retry delay cap
	AuthErrorCodes []string      // extra auth-failure substrings
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 200 * time.Millisecond
	}
	if c.BucketCapacity <= 0 {
		c.BucketCapacity = 10
	}
	if c.RefillRate <= 0 {
		c.RefillRate = 5
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = 500 * time.Millisecond
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 30 * time.Second
	}
	return c
}

// Guard serializes spacing and rate decisions for one broker session.
// Backoff state is shared across calls: any success resets it to the
// floor.
type Guard struct {
	cfg      Config
	controls *controls.Controls
	logger   *zap.Logger

	mu       sync.Mutex
	lastCall time.Time
	backoff  time.Duration

	bucket *tokenBucket

	authCodes []string
}

// New creates a guard wired to the shared kill-switch.
func New(cfg Config, ctl *controls.Controls, logger *zap.Logger) *Guard {
	cfg = cfg.withDefaults()
	codes := append([]string{}, defaultAuthErrorCodes...)
	codes = append(codes, cfg.AuthErrorCodes...)
	return &Guard{
		cfg:       cfg,
		controls:  ctl,
		logger:    logger,
		backoff:   cfg.BackoffFloor,
		bucket:    newTokenBucket(cfg.BucketCapacity, cfg.RefillRate),
		authCodes: codes,
	}
}

// Do executes fn under the guard. It blocks until spacing and token
// budget allow the call, then retries retryable failures with backoff
// until fn succeeds, a fatal error occurs, or ctx is done. Retries are
// unbounded at this layer; callers needing an attempt cap must impose
// their own.
//
// Exit orders still pass through Do when trading is disabled: the
// kill-switch stops new entries at the runner, not position closes.
func (g *Guard) Do(ctx context.Context, label string, fn func() error) error {
	attempt := 0
	for {
		if err := g.waitTurn(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			g.resetBackoff()
			return nil
		}

		// Classification order matters: an explicitly retryable error
		// is retried even if its message happens to contain an auth
		// code.
		switch {
		case IsRetryable(err):
			// fall through to backoff below
		case IsFatal(err) || matchesAuthFailure(err, g.authCodes):
			metrics.GuardFatalErrors.Inc()
			g.controls.Disable("fatal broker error on " + label + ": " + err.Error())
			g.logger.Error("broker call fatal, trading disabled",
				zap.String("call", label),
				zap.Error(err))
			return err
		default:
			// Unclassified errors are treated as retryable but logged
			// loudly so they get classified eventually.
			g.logger.Error("broker call failed with unclassified error, retrying",
				zap.String("call", label),
				zap.Error(err))
		}

		attempt++
		delay := g.nextBackoff()
		metrics.GuardRetries.Inc()
		g.logger.Warn("broker call retrying",
			zap.String("call", label),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitTurn blocks for the spacing gate and then the token bucket.
func (g *Guard) waitTurn(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	next := g.lastCall.Add(g.cfg.MinInterval)
	var wait time.Duration
	if next.After(now) {
		wait = next.Sub(now)
	}
	// Claim the slot before sleeping so concurrent callers queue up
	// behind each other instead of dog-piling the same slot.
	g.lastCall = now.Add(wait)
	g.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return g.bucket.wait(ctx)
}

func (g *Guard) resetBackoff() {
	g.mu.Lock()
	g.backoff = g.cfg.BackoffFloor
	g.mu.Unlock()
}

func (g *Guard) nextBackoff() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.backoff
	g.backoff *= 2
	if g.backoff > g.cfg.BackoffCeiling {
		g.backoff = g.cfg.BackoffCeiling
	}
	return d
}

// Call runs fn under the guard and returns its value.
func Call[T any](ctx context.Context, g *Guard, label string, fn func() (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, label, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
