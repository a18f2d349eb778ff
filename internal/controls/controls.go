// Package controls holds the process-wide trading kill-switch.
//
// A single Controls instance is constructed at boot and injected into
// every component that places orders; it is never reset automatically.
package controls

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/metrics"
)

// Controls is the shared trading-enabled flag plus a human-readable
// reason for the last disable. Reads are lock-free; writes are rare.
type Controls struct {
	enabled atomic.Bool

	mu     sync.RWMutex
	reason string

	logger *zap.Logger
}

// New returns controls in the enabled state.
func New(logger *zap.Logger) *Controls {
	c := &Controls{reason: "ok", logger: logger}
	c.enabled.Store(true)
	return c
}

// Enabled reports whether new order placement is permitted.
func (c *Controls) Enabled() bool {
	return c.enabled.Load()
}

// Disable halts all new order placement until Enable is called by an
// operator. Calling Disable while already disabled only updates the
// reason.
func (c *Controls) Disable(reason string) {
	wasEnabled := c.enabled.Swap(false)
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	if wasEnabled {
		metrics.KillSwitchTrips.Inc()
		c.logger.Warn("trading disabled", zap.String("reason", reason))
	} else {
		c.logger.Warn("trading already disabled, reason updated", zap.String("reason", reason))
	}
}

// Enable re-arms trading. Explicit operator action only.
func (c *Controls) Enable() {
	c.enabled.Store(true)
	c.mu.Lock()
	c.reason = "ok"
	c.mu.Unlock()
	c.logger.Info("trading enabled")
}

// Reason returns the kill-switch reason ("ok" while enabled).
func (c *Controls) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}
