package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/metrics"
)

// Status of a tracker. The transition is one-way: once EXITED, no
// further price updates are accepted.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusExited Status = "EXITED"
)

// ExitReason labels why a tracker exited.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "SL_HIT"
	ExitTarget     ExitReason = "TP_HIT"
	ExitStaleWin   ExitReason = "STALE_WIN"
	ExitManual     ExitReason = "MANUAL"
	ExitReconciled ExitReason = "BROKER_CLOSED"
)

// ExitPolicy is the immutable tunables bundle a tracker is built with.
// All percentages are fractions (0.10 = 10%).
type ExitPolicy struct {
	StopPct            float64       // initial stop distance below entry
	TargetPct          float64       // initial target above entry
	BreakevenAtPct     float64       // gain that moves the stop to entry
	TrailJumpPct       float64       // anchor advance threshold
	LockStepPct        float64       // stop distance below a new anchor
	StaleWinMinGainPct float64       // minimum gain for the stale-win exit
	StaleWinAfter      time.Duration // no-new-high duration for stale-win
	BracketSyncEvery   time.Duration // debounce for broker bracket syncs
}

func (p ExitPolicy) withDefaults() ExitPolicy {
	if p.BracketSyncEvery <= 0 {
		p.BracketSyncEvery = 2 * time.Second
	}
	return p
}

// Attrs identify and size the leg a tracker manages. Only long legs
// are supported: options-buying and long stock scalps.
type Attrs struct {
	Segment    string
	SecurityID string
	Symbol     string
	Side       string // "" or "LONG"; anything else is rejected
	Quantity   int
	EntryPrice float64
}

// Snapshot is the read-only view persisted for dashboards and alerts.
type Snapshot struct {
	Segment        string     `json:"segment"`
	SecurityID     string     `json:"security_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Quantity       int        `json:"quantity"`
	EntryPrice     float64    `json:"entry_price"`
	HighWater      float64    `json:"high_water"`
	TrailAnchor    float64    `json:"trail_anchor"`
	Stop           float64    `json:"stop"`
	Target         float64    `json:"target"`
	BreakevenMoved bool       `json:"breakeven_moved"`
	Status         Status     `json:"status"`
	ExitReason     ExitReason `json:"exit_reason,omitempty"`
	LastHighAt     time.Time  `json:"last_high_at"`
	LastTrailAt    time.Time  `json:"last_trail_at,omitempty"`
}

// Tracker runs the exit state machine for one open leg. All state is
// guarded by one mutex; OnLTP calls for a tracker arrive from a single
// feed goroutine, so each tick is fully processed before the next.
type Tracker struct {
	segment      string
	securityID   string
	symbol       string
	quantity     int
	entry        float64
	policy       ExitPolicy
	registeredAt time.Time

	gateway  Gateway
	notifier Notifier
	onExit   func(*Tracker, ExitReason)
	logger   *zap.Logger

	mu              sync.Mutex
	status          Status
	exitReason      ExitReason
	high            float64
	anchor          float64
	stop            float64
	target          float64
	breakevenMoved  bool
	lastHighAt      time.Time
	lastTrailAt     time.Time
	lastBracketSync time.Time
}

// NewTracker fixes the entry levels: stop = entry*(1-StopPct),
// target = entry*(1+TargetPct), high and trail anchor seeded at entry.
func NewTracker(attrs Attrs, policy ExitPolicy, gw Gateway, notifier Notifier, onExit func(*Tracker, ExitReason), logger *zap.Logger, now time.Time) *Tracker {
	policy = policy.withDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Tracker{
		segment:      attrs.Segment,
		securityID:   attrs.SecurityID,
		symbol:       attrs.Symbol,
		quantity:     attrs.Quantity,
		entry:        attrs.EntryPrice,
		policy:       policy,
		registeredAt: now,
		gateway:      gw,
		notifier:     notifier,
		onExit:       onExit,
		logger: logger.With(
			zap.String("symbol", attrs.Symbol),
			zap.String("segment", attrs.Segment),
			zap.String("security_id", attrs.SecurityID)),
		status:     StatusActive,
		high:       attrs.EntryPrice,
		anchor:     attrs.EntryPrice,
		stop:       attrs.EntryPrice * (1 - policy.StopPct),
		target:     attrs.EntryPrice * (1 + policy.TargetPct),
		lastHighAt: now,
	}
}

// Key is the registry key for this tracker.
func (t *Tracker) Key() string { return t.segment + ":" + t.securityID }

// OnLTP processes one live tick. Evaluation order is fixed: high-water
// update, breakeven move, trail advance, stale-win, hard stop/target.
func (t *Tracker) OnLTP(price float64, ts time.Time) {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return
	}

	if price > t.high {
		t.high = price
		t.lastHighAt = ts
	}

	// At most one stop adjustment per tick: the breakeven move takes
	// precedence over a trail advance.
	if !t.breakevenMoved && price >= t.entry*(1+t.policy.BreakevenAtPct) {
		t.breakevenMoved = true
		// An earlier trail advance may already hold the stop above
		// entry; the breakeven move never loosens it.
		if t.entry > t.stop {
			t.stop = t.entry
			t.logger.Info("breakeven move",
				zap.Float64("price", price),
				zap.Float64("stop", t.stop))
			t.maybeSyncBracketLocked(ts)
		}
	} else if price >= t.anchor*(1+t.policy.TrailJumpPct) {
		candidate := price * (1 - t.policy.LockStepPct)
		// The stop only ever tightens.
		if candidate > t.stop {
			t.stop = candidate
			t.lastTrailAt = ts
			t.logger.Info("trail advance",
				zap.Float64("anchor", price),
				zap.Float64("stop", t.stop))
			t.maybeSyncBracketLocked(ts)
		}
	}

	// The anchor is the highest price since the last stop adjustment:
	// it rides up with every new high, so the next trail fires only on
	// a jump of TrailJumpPct above the high, not above the last stop.
	if price > t.anchor {
		t.anchor = price
	}

	if t.policy.StaleWinAfter > 0 &&
		price >= t.entry*(1+t.policy.StaleWinMinGainPct) &&
		ts.Sub(t.lastHighAt) >= t.policy.StaleWinAfter {
		t.exitLocked(ExitStaleWin, price)
		return
	}

	if price <= t.stop {
		t.exitLocked(ExitStopLoss, price)
		return
	}
	if price >= t.target {
		t.exitLocked(ExitTarget, price)
		return
	}

	t.mu.Unlock()
}

// ExitMarket closes the position at market. Idempotent: a no-op when
// already exited.
func (t *Tracker) ExitMarket(reason ExitReason) {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return
	}
	t.exitLocked(reason, 0)
}

// MarkClosed transitions to EXITED without placing an order. Used by
// reconciliation when the broker no longer reports the leg open.
func (t *Tracker) MarkClosed(reason ExitReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return
	}
	t.status = StatusExited
	t.exitReason = reason
	t.logger.Info("tracker closed without order", zap.String("reason", string(reason)))
	metrics.TrackerExits.WithLabelValues(string(reason)).Inc()
}

// Snapshot returns a consistent copy of the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Segment:        t.segment,
		SecurityID:     t.securityID,
		Symbol:         t.symbol,
		Side:           "LONG",
		Quantity:       t.quantity,
		EntryPrice:     t.entry,
		HighWater:      t.high,
		TrailAnchor:    t.anchor,
		Stop:           t.stop,
		Target:         t.target,
		BreakevenMoved: t.breakevenMoved,
		Status:         t.status,
		ExitReason:     t.exitReason,
		LastHighAt:     t.lastHighAt,
		LastTrailAt:    t.lastTrailAt,
	}
}

// CurrentStatus returns the lifecycle state.
func (t *Tracker) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// exitLocked flips the state exactly once, releases the lock, and then
// performs the side effects. The exit order is best-effort: a failed
// close is logged loudly but the tracker stays EXITED — a phantom
// "active" tracker that keeps acting on ticks is worse than a missed
// order that reconciliation will surface.
//
// Caller must hold t.mu; exitLocked releases it.
func (t *Tracker) exitLocked(reason ExitReason, price float64) {
	t.status = StatusExited
	t.exitReason = reason
	stop, target := t.stop, t.target
	t.mu.Unlock()

	t.logger.Info("position exiting",
		zap.String("reason", string(reason)),
		zap.Float64("price", price),
		zap.Float64("stop", stop),
		zap.Float64("target", target))
	metrics.TrackerExits.WithLabelValues(string(reason)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ack, err := t.gateway.ExitMarket(ctx, t.segment, t.securityID, t.symbol, t.quantity)
	if err != nil {
		t.logger.Error("exit order failed, tracker still exited",
			zap.String("reason", string(reason)),
			zap.Error(err))
	} else {
		t.logger.Info("exit order placed",
			zap.String("order_id", ack.OrderID),
			zap.String("status", ack.Status))
	}

	msg := fmt.Sprintf("%s %s qty=%d reason=%s", t.symbol, t.securityID, t.quantity, reason)
	if err := t.notifier.Notify(ctx, "position_exit", msg); err != nil {
		t.logger.Warn("exit notification failed", zap.Error(err))
	}

	if t.onExit != nil {
		t.onExit(t, reason)
	}
}

// maybeSyncBracketLocked pushes the current stop/target to the broker
// bracket, debounced and asynchronous: a slow or failing sync must not
// stall tick processing. Caller must hold t.mu.
func (t *Tracker) maybeSyncBracketLocked(ts time.Time) {
	if ts.Sub(t.lastBracketSync) < t.policy.BracketSyncEvery {
		return
	}
	t.lastBracketSync = ts
	stop, target := t.stop, t.target

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.gateway.ModifyBracket(ctx, t.segment, t.securityID, stop, target); err != nil {
			t.logger.Warn("bracket sync failed",
				zap.Float64("stop", stop),
				zap.Float64("target", target),
				zap.Error(err))
		}
	}()
}
