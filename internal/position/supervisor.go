package position

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/broker"
	"github.com/Aidin1998/scalpex/internal/metrics"
	"github.com/Aidin1998/scalpex/internal/store"
)

const (
	snapshotKeyPrefix = "position:snapshot:"
	snapshotTTL       = 24 * time.Hour
)

// SupervisorConfig scopes what the supervisor manages and how often it
// reconciles against the broker.
type SupervisorConfig struct {
	Policy          ExitPolicy
	ManagedSegments []string
	ManagedProducts []string
	ReconcileEvery  time.Duration
}

// Supervisor is the process-wide registry of position trackers. The
// broker's open-position list is the source of truth: reconciliation
// registers legs the engine does not know and drops trackers the
// broker no longer reports.
type Supervisor struct {
	cfg      SupervisorConfig
	gateway  Gateway
	ticks    broker.TickSubscriber
	store    store.Store
	notifier Notifier
	logger   *zap.Logger

	segments map[string]struct{}
	products map[string]struct{}

	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewSupervisor builds the registry. ReconcileEvery defaults to 60s.
func NewSupervisor(cfg SupervisorConfig, gw Gateway, ticks broker.TickSubscriber, st store.Store, notifier Notifier, logger *zap.Logger) *Supervisor {
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = time.Minute
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	s := &Supervisor{
		cfg:      cfg,
		gateway:  gw,
		ticks:    ticks,
		store:    st,
		notifier: notifier,
		logger:   logger,
		segments: make(map[string]struct{}),
		products: make(map[string]struct{}),
		trackers: make(map[string]*Tracker),
	}
	for _, seg := range cfg.ManagedSegments {
		s.segments[seg] = struct{}{}
	}
	for _, prod := range cfg.ManagedProducts {
		s.products[prod] = struct{}{}
	}
	return s
}

// RegisterPosition creates and registers a tracker for the leg unless
// one already exists — first registration wins, so a fill callback and
// a reconcile pass cannot double-track the same leg. Returns the
// tracker and whether it was created by this call.
func (s *Supervisor) RegisterPosition(ctx context.Context, attrs Attrs) (*Tracker, bool) {
	if attrs.Side != "" && attrs.Side != "LONG" {
		s.logger.Warn("short leg not supported, skipping registration",
			zap.String("symbol", attrs.Symbol), zap.String("side", attrs.Side))
		return nil, false
	}
	if attrs.Quantity <= 0 || attrs.EntryPrice <= 0 {
		s.logger.Warn("invalid position attrs, skipping registration",
			zap.String("symbol", attrs.Symbol),
			zap.Int("quantity", attrs.Quantity),
			zap.Float64("entry_price", attrs.EntryPrice))
		return nil, false
	}

	key := attrs.Segment + ":" + attrs.SecurityID

	s.mu.Lock()
	if existing, ok := s.trackers[key]; ok {
		s.mu.Unlock()
		return existing, false
	}
	t := NewTracker(attrs, s.cfg.Policy, s.gateway, s.notifier, s.onTrackerExit, s.logger, time.Now())
	s.trackers[key] = t
	count := len(s.trackers)
	s.mu.Unlock()

	metrics.OpenPositions.Set(float64(count))
	s.logger.Info("position registered",
		zap.String("key", key),
		zap.String("symbol", attrs.Symbol),
		zap.Int("quantity", attrs.Quantity),
		zap.Float64("entry_price", attrs.EntryPrice))

	if err := s.ticks.Subscribe(attrs.Segment, attrs.SecurityID); err != nil {
		s.logger.Warn("tick subscribe failed, relying on reconnect replay",
			zap.String("key", key), zap.Error(err))
	}
	s.persistSnapshot(ctx, t)
	return t, true
}

// Unregister removes a tracker, unsubscribes its ticks and clears its
// persisted snapshot. Trackers call this through their exit hook.
func (s *Supervisor) Unregister(ctx context.Context, segment, securityID string) {
	key := segment + ":" + securityID

	s.mu.Lock()
	_, ok := s.trackers[key]
	if ok {
		delete(s.trackers, key)
	}
	count := len(s.trackers)
	s.mu.Unlock()
	if !ok {
		return
	}

	metrics.OpenPositions.Set(float64(count))
	if err := s.ticks.Unsubscribe(segment, securityID); err != nil {
		s.logger.Warn("tick unsubscribe failed", zap.String("key", key), zap.Error(err))
	}
	if err := s.store.Delete(ctx, snapshotKeyPrefix+key); err != nil {
		s.logger.Warn("snapshot delete failed", zap.String("key", key), zap.Error(err))
	}
	s.logger.Info("position unregistered", zap.String("key", key))
}

// OnTick routes one live tick to its tracker. A malformed tick or a
// panicking handler is logged and swallowed: nothing here may take
// down the tick pipeline.
func (s *Supervisor) OnTick(tick broker.Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("tick handling panicked",
				zap.String("security_id", tick.SecurityID),
				zap.Any("panic", rec))
		}
	}()

	s.mu.RLock()
	t, ok := s.trackers[tick.Segment+":"+tick.SecurityID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	metrics.TicksRouted.Inc()
	t.OnLTP(tick.LTP, tick.At)

	if t.CurrentStatus() == StatusActive {
		s.persistSnapshot(context.Background(), t)
	}
}

// ReconcileOpenPositions pulls the broker's open-position list and
// converges the registry on it: managed legs with positive quantity
// and positive average price get a tracker; trackers the broker no
// longer reports are dropped.
func (s *Supervisor) ReconcileOpenPositions(ctx context.Context) error {
	positions, err := s.gateway.OpenPositions(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(positions))
	for _, pos := range positions {
		if !s.managed(pos) {
			continue
		}
		if pos.NetQty <= 0 {
			continue
		}
		avg, _ := pos.AvgPrice.Float64()
		if avg <= 0 {
			// A tracker seeded with a wrong entry would trail and exit
			// at wrong levels; wait for the broker to report a price.
			s.logger.Warn("position missing average price, not registering",
				zap.String("symbol", pos.Symbol),
				zap.String("security_id", pos.SecurityID))
			continue
		}
		key := pos.Segment + ":" + pos.SecurityID
		want[key] = struct{}{}
		s.RegisterPosition(ctx, Attrs{
			Segment:    pos.Segment,
			SecurityID: pos.SecurityID,
			Symbol:     pos.Symbol,
			Side:       "LONG",
			Quantity:   pos.NetQty,
			EntryPrice: avg,
		})
	}

	// Drop trackers the broker no longer reports open. A tracker
	// registered after the broker snapshot was taken is not stale: a
	// just-filled leg gets one reconcile interval to show up in the
	// position list before it can be dropped.
	s.mu.RLock()
	var stale []*Tracker
	for key, t := range s.trackers {
		if _, ok := want[key]; ok {
			continue
		}
		if time.Since(t.registeredAt) < s.cfg.ReconcileEvery {
			continue
		}
		stale = append(stale, t)
	}
	s.mu.RUnlock()

	for _, t := range stale {
		s.logger.Info("tracker not in broker position list, dropping",
			zap.String("key", t.Key()))
		t.MarkClosed(ExitReconciled)
		s.Unregister(ctx, t.segment, t.securityID)
	}

	return nil
}

// RunReconcileLoop reconciles at boot and then on a fixed timer until
// ctx is done.
func (s *Supervisor) RunReconcileLoop(ctx context.Context) {
	if err := s.ReconcileOpenPositions(ctx); err != nil {
		s.logger.Error("boot reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.ReconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReconcileOpenPositions(ctx); err != nil {
				s.logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Snapshots returns the current tracker snapshots for the ops surface.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	trackers := make([]*Tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		trackers = append(trackers, t)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Snapshot())
	}
	return out
}

// Keys returns the registry's key set, for reconciliation checks.
func (s *Supervisor) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.trackers))
	for key := range s.trackers {
		keys = append(keys, key)
	}
	return keys
}

// onTrackerExit is the hook trackers call after their own exit.
func (s *Supervisor) onTrackerExit(t *Tracker, _ ExitReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Unregister(ctx, t.segment, t.securityID)
}

func (s *Supervisor) managed(pos broker.Position) bool {
	if len(s.segments) > 0 {
		if _, ok := s.segments[pos.Segment]; !ok {
			return false
		}
	}
	if len(s.products) > 0 {
		if _, ok := s.products[pos.Product]; !ok {
			return false
		}
	}
	return true
}

func (s *Supervisor) persistSnapshot(ctx context.Context, t *Tracker) {
	snap := t.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("snapshot marshal failed", zap.String("key", t.Key()), zap.Error(err))
		return
	}
	if err := s.store.Put(ctx, snapshotKeyPrefix+t.Key(), raw, snapshotTTL); err != nil {
		s.logger.Warn("snapshot persist failed", zap.String("key", t.Key()), zap.Error(err))
	}
}
