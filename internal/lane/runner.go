package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/controls"
	"github.com/Aidin1998/scalpex/internal/market"
	"github.com/Aidin1998/scalpex/internal/metrics"
	"github.com/Aidin1998/scalpex/internal/risk"
)

// WatchItem is one instrument the runner polls.
type WatchItem struct {
	Instrument     Instrument
	Kind           Kind
	ShortInterval  string
	MediumInterval string
}

// RunnerConfig tunes one lane's loop.
type RunnerConfig struct {
	Name         string
	PollInterval time.Duration
	DedupTTL     time.Duration
	Watchlist    []WatchItem
}

// Deps are the collaborators a runner drives. Controls and Risk are
// shared across lanes; everything else is per lane.
type Deps struct {
	Controls *controls.Controls
	Risk     *risk.Profile
	Data     market.Data
	Signals  SignalSource
	Policy   Policy
	Sizer    Sizer
	Executor Executor
	Funds    Funds
}

// Runner is one lane's polling control loop.
type Runner struct {
	cfg    RunnerConfig
	deps   Deps
	dedup  *DedupCache
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRunner wires a runner. PollInterval and DedupTTL get sane floors.
func NewRunner(cfg RunnerConfig, deps Deps, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 15 * time.Minute
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		dedup:  NewDedupCache(cfg.DedupTTL),
		logger: logger.With(zap.String("lane", cfg.Name)),
		stop:   make(chan struct{}),
	}
}

// Run polls until ctx is done or Stop is called. A failing cycle is
// logged and the loop continues: one bad cycle must never kill the
// lane.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("lane started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("watchlist", len(r.cfg.Watchlist)))

	for {
		r.runCycle(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("lane stopped", zap.String("cause", "context"))
			return
		case <-r.stop:
			r.logger.Info("lane stopped", zap.String("cause", "stop"))
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Stop ends the loop after the current cycle completes. Safe to call
// more than once and before Run.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// runCycle isolates one RunOnce behind a recover so a panicking
// collaborator cannot take the lane down.
func (r *Runner) runCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cycle panicked", zap.Any("panic", rec))
		}
	}()
	r.RunOnce(ctx, time.Now())
}

// RunOnce evaluates every watchlist entry once. Exported so tests and
// manual tooling can drive single cycles deterministically.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) {
	r.dedup.Prune(now)

	if !r.deps.Controls.Enabled() {
		r.logger.Debug("cycle skipped, trading disabled",
			zap.String("reason", r.deps.Controls.Reason()))
		return
	}

	for _, item := range r.cfg.Watchlist {
		if err := r.evaluate(ctx, now, item); err != nil {
			// Per-instrument isolation: log and move to the next one.
			r.logger.Error("watchlist entry failed",
				zap.String("symbol", item.Instrument.Symbol),
				zap.Error(err))
		}
	}
}

// evaluate runs the candidate pipeline for one instrument. A nil
// return with no dispatch is the common case: most stages skip.
func (r *Runner) evaluate(ctx context.Context, now time.Time, item WatchItem) error {
	inst := item.Instrument
	log := r.logger.With(zap.String("symbol", inst.Symbol))

	short, err := r.deps.Data.Series(ctx, inst.Segment, inst.SecurityID, item.ShortInterval)
	if err != nil {
		return fmt.Errorf("short series: %w", err)
	}
	medium, err := r.deps.Data.Series(ctx, inst.Segment, inst.SecurityID, item.MediumInterval)
	if err != nil {
		return fmt.Errorf("medium series: %w", err)
	}
	if short == nil || medium == nil {
		log.Debug("series unavailable, skipping")
		return nil
	}

	sig, err := r.deps.Signals.SignalFor(ctx, inst.Symbol, short, medium)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if sig == nil {
		return nil
	}

	ltp, ok, err := r.deps.Data.LTP(ctx, inst.Segment, inst.SecurityID)
	if err != nil {
		return fmt.Errorf("ltp: %w", err)
	}
	if !ok {
		log.Debug("no live price, skipping")
		return nil
	}

	d, err := r.deps.Policy.BuildDecision(ctx, sig, inst, ltp)
	if err != nil {
		return fmt.Errorf("build decision: %w", err)
	}
	if d == nil {
		return nil
	}
	d.Kind = item.Kind

	cash, err := r.deps.Funds.CashBalance(ctx)
	if err != nil {
		return fmt.Errorf("cash balance: %w", err)
	}

	d, err = r.deps.Sizer.Apply(ctx, d, cash)
	if err != nil {
		return fmt.Errorf("size decision: %w", err)
	}
	if d == nil || d.Quantity <= 0 {
		log.Debug("decision not sized, skipping")
		return nil
	}

	d.ExpectedLoss = d.RiskPerUnit.Mul(decimal.NewFromInt(int64(d.Quantity)))

	verdict := r.deps.Risk.AllowEntry(ctx, d.Symbol, d.ExpectedLoss, now)
	if !verdict.OK {
		metrics.EntriesRejected.WithLabelValues(verdict.Reason).Inc()
		log.Info("entry blocked by risk gate",
			zap.String("reason", verdict.Reason),
			zap.String("expected_loss", d.ExpectedLoss.String()))
		return nil
	}

	barTime := short.LastBarTime()
	fp := d.Fingerprint()
	if r.dedup.Seen(fp, barTime) {
		metrics.DecisionsDeduped.Inc()
		log.Debug("duplicate decision for bar, skipping",
			zap.Time("bar", barTime))
		return nil
	}

	dispatched, err := r.deps.Executor.Execute(ctx, d)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if !dispatched {
		log.Debug("executor declined decision")
		return nil
	}

	r.dedup.Record(fp, barTime, now)
	metrics.DecisionsDispatched.Inc()
	log.Info("decision dispatched",
		zap.String("decision_id", d.ID.String()),
		zap.String("direction", string(d.Direction)),
		zap.String("kind", string(d.Kind)),
		zap.Int("quantity", d.Quantity),
		zap.String("entry", d.Entry.String()),
		zap.Time("bar", barTime))
	return nil
}
