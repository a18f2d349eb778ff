// Package risk answers "can this account enter a new trade right now"
// and records the realized outcome of every closed trade.
//
// All lanes trade one account, so day counters and cooldowns are
// account-wide: every read and write goes through one mutex. State is
// persisted through the durable store after each mutation so a process
// restart resumes with accurate counters.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/store"
)

const (
	dayKeyPrefix = "risk:day:"
	cooldownsKey = "risk:cooldowns"
)

// Profile is the account-wide day risk state.
type Profile struct {
	cfg    Config
	store  store.Store
	logger *zap.Logger
	loc    *time.Location

	mu        sync.Mutex
	days      map[string]*DayState
	cooldowns map[string]time.Time // symbol -> cooldown expiry
}

// NewProfile builds a profile and restores persisted cooldowns.
func NewProfile(cfg Config, st store.Store, logger *zap.Logger) (*Profile, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("risk: bad timezone %q: %w", cfg.Timezone, err)
		}
	}

	if !cfg.DayLossCap.IsPositive() {
		logger.Warn("day loss cap not configured, day-loss gate disabled")
	}

	p := &Profile{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		loc:       loc,
		days:      make(map[string]*DayState),
		cooldowns: make(map[string]time.Time),
	}

	if raw, ok, err := st.Get(context.Background(), cooldownsKey); err != nil {
		logger.Warn("risk: could not restore cooldowns", zap.Error(err))
	} else if ok {
		if err := json.Unmarshal(raw, &p.cooldowns); err != nil {
			logger.Warn("risk: corrupt cooldown snapshot, starting clean", zap.Error(err))
			p.cooldowns = make(map[string]time.Time)
		}
	}

	return p, nil
}

// DayKey formats now as the profile's day key.
func (p *Profile) DayKey(now time.Time) string {
	return now.In(p.loc).Format("2006-01-02")
}

// AllowEntry evaluates the entry gates in order and returns the first
// failing gate's reason. expectedLoss is the candidate's worst-case
// loss (risk per unit times quantity).
func (p *Profile) AllowEntry(ctx context.Context, symbol string, expectedLoss decimal.Decimal, now time.Time) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.sessionOpen(now) {
		return deny(ReasonSessionClosed)
	}

	if expiry, ok := p.cooldowns[symbol]; ok {
		if now.Before(expiry) {
			return deny(ReasonCooldownActive)
		}
		// Lazily expire.
		delete(p.cooldowns, symbol)
		p.persistCooldownsLocked(ctx)
	}

	day := p.dayLocked(ctx, now)

	realizedLoss := decimal.Zero
	if day.RealizedPnL.IsNegative() {
		realizedLoss = day.RealizedPnL.Neg()
	}
	if p.cfg.DayLossCap.IsPositive() && realizedLoss.Add(expectedLoss).GreaterThanOrEqual(p.cfg.DayLossCap) {
		return deny(ReasonDayDownReached)
	}

	if p.cfg.MaxLosers > 0 && day.Losers >= p.cfg.MaxLosers {
		return deny(ReasonMaxLosersReached)
	}

	if p.cfg.MaxConsecutiveLosses > 0 && day.ConsecutiveLosses >= p.cfg.MaxConsecutiveLosses {
		return deny(ReasonConsecutiveLosses)
	}

	return allow()
}

// RegisterFill records a closed trade's realized pnl and updates day
// counters. A losing fill activates the symbol's cooldown; a winning
// or flat fill resets the consecutive-loss streak.
func (p *Profile) RegisterFill(ctx context.Context, symbol string, pnl decimal.Decimal, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	day := p.dayLocked(ctx, ts)
	day.Trades++
	day.RealizedPnL = day.RealizedPnL.Add(pnl)

	if pnl.IsNegative() {
		day.Losers++
		day.ConsecutiveLosses++
		day.LastLossAt = ts
		if p.cfg.CooldownMinutes > 0 {
			p.cooldowns[symbol] = ts.Add(time.Duration(p.cfg.CooldownMinutes) * time.Minute)
			p.persistCooldownsLocked(ctx)
		}
	} else {
		day.ConsecutiveLosses = 0
	}

	p.logger.Info("fill registered",
		zap.String("symbol", symbol),
		zap.String("pnl", pnl.String()),
		zap.Int("trades_today", day.Trades),
		zap.Int("losers_today", day.Losers),
		zap.Int("loss_streak", day.ConsecutiveLosses))

	return p.persistDayLocked(ctx, day)
}

// ResetDay zeroes a day's counters. Explicit operator action, never
// called automatically.
func (p *Profile) ResetDay(ctx context.Context, dayKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	day := &DayState{Day: dayKey, RealizedPnL: decimal.Zero}
	p.days[dayKey] = day
	p.logger.Warn("day risk state reset by operator", zap.String("day", dayKey))
	return p.persistDayLocked(ctx, day)
}

// DayStats returns a copy of the day state for now.
func (p *Profile) DayStats(ctx context.Context, now time.Time) DayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.dayLocked(ctx, now)
}

// CooldownUntil reports the active cooldown expiry for symbol, if any.
func (p *Profile) CooldownUntil(symbol string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.cooldowns[symbol]
	return exp, ok
}

// dayLocked returns the state for now's day, loading it from the
// store on first access and creating it lazily when absent. Caller
// must hold p.mu.
func (p *Profile) dayLocked(ctx context.Context, now time.Time) *DayState {
	key := p.DayKey(now)
	if d, ok := p.days[key]; ok {
		return d
	}

	d := &DayState{Day: key, RealizedPnL: decimal.Zero}
	if raw, ok, err := p.store.Get(ctx, dayKeyPrefix+key); err != nil {
		p.logger.Warn("risk: day state load failed, starting from zero",
			zap.String("day", key), zap.Error(err))
	} else if ok {
		if err := json.Unmarshal(raw, d); err != nil {
			p.logger.Warn("risk: corrupt day state, starting from zero",
				zap.String("day", key), zap.Error(err))
			d = &DayState{Day: key, RealizedPnL: decimal.Zero}
		}
	}
	p.days[key] = d
	return d
}

func (p *Profile) persistDayLocked(ctx context.Context, day *DayState) error {
	raw, err := json.Marshal(day)
	if err != nil {
		return fmt.Errorf("risk: marshal day state: %w", err)
	}
	// Day states are retained for audit: no TTL.
	if err := p.store.Put(ctx, dayKeyPrefix+day.Day, raw, 0); err != nil {
		return fmt.Errorf("risk: persist day state: %w", err)
	}
	return nil
}

func (p *Profile) persistCooldownsLocked(ctx context.Context) {
	raw, err := json.Marshal(p.cooldowns)
	if err != nil {
		p.logger.Warn("risk: marshal cooldowns", zap.Error(err))
		return
	}
	if err := p.store.Put(ctx, cooldownsKey, raw, 0); err != nil {
		p.logger.Warn("risk: persist cooldowns", zap.Error(err))
	}
}

// sessionOpen reports whether now falls inside the configured session
// window. Caller must hold p.mu (reads only config, but kept under the
// lock for a single evaluation order).
func (p *Profile) sessionOpen(now time.Time) bool {
	if p.cfg.SessionStart == "" || p.cfg.SessionEnd == "" {
		return true
	}
	local := now.In(p.loc)
	start, err1 := clockTime(local, p.cfg.SessionStart)
	end, err2 := clockTime(local, p.cfg.SessionEnd)
	if err1 != nil || err2 != nil {
		// Config validation keeps this from happening; fail closed.
		p.logger.Error("risk: bad session window config",
			zap.String("start", p.cfg.SessionStart),
			zap.String("end", p.cfg.SessionEnd))
		return false
	}
	return !local.Before(start) && !local.After(end)
}

// clockTime anchors an "HH:MM" string on ref's date in ref's location.
func clockTime(ref time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location()), nil
}
