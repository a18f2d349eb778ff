package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Gate rejection reason codes. These are stable strings: they appear
// in logs, metrics labels, and the ops surface.
const (
	ReasonOK                = "ok"
	ReasonSessionClosed     = "session_closed"
	ReasonCooldownActive    = "cooldown_active"
	ReasonDayDownReached    = "day_down_reached"
	ReasonMaxLosersReached  = "max_losers_reached"
	ReasonConsecutiveLosses = "consecutive_losses"
)

// Verdict is the result of an entry gate evaluation.
type Verdict struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func allow() Verdict        { return Verdict{OK: true, Reason: ReasonOK} }
func deny(r string) Verdict { return Verdict{OK: false, Reason: r} }

// DayState holds one calendar trading day's accounting. It is
// persisted after every mutation and never deleted; a restart resumes
// with accurate counters.
type DayState struct {
	Day               string          `json:"day"` // YYYY-MM-DD in the session timezone
	Trades            int             `json:"trades"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	Losers            int             `json:"losers"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	LastLossAt        time.Time       `json:"last_loss_at"`
}

// Config holds the day-level risk limits shared by all lanes.
type Config struct {
	DayLossCap           decimal.Decimal // projected loss at or above this blocks entries
	MaxLosers            int             // losing trades per day
	MaxConsecutiveLosses int
	CooldownMinutes      int    // per-symbol cooldown after a loss
	SessionStart         string // "HH:MM" in Timezone, empty = always open
	SessionEnd           string
	Timezone             string // IANA name, e.g. "Asia/Kolkata"
}
