// Package lane contains the per-lane orchestration: the contracts a
// lane's strategy supplies (signal source, policy, sizer, executor)
// and the polling runner that turns them into risk-gated, deduplicated
// executions.
package lane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/scalpex/internal/market"
)

// Direction of a candidate trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Kind discriminates the instrument class a decision trades.
type Kind string

const (
	KindStock  Kind = "STOCK"
	KindOption Kind = "OPTION"
)

// Instrument identifies one tradable instrument.
type Instrument struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
	Symbol     string `json:"symbol"`
	LotSize    int    `json:"lot_size"`
}

// Signal is a directional trading signal from the lane's signal
// source. Indicator math lives behind SignalSource, not here.
type Signal struct {
	Direction  Direction         `json:"direction"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Decision is a fully specified candidate trade. It is owned by the
// runner for one cycle and never mutated after creation, except for
// the ExpectedLoss stamp just before dispatch.
type Decision struct {
	ID           uuid.UUID         `json:"id"`
	Instrument   Instrument        `json:"instrument"`
	Symbol       string            `json:"symbol"`
	Direction    Direction         `json:"direction"`
	Kind         Kind              `json:"kind"`
	Entry        decimal.Decimal   `json:"entry"`
	Stop         decimal.Decimal   `json:"stop"`
	Target       decimal.Decimal   `json:"target"`
	Quantity     int               `json:"quantity"`
	RiskPerUnit  decimal.Decimal   `json:"risk_per_unit"`
	ExpectedLoss decimal.Decimal   `json:"expected_loss"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Fingerprint derives the dedup key: decisions with the same symbol,
// direction and kind are the same trade idea regardless of size.
func (d *Decision) Fingerprint() string {
	h := sha256.Sum256([]byte(d.Symbol + "|" + string(d.Direction) + "|" + string(d.Kind)))
	return hex.EncodeToString(h[:])
}

// SignalSource produces a signal from two candle series, or nil when
// there is nothing to act on.
type SignalSource interface {
	SignalFor(ctx context.Context, symbol string, short, medium *market.Series) (*Signal, error)
}

// Policy turns a signal into a candidate decision, or nil to pass.
type Policy interface {
	BuildDecision(ctx context.Context, sig *Signal, inst Instrument, ltp float64) (*Decision, error)
}

// Sizer sizes a decision against available cash. Returning nil means
// the decision cannot be sized and is dropped.
type Sizer interface {
	Apply(ctx context.Context, d *Decision, cash decimal.Decimal) (*Decision, error)
}

// Executor dispatches a sized, risk-approved decision. The boolean is
// true when the order was handed to the broker.
type Executor interface {
	Execute(ctx context.Context, d *Decision) (bool, error)
}

// Funds exposes the account's available cash for sizing.
type Funds interface {
	CashBalance(ctx context.Context) (decimal.Decimal, error)
}
