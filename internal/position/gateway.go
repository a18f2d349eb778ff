// Package position owns the life of an open leg: the per-position
// trailing-exit state machine (Tracker) and the registry that keeps
// in-memory state consistent with the broker (Supervisor).
package position

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/scalpex/internal/broker"
	"github.com/Aidin1998/scalpex/internal/guard"
)

// Gateway is the slice of the broker surface trackers and the
// supervisor need. In production it is the guarded broker; tests
// supply fakes.
type Gateway interface {
	ModifyBracket(ctx context.Context, segment, securityID string, stop, target float64) error
	ExitMarket(ctx context.Context, segment, securityID, symbol string, quantity int) (broker.OrderAck, error)
	OpenPositions(ctx context.Context) ([]broker.Position, error)
}

// GuardedGateway routes every call through the API guard.
type GuardedGateway struct {
	Broker broker.Broker
	Guard  *guard.Guard
}

func (g *GuardedGateway) ModifyBracket(ctx context.Context, segment, securityID string, stop, target float64) error {
	// Prices go to the wire with two decimals; finer tick handling is
	// the broker adapter's concern.
	stopD := decimal.NewFromFloat(stop).Round(2)
	targetD := decimal.NewFromFloat(target).Round(2)
	return g.Guard.Do(ctx, "modify_bracket", func() error {
		return g.Broker.ModifyBracket(ctx, segment, securityID, stopD, targetD)
	})
}

func (g *GuardedGateway) ExitMarket(ctx context.Context, segment, securityID, symbol string, quantity int) (broker.OrderAck, error) {
	req := broker.OrderRequest{
		Segment:    segment,
		SecurityID: securityID,
		Symbol:     symbol,
		Side:       broker.SideSell,
		Type:       broker.OrderTypeMarket,
		Quantity:   quantity,
	}
	return guard.Call(ctx, g.Guard, "exit_order", func() (broker.OrderAck, error) {
		return g.Broker.PlaceOrder(ctx, req)
	})
}

func (g *GuardedGateway) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	return guard.Call(ctx, g.Guard, "positions", func() ([]broker.Position, error) {
		return g.Broker.Positions(ctx)
	})
}

// Notifier delivers operator-facing alerts. Delivery transport lives
// outside this engine; failures are logged and swallowed.
type Notifier interface {
	Notify(ctx context.Context, event, message string) error
}

// NopNotifier drops everything.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }
