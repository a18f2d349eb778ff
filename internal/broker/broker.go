// Package broker defines the broker API contract the engine trades
// against, plus the live tick feed adapter. Every call site wraps
// these methods in the API guard; the types here are plain transport.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType supported by the engine.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest is an order the engine wants placed. Stop and Target,
// when set, request a broker-side bracket.
type OrderRequest struct {
	ClientID   string          `json:"client_id"`
	Segment    string          `json:"segment"`
	SecurityID string          `json:"security_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Target     decimal.Decimal `json:"target"`
	Product    string          `json:"product"`
}

// OrderAck is the broker's acceptance of an order.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Position is one open leg as the broker reports it.
type Position struct {
	Segment    string          `json:"segment"`
	SecurityID string          `json:"security_id"`
	Symbol     string          `json:"symbol"`
	Product    string          `json:"product"`
	NetQty     int             `json:"net_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
}

// Tick is one live price update.
type Tick struct {
	Segment    string    `json:"segment"`
	SecurityID string    `json:"security_id"`
	LTP        float64   `json:"ltp"`
	At         time.Time `json:"at"`
}

// Broker is the order/position surface of the broker API.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyBracket(ctx context.Context, segment, securityID string, stop, target decimal.Decimal) error
	Positions(ctx context.Context) ([]Position, error)
	CashBalance(ctx context.Context) (decimal.Decimal, error)
}

// TickSubscriber manages live tick subscriptions. Implemented by the
// websocket feed; faked in tests.
type TickSubscriber interface {
	Subscribe(segment, securityID string) error
	Unsubscribe(segment, securityID string) error
}

// TickHandler receives decoded ticks from the feed.
type TickHandler interface {
	OnTick(tick Tick)
}
