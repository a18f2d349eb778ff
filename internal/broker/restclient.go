package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/guard"
)

// RESTClient implements Broker against the broker's HTTP order API.
// It does no throttling or retrying of its own: callers go through the
// API guard, and this client only classifies failures for it.
type RESTClient struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewRESTClient builds a client for the given base URL and token.
func NewRESTClient(baseURL, accessToken string, logger *zap.Logger) *RESTClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetHeader("access-token", accessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &RESTClient{http: http, logger: logger}
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var ack OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ack).
		Post("/orders")
	if err := classify(resp, err, "place order"); err != nil {
		return OrderAck{}, err
	}
	return ack, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/orders/" + orderID)
	return classify(resp, err, "cancel order")
}

func (c *RESTClient) ModifyBracket(ctx context.Context, segment, securityID string, stop, target decimal.Decimal) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"segment":     segment,
			"security_id": securityID,
			"stop_loss":   stop.String(),
			"target":      target.String(),
		}).
		Put("/orders/bracket")
	return classify(resp, err, "modify bracket")
}

func (c *RESTClient) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/positions")
	if err := classify(resp, err, "positions"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		AvailableCash decimal.Decimal `json:"available_cash"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/funds")
	if err := classify(resp, err, "funds"); err != nil {
		return decimal.Zero, err
	}
	return out.AvailableCash, nil
}

// classify maps transport and HTTP failures onto the guard's error
// taxonomy: network errors, 429 and 5xx are retryable; other non-2xx
// responses surface as-is (auth failures are recognized by message at
// the guard).
func classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return guard.Retryable(fmt.Errorf("%s: %w", op, err))
	}
	if resp.IsSuccess() {
		return nil
	}
	code := resp.StatusCode()
	apiErr := fmt.Errorf("%s: broker returned %d: %s", op, code, resp.String())
	if code == 429 || code >= 500 {
		return guard.Retryable(apiErr)
	}
	return apiErr
}
