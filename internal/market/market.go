// Package market declares the market-data contracts the engine
// consumes. Candle fetching and aggregation live behind the Data
// interface and are supplied by the hosting application.
package market

import (
	"context"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series is an interval-ordered candle sequence, oldest first.
type Series struct {
	Interval string   `json:"interval"`
	Candles  []Candle `json:"candles"`
}

// LastBarTime returns the start time of the most recent bar, or the
// zero time for an empty series.
func (s *Series) LastBarTime() time.Time {
	if s == nil || len(s.Candles) == 0 {
		return time.Time{}
	}
	return s.Candles[len(s.Candles)-1].Start
}

// Data supplies candle series and last traded prices. A nil series or
// ok=false price means "unavailable right now" and is not an error.
type Data interface {
	Series(ctx context.Context, segment, securityID, interval string) (*Series, error)
	LTP(ctx context.Context, segment, securityID string) (float64, bool, error)
}
