package lane

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/scalpex/internal/position"
)

type fakeRegistrar struct {
	attrs []position.Attrs
}

func (f *fakeRegistrar) RegisterPosition(_ context.Context, attrs position.Attrs) (*position.Tracker, bool) {
	f.attrs = append(f.attrs, attrs)
	return nil, true
}

// registeringExecutor is the shape a hosting app's executor takes: on
// fill it hands the new leg straight to the position supervisor.
type registeringExecutor struct {
	positions PositionRegistrar
}

func (e *registeringExecutor) Execute(ctx context.Context, d *Decision) (bool, error) {
	entry, _ := d.Entry.Float64()
	e.positions.RegisterPosition(ctx, position.Attrs{
		Segment:    d.Instrument.Segment,
		SecurityID: d.Instrument.SecurityID,
		Symbol:     d.Symbol,
		Side:       "LONG",
		Quantity:   d.Quantity,
		EntryPrice: entry,
	})
	return true, nil
}

func TestStrategyExecutorRegistersFilledLeg(t *testing.T) {
	RegisterStrategy("fill-registering", func(env Env) (Strategy, error) {
		return Strategy{Executor: &registeringExecutor{positions: env.Positions}}, nil
	})

	reg := &fakeRegistrar{}
	strat, err := NewStrategy("fill-registering", Env{Positions: reg})
	require.NoError(t, err)

	d := &Decision{
		Instrument: Instrument{Segment: "NSE_FNO", SecurityID: "49081", Symbol: "NIFTY24500CE"},
		Symbol:     "NIFTY24500CE",
		Direction:  DirectionLong,
		Kind:       KindOption,
		Entry:      decimal.NewFromInt(100),
		Quantity:   25,
	}
	ok, err := strat.Executor.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, reg.attrs, 1)
	assert.Equal(t, "NSE_FNO", reg.attrs[0].Segment)
	assert.Equal(t, "49081", reg.attrs[0].SecurityID)
	assert.Equal(t, 25, reg.attrs[0].Quantity)
	assert.InDelta(t, 100.0, reg.attrs[0].EntryPrice, 1e-9)
}

func TestNewStrategyUnknownName(t *testing.T) {
	_, err := NewStrategy("no-such-strategy", Env{})
	assert.ErrorContains(t, err, "no-such-strategy")
}
