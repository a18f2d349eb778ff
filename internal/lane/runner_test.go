package lane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/scalpex/internal/controls"
	"github.com/Aidin1998/scalpex/internal/market"
	"github.com/Aidin1998/scalpex/internal/risk"
	"github.com/Aidin1998/scalpex/internal/store"
)

// --- fakes ---

type fakeData struct {
	mu      sync.Mutex
	barTime time.Time
	noData  bool
}

func (f *fakeData) setBar(ts time.Time) {
	f.mu.Lock()
	f.barTime = ts
	f.mu.Unlock()
}

func (f *fakeData) Series(_ context.Context, _, _, interval string) (*market.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noData {
		return nil, nil
	}
	return &market.Series{
		Interval: interval,
		Candles:  []market.Candle{{Start: f.barTime, Close: 100}},
	}, nil
}

func (f *fakeData) LTP(context.Context, string, string) (float64, bool, error) {
	return 101.5, true, nil
}

type fakeSignals struct{ none bool }

func (f *fakeSignals) SignalFor(context.Context, string, *market.Series, *market.Series) (*Signal, error) {
	if f.none {
		return nil, nil
	}
	return &Signal{Direction: DirectionLong, Confidence: 0.8, Reason: "breakout"}, nil
}

type fakePolicy struct{}

func (fakePolicy) BuildDecision(_ context.Context, sig *Signal, inst Instrument, ltp float64) (*Decision, error) {
	entry := decimal.NewFromFloat(ltp)
	return &Decision{
		ID:          uuid.New(),
		Instrument:  inst,
		Symbol:      inst.Symbol,
		Direction:   sig.Direction,
		Entry:       entry,
		Stop:        entry.Mul(decimal.NewFromFloat(0.9)),
		Target:      entry.Mul(decimal.NewFromFloat(1.2)),
		RiskPerUnit: decimal.NewFromInt(10),
	}, nil
}

type fakeSizer struct{ qty int }

func (f *fakeSizer) Apply(_ context.Context, d *Decision, _ decimal.Decimal) (*Decision, error) {
	d.Quantity = f.qty
	return d, nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	decisions []*Decision
}

func (f *fakeExecutor) Execute(_ context.Context, d *Decision) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return true, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}

type fakeFunds struct{}

func (fakeFunds) CashBalance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

// --- harness ---

type harness struct {
	runner   *Runner
	controls *controls.Controls
	data     *fakeData
	executor *fakeExecutor
	sizer    *fakeSizer
	signals  *fakeSignals
}

func newHarness(t *testing.T, riskCfg risk.Config) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctl := controls.New(log)
	profile, err := risk.NewProfile(riskCfg, store.NewMemoryStore(), log)
	require.NoError(t, err)

	data := &fakeData{barTime: time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)}
	executor := &fakeExecutor{}
	sizer := &fakeSizer{qty: 25}
	signals := &fakeSignals{}

	r := NewRunner(RunnerConfig{
		Name:         "test-lane",
		PollInterval: time.Millisecond,
		DedupTTL:     10 * time.Minute,
		Watchlist: []WatchItem{{
			Instrument:     Instrument{Segment: "NSE_FNO", SecurityID: "49081", Symbol: "NIFTY24500CE", LotSize: 25},
			Kind:           KindOption,
			ShortInterval:  "1m",
			MediumInterval: "5m",
		}},
	}, Deps{
		Controls: ctl,
		Risk:     profile,
		Data:     data,
		Signals:  signals,
		Policy:   fakePolicy{},
		Sizer:    sizer,
		Executor: executor,
		Funds:    fakeFunds{},
	}, log)

	return &harness{runner: r, controls: ctl, data: data, executor: executor, sizer: sizer, signals: signals}
}

func permissiveRisk() risk.Config {
	return risk.Config{
		DayLossCap: decimal.NewFromInt(1000000),
		Timezone:   "UTC",
	}
}

// --- tests ---

func TestRunOnceDispatchesAtMostOncePerBar(t *testing.T) {
	h := newHarness(t, permissiveRisk())
	now := time.Date(2024, 3, 11, 10, 1, 0, 0, time.UTC)

	h.runner.RunOnce(context.Background(), now)
	h.runner.RunOnce(context.Background(), now.Add(time.Second))
	h.runner.RunOnce(context.Background(), now.Add(2*time.Second))

	assert.Equal(t, 1, h.executor.count(), "same bar must dispatch once")

	// A new bar is a new opportunity.
	h.data.setBar(h.data.barTime.Add(time.Minute))
	h.runner.RunOnce(context.Background(), now.Add(time.Minute))
	assert.Equal(t, 2, h.executor.count())
}

func TestRunOnceExpectedLossStamped(t *testing.T) {
	h := newHarness(t, permissiveRisk())

	h.runner.RunOnce(context.Background(), time.Now())

	require.Equal(t, 1, h.executor.count())
	d := h.executor.decisions[0]
	// risk_per_unit 10 x qty 25
	assert.True(t, d.ExpectedLoss.Equal(decimal.NewFromInt(250)), "got %s", d.ExpectedLoss)
	assert.Equal(t, KindOption, d.Kind)
}

func TestRunOnceNoopWhenTradingDisabled(t *testing.T) {
	h := newHarness(t, permissiveRisk())
	h.controls.Disable("operator: flat for the day")

	h.runner.RunOnce(context.Background(), time.Now())

	assert.Zero(t, h.executor.count())
}

func TestRunOnceRiskGateBlocksDispatch(t *testing.T) {
	cfg := permissiveRisk()
	cfg.DayLossCap = decimal.NewFromInt(100) // expected loss 250 >= 100
	h := newHarness(t, cfg)

	h.runner.RunOnce(context.Background(), time.Now())

	assert.Zero(t, h.executor.count())
}

func TestRunOnceSkipsUnsizedDecision(t *testing.T) {
	h := newHarness(t, permissiveRisk())
	h.sizer.qty = 0

	h.runner.RunOnce(context.Background(), time.Now())

	assert.Zero(t, h.executor.count())
}

func TestRunOnceSkipsWhenSeriesUnavailable(t *testing.T) {
	h := newHarness(t, permissiveRisk())
	h.data.noData = true

	h.runner.RunOnce(context.Background(), time.Now())

	assert.Zero(t, h.executor.count())
}

func TestRunOnceSkipsWhenNoSignal(t *testing.T) {
	h := newHarness(t, permissiveRisk())
	h.signals.none = true

	h.runner.RunOnce(context.Background(), time.Now())

	assert.Zero(t, h.executor.count())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, permissiveRisk())

	done := make(chan struct{})
	go func() {
		h.runner.Run(context.Background())
		close(done)
	}()

	assert.NotPanics(t, func() {
		h.runner.Stop()
		h.runner.Stop()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestStopBeforeRunDoesNotPanic(t *testing.T) {
	h := newHarness(t, permissiveRisk())

	assert.NotPanics(t, h.runner.Stop)

	done := make(chan struct{})
	go func() {
		h.runner.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not honor a pre-run stop")
	}
}

func TestRunLoopStops(t *testing.T) {
	h := newHarness(t, permissiveRisk())

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.runner.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
