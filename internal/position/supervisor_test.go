package position

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/scalpex/internal/broker"
	"github.com/Aidin1998/scalpex/internal/store"
)

type fakeTicks struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
}

func (f *fakeTicks) Subscribe(segment, securityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, segment+":"+securityID)
	return nil
}

func (f *fakeTicks) Unsubscribe(segment, securityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, segment+":"+securityID)
	return nil
}

func (f *fakeTicks) unsubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubs)
}

func newTestSupervisor(t *testing.T, gw Gateway) (*Supervisor, *fakeTicks, store.Store) {
	t.Helper()
	ticks := &fakeTicks{}
	st := store.NewMemoryStore()
	sup := NewSupervisor(SupervisorConfig{
		Policy:          scalpPolicy(),
		ManagedSegments: []string{"NSE_FNO"},
		ManagedProducts: []string{"INTRADAY"},
		// Short enough that reconcile tests can age a tracker past the
		// stale-drop grace period with a tiny sleep.
		ReconcileEvery: 5 * time.Millisecond,
	}, gw, ticks, st, NopNotifier{}, zaptest.NewLogger(t))
	return sup, ticks, st
}

func longAttrs(securityID string) Attrs {
	return Attrs{
		Segment:    "NSE_FNO",
		SecurityID: securityID,
		Symbol:     "SYM" + securityID,
		Side:       "LONG",
		Quantity:   25,
		EntryPrice: 100,
	}
}

func TestRegisterPositionFirstWins(t *testing.T) {
	sup, ticks, _ := newTestSupervisor(t, &fakeGateway{})
	ctx := context.Background()

	first, created := sup.RegisterPosition(ctx, longAttrs("101"))
	require.NotNil(t, first)
	assert.True(t, created)

	again, created := sup.RegisterPosition(ctx, longAttrs("101"))
	assert.False(t, created)
	assert.Same(t, first, again)

	ticks.mu.Lock()
	assert.Equal(t, []string{"NSE_FNO:101"}, ticks.subs, "only the first registration subscribes")
	ticks.mu.Unlock()
}

func TestRegisterPositionRejectsInvalidAttrs(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, &fakeGateway{})
	ctx := context.Background()

	short := longAttrs("102")
	short.Side = "SHORT"
	tr, _ := sup.RegisterPosition(ctx, short)
	assert.Nil(t, tr)

	flat := longAttrs("103")
	flat.Quantity = 0
	tr, _ = sup.RegisterPosition(ctx, flat)
	assert.Nil(t, tr)

	free := longAttrs("104")
	free.EntryPrice = 0
	tr, _ = sup.RegisterPosition(ctx, free)
	assert.Nil(t, tr)

	assert.Empty(t, sup.Keys())
}

func TestRegisterPositionPersistsSnapshot(t *testing.T) {
	sup, _, st := newTestSupervisor(t, &fakeGateway{})
	ctx := context.Background()

	sup.RegisterPosition(ctx, longAttrs("105"))

	_, found, err := st.Get(ctx, snapshotKeyPrefix+"NSE_FNO:105")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestOnTickRoutesAndExitDeregisters(t *testing.T) {
	gw := &fakeGateway{}
	sup, ticks, st := newTestSupervisor(t, gw)
	ctx := context.Background()

	sup.RegisterPosition(ctx, longAttrs("106"))

	// Below the initial stop of 90: the tracker exits and tears itself
	// out of the registry through the exit hook.
	sup.OnTick(broker.Tick{Segment: "NSE_FNO", SecurityID: "106", LTP: 85, At: time.Now()})

	assert.Empty(t, sup.Keys())
	assert.Equal(t, 1, gw.exitCount())
	assert.Equal(t, 1, ticks.unsubCount())

	_, found, err := st.Get(ctx, snapshotKeyPrefix+"NSE_FNO:106")
	require.NoError(t, err)
	assert.False(t, found, "snapshot cleared on unregister")
}

func TestOnTickUnknownKeyIsIgnored(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, &fakeGateway{})

	assert.NotPanics(t, func() {
		sup.OnTick(broker.Tick{Segment: "NSE_FNO", SecurityID: "nope", LTP: 100, At: time.Now()})
	})
}

func TestReconcileConvergesOnBrokerList(t *testing.T) {
	gw := &fakeGateway{positions: []broker.Position{
		{Segment: "NSE_FNO", SecurityID: "201", Symbol: "A", Product: "INTRADAY", NetQty: 25, AvgPrice: decimal.NewFromInt(100)},
		{Segment: "NSE_FNO", SecurityID: "202", Symbol: "B", Product: "INTRADAY", NetQty: 0, AvgPrice: decimal.NewFromInt(100)},  // flat
		{Segment: "NSE_FNO", SecurityID: "203", Symbol: "C", Product: "INTRADAY", NetQty: 10, AvgPrice: decimal.Zero},           // no avg price yet
		{Segment: "NSE_FNO", SecurityID: "204", Symbol: "D", Product: "CNC", NetQty: 10, AvgPrice: decimal.NewFromInt(100)},     // unmanaged product
		{Segment: "NSE_EQ", SecurityID: "205", Symbol: "E", Product: "INTRADAY", NetQty: 10, AvgPrice: decimal.NewFromInt(100)}, // unmanaged segment
		{Segment: "NSE_FNO", SecurityID: "206", Symbol: "F", Product: "INTRADAY", NetQty: 50, AvgPrice: decimal.NewFromInt(42)},
	}}
	sup, _, _ := newTestSupervisor(t, gw)
	ctx := context.Background()

	// A leg the broker no longer reports open, aged past the
	// stale-drop grace period.
	sup.RegisterPosition(ctx, longAttrs("999"))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, sup.ReconcileOpenPositions(ctx))

	keys := sup.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"NSE_FNO:201", "NSE_FNO:206"}, keys)

	// Dropping a stale tracker is a bookkeeping close, not an order.
	assert.Zero(t, gw.exitCount())
}

func TestReconcileKeepsFreshlyRegisteredTracker(t *testing.T) {
	gw := &fakeGateway{} // broker reports nothing open yet
	sup := NewSupervisor(SupervisorConfig{
		Policy:          scalpPolicy(),
		ManagedSegments: []string{"NSE_FNO"},
		ReconcileEvery:  time.Minute,
	}, gw, &fakeTicks{}, store.NewMemoryStore(), NopNotifier{}, zaptest.NewLogger(t))
	ctx := context.Background()

	// A leg filled moments ago may not be in the broker snapshot yet.
	sup.RegisterPosition(ctx, longAttrs("401"))
	require.NoError(t, sup.ReconcileOpenPositions(ctx))

	assert.Equal(t, []string{"NSE_FNO:401"}, sup.Keys(),
		"a just-filled leg must survive one reconcile pass")
	assert.Zero(t, gw.exitCount())
}

func TestReconcileKeepsExistingTrackerState(t *testing.T) {
	gw := &fakeGateway{positions: []broker.Position{
		{Segment: "NSE_FNO", SecurityID: "301", Symbol: "A", Product: "INTRADAY", NetQty: 25, AvgPrice: decimal.NewFromInt(100)},
	}}
	sup, _, _ := newTestSupervisor(t, gw)
	ctx := context.Background()

	tr, _ := sup.RegisterPosition(ctx, longAttrs("301"))
	tr.OnLTP(105, time.Now()) // breakeven: stop at entry

	require.NoError(t, sup.ReconcileOpenPositions(ctx))

	snaps := sup.Snapshots()
	require.Len(t, snaps, 1)
	assert.InDelta(t, 100.0, snaps[0].Stop, 1e-9, "reconcile must not reset a live tracker")
}

func TestReconcileLoopStops(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, &fakeGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.RunReconcileLoop(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}
