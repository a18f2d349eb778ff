package lane

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/broker"
	"github.com/Aidin1998/scalpex/internal/guard"
	"github.com/Aidin1998/scalpex/internal/market"
	"github.com/Aidin1998/scalpex/internal/position"
)

// PositionRegistrar hands a filled leg to the position supervisor.
// Executors call it on fill so a fresh leg is tracked immediately
// instead of running unmanaged until the next reconcile pass.
type PositionRegistrar interface {
	RegisterPosition(ctx context.Context, attrs position.Attrs) (*position.Tracker, bool)
}

// Strategy bundles the collaborators one lane needs beyond the shared
// infrastructure: where market data and signals come from, and how
// decisions are built, sized, and executed.
type Strategy struct {
	Data     market.Data
	Signals  SignalSource
	Policy   Policy
	Sizer    Sizer
	Executor Executor
}

// Env is what a strategy factory may wire against.
type Env struct {
	Broker    broker.Broker
	Guard     *guard.Guard
	Positions PositionRegistrar
	Logger    *zap.Logger
}

// Factory builds a lane strategy (e.g. "stocks", "index-options").
// Strategy packages register themselves in init; the engine core ships
// none of its own signal math.
type Factory func(env Env) (Strategy, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// RegisterStrategy makes a factory available under name. Duplicate
// registration panics: it is a programming error in the hosting app.
func RegisterStrategy(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("lane: duplicate strategy registration: " + name)
	}
	registry[name] = f
}

// NewStrategy instantiates the named strategy.
func NewStrategy(name string, env Env) (Strategy, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return Strategy{}, fmt.Errorf("lane: unknown strategy %q (registered: %v)", name, StrategyNames())
	}
	return f(env)
}

// StrategyNames lists registered strategies, sorted.
func StrategyNames() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
