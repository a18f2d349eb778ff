package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/broker"
	"github.com/Aidin1998/scalpex/internal/config"
	"github.com/Aidin1998/scalpex/internal/controls"
	"github.com/Aidin1998/scalpex/internal/guard"
	"github.com/Aidin1998/scalpex/internal/lane"
	"github.com/Aidin1998/scalpex/internal/ops"
	"github.com/Aidin1998/scalpex/internal/position"
	"github.com/Aidin1998/scalpex/internal/risk"
	"github.com/Aidin1998/scalpex/internal/store"
	"github.com/Aidin1998/scalpex/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "scalpex:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("scalpex starting",
		zap.String("environment", cfg.Environment),
		zap.Int("lanes", len(cfg.Lanes)))

	st, err := store.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	ctl := controls.New(log)

	profile, err := risk.NewProfile(risk.Config{
		DayLossCap:           decimal.NewFromFloat(cfg.Risk.DayLossCap),
		MaxLosers:            cfg.Risk.MaxLosers,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		CooldownMinutes:      cfg.Risk.CooldownMinutes,
		SessionStart:         cfg.Risk.SessionStart,
		SessionEnd:           cfg.Risk.SessionEnd,
		Timezone:             cfg.Risk.Timezone,
	}, st, log)
	if err != nil {
		return err
	}

	client := broker.NewRESTClient(cfg.Broker.BaseURL, cfg.Broker.AccessToken, log)
	feed := broker.NewTickFeed(cfg.Broker.FeedURL, cfg.Broker.AccessToken, log)

	guardCfg := guard.Config{
		MinInterval:    time.Duration(cfg.Guard.MinIntervalMs) * time.Millisecond,
		BucketCapacity: cfg.Guard.BucketCapacity,
		RefillRate:     cfg.Guard.RefillPerSecond,
		BackoffFloor:   time.Duration(cfg.Guard.BackoffFloorMs) * time.Millisecond,
		BackoffCeiling: time.Duration(cfg.Guard.BackoffCeilingMs) * time.Millisecond,
		AuthErrorCodes: cfg.Guard.AuthErrorCodes,
	}

	exitPolicy := position.ExitPolicy{
		StopPct:            cfg.Exits.StopPct,
		TargetPct:          cfg.Exits.TargetPct,
		BreakevenAtPct:     cfg.Exits.BreakevenAtPct,
		TrailJumpPct:       cfg.Exits.TrailJumpPct,
		LockStepPct:        cfg.Exits.LockStepPct,
		StaleWinMinGainPct: cfg.Exits.StaleWinMinGainPct,
		StaleWinAfter:      time.Duration(cfg.Exits.StaleWinAfterSec) * time.Second,
		BracketSyncEvery:   time.Duration(cfg.Exits.BracketSyncMs) * time.Millisecond,
	}

	// Position lifecycle gets its own guard so a chatty lane cannot
	// starve exit orders of tokens.
	posGuard := guard.New(guardCfg, ctl, log.Named("guard.positions"))
	sup := position.NewSupervisor(position.SupervisorConfig{
		Policy:          exitPolicy,
		ManagedSegments: cfg.Reconcile.ManagedSegments,
		ManagedProducts: cfg.Reconcile.ManagedProducts,
		ReconcileEvery:  time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
	}, &position.GuardedGateway{Broker: client, Guard: posGuard}, feed, st, position.NopNotifier{}, log.Named("supervisor"))
	feed.SetHandler(sup)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		feed.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.RunReconcileLoop(ctx)
	}()

	for _, laneCfg := range cfg.Lanes {
		laneGuard := guard.New(guardCfg, ctl, log.Named("guard."+laneCfg.Name))
		strat, err := lane.NewStrategy(laneCfg.Strategy, lane.Env{
			Broker:    client,
			Guard:     laneGuard,
			Positions: sup,
			Logger:    log.Named("lane." + laneCfg.Name),
		})
		if err != nil {
			return err
		}

		runner := lane.NewRunner(lane.RunnerConfig{
			Name:         laneCfg.Name,
			PollInterval: time.Duration(laneCfg.PollIntervalMs) * time.Millisecond,
			DedupTTL:     time.Duration(laneCfg.DedupTTLSec) * time.Second,
			Watchlist:    watchlist(laneCfg),
		}, lane.Deps{
			Controls: ctl,
			Risk:     profile,
			Data:     strat.Data,
			Signals:  strat.Signals,
			Policy:   strat.Policy,
			Sizer:    strat.Sizer,
			Executor: strat.Executor,
			Funds:    guardedFunds{client: client, guard: laneGuard},
		}, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}

	opsServer := ops.NewServer(cfg.Ops.Address, ctl, profile, sup, log.Named("ops"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opsServer.Run(ctx); err != nil {
			log.Error("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for lanes to finish")
	wg.Wait()
	log.Info("scalpex stopped")
	return nil
}

func watchlist(laneCfg config.LaneConfig) []lane.WatchItem {
	items := make([]lane.WatchItem, 0, len(laneCfg.Watchlist))
	for _, w := range laneCfg.Watchlist {
		items = append(items, lane.WatchItem{
			Instrument: lane.Instrument{
				Segment:    w.Segment,
				SecurityID: w.SecurityID,
				Symbol:     w.Symbol,
				LotSize:    w.LotSize,
			},
			Kind:           lane.Kind(strings.ToUpper(w.Kind)),
			ShortInterval:  w.ShortInterval,
			MediumInterval: w.MediumInterval,
		})
	}
	return items
}

// guardedFunds routes cash-balance reads through the lane's guard.
type guardedFunds struct {
	client broker.Broker
	guard  *guard.Guard
}

func (f guardedFunds) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	return guard.Call(ctx, f.guard, "funds", func() (decimal.Decimal, error) {
		return f.client.CashBalance(ctx)
	})
}
