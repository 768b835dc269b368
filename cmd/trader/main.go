package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradecore/internal/chaos"
	"tradecore/internal/engine"
	"tradecore/internal/exchange"
	"tradecore/internal/journal"
	"tradecore/internal/mdg"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/conn"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML or JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *configReload, *pyroscopeAddr); err != nil {
		logs.Errorf("trader stopped, err: %+v", err)
		os.Exit(1)
	}
}

func run(configPath string, reload time.Duration, pyroscopeAddr string) error {
	loaded, err := ops.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sys.Shutdown():
			stop()
		case <-ctx.Done():
		}
	}()

	if pyroscopeAddr != "" {
		loaded.Pyroscope.Addr = pyroscopeAddr
	}
	if loaded.Pyroscope.Addr != "" {
		profiler, err := startProfiler(loaded.Pyroscope)
		if err != nil {
			return errors.Wrap(err, "start pyroscope")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	repo, closeRepo, err := openRepository(ctx, loaded.Store)
	if err != nil {
		return err
	}
	defer closeRepo()

	sim := exchange.NewSimulator(exchange.SimulatorConfig{
		Session: loaded.Paper.Session,
		Latency: loaded.Paper.Latency,
	})
	tickSizes := make(map[string]decimal.Decimal, len(loaded.Paper.Filters))
	for _, f := range loaded.Paper.Filters {
		sim.SetFilter(f)
		tickSizes[f.Symbol] = f.TickSize
	}

	var gateway exchange.Gateway = sim
	if loaded.Paper.Chaos.Enabled() {
		if gateway, err = chaos.Wrap(sim, loaded.Paper.Chaos); err != nil {
			return errors.Wrap(err, "wrap chaos gateway")
		}
		logs.Infof("chaos enabled, fail rate: %.3f, max delay: %s", loaded.Paper.Chaos.FailRate, loaded.Paper.Chaos.MaxDelay)
	}

	var feed *mdg.Generator
	if loaded.Paper.Feed.Interval > 0 {
		feed, err = mdg.NewGenerator(mdg.GeneratorConfig{
			BasePrices: loaded.Paper.Feed.BasePrices,
			MaxMove:    loaded.Paper.Feed.MaxMove,
			TickSizes:  tickSizes,
			Seed:       loaded.Paper.Feed.Seed,
		})
		if err != nil {
			return errors.Wrap(err, "create market data generator")
		}
	}

	registry := strategy.NewRegistry()
	for _, b := range loaded.Strategies {
		if err := registry.Register(strategy.NewBreakout(b.ID, b.Symbols, b.Lookback, b.Quantity)); err != nil {
			return errors.Wrapf(err, "register strategy %s", b.ID)
		}
	}

	eng, err := engine.New(loaded, engine.Deps{
		Gateway:   gateway,
		Repo:      repo,
		Registry:  registry,
		Simulator: sim,
		Feed:      feed,
		Metrics:   obs.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return errors.Wrap(err, "create engine")
	}
	if err := eng.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore state")
	}

	if reload > 0 {
		go ops.Watch(ctx, configPath, reload, eng.Reload)
	}

	logs.Infof("trader started, symbols: %s, store: %s", strings.Join(loaded.Symbols, ","), loaded.Store.Kind)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logs.Info("trader stopped")
	return nil
}

// openRepository returns the configured record store and its closer.
func openRepository(ctx context.Context, cfg ops.StoreConfig) (store.Repository, func(), error) {
	switch cfg.Kind {
	case ops.StoreMemory:
		repo := store.NewMemory()
		return repo, func() { _ = repo.Close() }, nil
	case ops.StorePostgres:
		client, err := conn.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect postgres")
		}
		repo, err := store.NewGorm(client.DB())
		if err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, "create gorm repository")
		}
		return repo, func() {
			_ = repo.Close()
			if err := client.Close(); err != nil {
				logs.Errorf("close postgres, err: %+v", err)
			}
		}, nil
	default:
		repo, err := journal.Open(cfg.Journal)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open journal")
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logs.Errorf("close journal, err: %+v", err)
			}
		}, nil
	}
}

func startProfiler(cfg ops.PyroscopeConfig) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.App,
		ServerAddress:   cfg.Addr,
		Tags: map[string]string{
			"service": "trader",
		},
		Logger: emptyLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
