package engine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/exchange"
	"tradecore/internal/health"
	"tradecore/internal/mdg"
	"tradecore/internal/model"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/ops"
	"tradecore/internal/precision"
	"tradecore/internal/recovery"
	"tradecore/internal/risk"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/exception"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

// connectivityID freezes signal intake while the exchange is unreachable or
// not yet reconciled.
const connectivityID = "connectivity"

// Deps are the collaborators the engine does not build itself.
type Deps struct {
	Gateway exchange.Gateway
	Repo    store.Repository
	// Registry holds the strategies fed by market data. Nil runs no
	// strategies; signals can still be published on the bus.
	Registry *strategy.Registry
	// Simulator matches resting paper orders against market ticks.
	Simulator *exchange.Simulator
	// Feed publishes synthetic market data.
	Feed    *mdg.Generator
	Metrics *obs.Metrics
	Now     func() time.Time
}

// Engine wires the components and owns their goroutines. Signals of one
// symbol are processed strictly in order by that symbol's pipeline; symbols
// run in parallel.
type Engine struct {
	cfg  ops.Loaded
	deps Deps
	now  func() time.Time

	bus        *bus.Bus
	metrics    *obs.Metrics
	audit      *obs.Auditor
	cache      *precision.Cache
	tracker    *state.Tracker
	guard      *risk.Guard
	orders     *og.Manager
	recovery   *recovery.Coordinator
	runner     *strategy.Runner
	normalizer *mdg.Normalizer
	monitor    *health.Monitor
	server     *health.Server

	signals   *bus.Subscription
	market    *bus.Subscription
	queues    map[string]*bus.Queue
	intake    *gate
	lastEvent atomic.Int64
	restored  *state.Snapshot
}

// gate holds the signal pipelines while the exchange is not reconciled.
// Signals wait in their symbol queues instead of being rejected.
type gate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newGate() *gate {
	return &gate{open: make(chan struct{})}
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate opens or ctx is done.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exposureOf adapts a function to risk.ExposureSource.
type exposureOf func(symbol string) decimal.Decimal

func (f exposureOf) Exposure(symbol string) decimal.Decimal {
	return f(symbol)
}

// New builds every component from cfg. Signals are buffered from here on,
// but the pipelines start consuming them only once the first recovery run
// succeeds.
func New(cfg ops.Loaded, deps Deps) (*Engine, error) {
	if deps.Gateway == nil || deps.Repo == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "engine needs a gateway and a repository")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "engine needs at least one symbol")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = obs.NewMetrics(nil)
	}
	registry := deps.Registry
	if registry == nil {
		registry = strategy.NewRegistry()
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		now:     now,
		metrics: metrics,
		tracker: state.NewTracker(),
		queues:  make(map[string]*bus.Queue, len(cfg.Symbols)),
		intake:  newGate(),
	}
	e.bus = bus.New(bus.WithQueueLength(cfg.Engine.QueueLength), bus.WithObserver(metrics))
	var err error
	if e.signals, err = e.bus.Subscribe(bus.TopicSignal); err != nil {
		return nil, err
	}
	if e.market, err = e.bus.Subscribe(bus.TopicMarket); err != nil {
		return nil, err
	}
	e.audit = obs.NewAuditor(e.bus, metrics)
	e.cache = precision.NewCache(deps.Gateway, cfg.Engine.FilterStaleAfter, now)
	validator := precision.NewValidator(e.cache, cfg.Engine.Rounding)

	e.guard = risk.New(cfg.Risk, validator,
		exposureOf(func(symbol string) decimal.Decimal { return e.orders.Exposure(symbol) }),
		e.tracker,
		risk.WithClock(now),
		risk.WithRepository(deps.Repo),
		risk.WithAuditor(e.audit),
	)
	e.orders = og.New(cfg.Order, deps.Gateway, e.tracker, deps.Repo,
		og.WithClock(now),
		og.WithPublisher(e.bus),
		og.WithAuditor(e.audit),
		og.WithRiskFeedback(e.guard),
	)
	if deps.Simulator != nil {
		deps.Simulator.SetListener(e.orders)
	}
	e.recovery = recovery.New(cfg.Recovery, deps.Gateway, e.orders, e.tracker, e.guard, deps.Repo,
		recovery.WithClock(now),
		recovery.WithAuditor(e.audit),
	)
	e.runner = strategy.NewRunner(registry, e.bus, 0)
	e.normalizer = mdg.NewNormalizer(cfg.Symbols, now)

	e.monitor = health.NewMonitor(health.Sources{
		Exchange:  deps.Gateway,
		Risk:      e.guard,
		Recovery:  e.recovery,
		LastEvent: e.LastEventAt,
	}, cfg.Health.Interval, now)
	if cfg.Health.Addr != "" {
		e.server = health.NewServer(health.ServerConfig{
			Addr:    cfg.Health.Addr,
			Metrics: cfg.Health.Metrics,
			AppName: "tradecore",
		}, e.monitor, e.guard, e.recovery)
	}

	for _, symbol := range cfg.Symbols {
		e.queues[symbol] = bus.NewQueue(cfg.Engine.QueueLength)
		e.guard.Freeze(symbol, connectivityID)
		e.tracker.SetLeverage(symbol, cfg.Risk.LimitsOf(symbol).Leverage)
	}
	return e, nil
}

// Bus returns the event bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Guard() *risk.Guard {
	return e.guard
}

func (e *Engine) Orders() *og.Manager {
	return e.orders
}

func (e *Engine) Positions() *state.Tracker {
	return e.tracker
}

func (e *Engine) Recovery() *recovery.Coordinator {
	return e.recovery
}

func (e *Engine) Monitor() *health.Monitor {
	return e.monitor
}

// Server returns the health server, nil when no address is configured.
func (e *Engine) Server() *health.Server {
	return e.server
}

// LastEventAt returns when the last signal or market event was processed.
func (e *Engine) LastEventAt() time.Time {
	n := e.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (e *Engine) touch() {
	e.lastEvent.Store(e.now().UnixNano())
}

// Reload swaps the risk limits and position leverage. Evaluations already
// running keep the limits they started with.
func (e *Engine) Reload(loaded ops.Loaded) {
	e.guard.SetConfig(loaded.Risk)
	for _, symbol := range e.cfg.Symbols {
		e.tracker.SetLeverage(symbol, loaded.Risk.LimitsOf(symbol).Leverage)
	}
}

// Restore rebuilds local state from the position snapshot and the
// repository. It runs once, before Run.
func (e *Engine) Restore(ctx context.Context) error {
	if path := e.cfg.Engine.SnapshotPath; path != "" {
		snapshot, err := state.ReadSnapshot(path)
		switch {
		case err == nil:
			e.tracker.ApplySnapshot(snapshot)
			e.restored = &snapshot
			logs.Infof("positions restored from snapshot, positions: %d, taken at: %s", len(snapshot.Positions), snapshot.Timestamp)
		case exception.Is(err, os.ErrNotExist):
		default:
			return errors.Wrap(err, "read position snapshot")
		}
	}

	orders, err := e.orders.Restore(ctx, e.deps.Repo)
	if err != nil {
		return errors.Wrap(err, "restore orders")
	}
	scopes, err := e.guard.Restore(ctx, e.deps.Repo)
	if err != nil {
		return errors.Wrap(err, "restore risk states")
	}
	pending, err := e.recovery.Restore(ctx)
	if err != nil {
		return errors.Wrap(err, "restore recovery conflicts")
	}
	logs.Infof("state restored, orders: %d, risk scopes: %d, pending conflicts: %d", orders, scopes, pending)

	for _, symbol := range e.cfg.Symbols {
		if _, err := e.cache.Get(ctx, symbol); err != nil {
			logs.Errorf("warm filter %s, err: %+v", symbol, err)
		}
	}
	return nil
}

// Run starts every loop and blocks until ctx is done or a loop fails. The
// position snapshot is written and the bus closed on the way out.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bus.Consume(ctx, e.signals, "signal-dispatch", e.dispatch)
		return nil
	})
	g.Go(func() error {
		bus.Consume(ctx, e.market, "market", e.onMarket)
		return nil
	})
	for symbol, q := range e.queues {
		g.Go(func() error {
			return e.pipeline(ctx, symbol, q)
		})
	}
	g.Go(func() error {
		return e.supervise(ctx)
	})
	g.Go(func() error {
		return e.sweep(ctx)
	})
	g.Go(func() error {
		e.cache.Run(ctx, e.cfg.Engine.FilterRefresh)
		return nil
	})
	g.Go(func() error {
		return e.dailyReset(ctx)
	})
	g.Go(func() error {
		return e.monitor.Run(ctx)
	})
	if e.server != nil {
		g.Go(func() error {
			return e.server.Run(ctx)
		})
	}
	if e.deps.Feed != nil && e.cfg.Paper.Feed.Interval > 0 {
		g.Go(func() error {
			return e.deps.Feed.Run(ctx, e.bus, e.cfg.Paper.Feed.Interval, e.now)
		})
	}

	err := g.Wait()
	e.shutdown()
	return err
}

func (e *Engine) shutdown() {
	for _, q := range e.queues {
		q.Close()
	}
	e.bus.Close()
	if path := e.cfg.Engine.SnapshotPath; path != "" {
		if err := state.WriteSnapshot(path, e.tracker.Snapshot(e.orders.LastFillAt())); err != nil {
			logs.Errorf("write position snapshot, err: %+v", err)
			return
		}
		logs.Infof("position snapshot written: %s", path)
	}
}

// dispatch routes a signal to its symbol's pipeline.
func (e *Engine) dispatch(ctx context.Context, ev bus.Event) error {
	sig, ok := ev.Payload.(model.Signal)
	if !ok {
		return errors.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
	}
	q, ok := e.queues[sig.Symbol]
	if !ok {
		e.audit.Rejection(ctx, model.Rejection{
			Scope:     sig.Scope(),
			Reason:    model.RejectValidation,
			Detail:    "symbol not configured",
			Signal:    sig,
			Timestamp: e.now(),
		})
		return nil
	}
	dropped, err := q.Push(ctx, ev)
	if dropped {
		e.metrics.IncBusDrop(ev.Topic)
	}
	return err
}

// pipeline evaluates and submits the signals of one symbol in order. A
// popped signal waits for the intake gate.
func (e *Engine) pipeline(ctx context.Context, symbol string, q *bus.Queue) error {
	name := "pipeline." + symbol
	for {
		ev, err := q.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := e.intake.Wait(ctx); err != nil {
			return nil
		}
		sig, ok := ev.Payload.(model.Signal)
		if !ok {
			continue
		}
		e.isolate(name, func() { e.process(ctx, sig) })
	}
}

func (e *Engine) isolate(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("%s panicked: %v", name, r)
			e.metrics.IncConsumerPanic(name)
		}
	}()
	fn()
}

// process runs one signal through persistence, the risk guard and the order
// lifecycle manager.
func (e *Engine) process(ctx context.Context, sig model.Signal) {
	e.touch()

	record, err := store.NewRecord(store.KindSignal, sig.Symbol, sig.StrategyID, e.now(), sig)
	if err == nil {
		_, err = e.deps.Repo.Append(ctx, record)
	}
	if err != nil {
		e.metrics.IncPersistFailure()
		logs.Errorf("signal dropped, not persisted, strategy: %s, symbol: %s, err: %+v", sig.StrategyID, sig.Symbol, err)
		return
	}

	req, rejection := e.guard.Evaluate(ctx, sig)
	if rejection != nil {
		return
	}

	order, err := e.orders.Submit(ctx, req)
	if order.ClientOrderID == "" || order.Status == model.OrderStatusRejected || order.Status == model.OrderStatusFailed {
		e.guard.Refund(ctx, req)
	}
	if err == nil {
		return
	}
	if exception.Is(err, exception.ErrOrderDuplicate) {
		e.audit.Rejection(ctx, model.Rejection{
			Scope:     sig.Scope(),
			Reason:    model.RejectDuplicate,
			Detail:    err.Error(),
			Signal:    sig,
			Timestamp: e.now(),
		})
		return
	}
	logs.Infof("signal ended without a live order, strategy: %s, symbol: %s, client order id: %s, status: %s", sig.StrategyID, sig.Symbol, req.ClientOrderID, order.Status)
}

// onMarket feeds a tick to the volatility guard, the paper matcher and the
// strategies, in that order.
func (e *Engine) onMarket(ctx context.Context, ev bus.Event) error {
	raw, ok := ev.Payload.(model.MarketTick)
	if !ok {
		return errors.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
	}
	tick, err := e.normalizer.Normalize(raw)
	if err != nil {
		return err
	}
	e.touch()
	e.guard.ObservePrice(ctx, tick.Symbol, tick.Price, tick.Timestamp)
	if e.deps.Simulator != nil {
		e.deps.Simulator.MatchPrice(ctx, tick.Symbol, tick.Price)
	}
	_, err = e.runner.OnTick(ctx, tick)
	return err
}

// supervise runs recovery at startup and after every reconnect. While the
// exchange is unreachable, or reconciliation has not succeeded, the intake
// gate stays closed and the guard keeps the connectivity freeze.
func (e *Engine) supervise(ctx context.Context) error {
	interval := e.cfg.Health.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reconciled := false
	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := e.deps.Gateway.Ping(pingCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			if reconciled {
				logs.Errorf("exchange unreachable, signal intake frozen, err: %+v", err)
				e.freezeAll()
				reconciled = false
			}
		case !reconciled:
			report, err := e.recovery.Run(ctx)
			if err != nil {
				logs.Errorf("recovery failed, retrying in %s, err: %+v", interval, err)
				break
			}
			reconciled = true
			e.releaseAll()
			e.compareRestored()
			if err := report.Err(); err != nil {
				logs.Errorf("recovery finished with frozen symbols, err: %+v", err)
			}
			e.monitor.Refresh(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// compareRestored logs how far the reconciled positions moved from the
// snapshot taken at the last shutdown. It runs after the first recovery only.
func (e *Engine) compareRestored() {
	if e.restored == nil {
		return
	}
	if err := state.CompareSnapshots(*e.restored, e.tracker.Snapshot(e.orders.LastFillAt())); err != nil {
		logs.Infof("positions changed while offline: %v", err)
	}
	e.restored = nil
}

func (e *Engine) freezeAll() {
	e.intake.Close()
	for _, symbol := range e.cfg.Symbols {
		e.guard.Freeze(symbol, connectivityID)
	}
}

func (e *Engine) releaseAll() {
	for _, symbol := range e.cfg.Symbols {
		e.guard.Release(symbol, connectivityID)
	}
	e.intake.Open()
}

// Accepting reports whether the pipelines are consuming signals.
func (e *Engine) Accepting() bool {
	return e.intake.IsOpen()
}

// sweep cancels TTL-expired orders.
func (e *Engine) sweep(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Engine.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.orders.Sweep(ctx, e.now())
		}
	}
}

// dailyReset resets risk counters on the UTC day boundary.
func (e *Engine) dailyReset(ctx context.Context) error {
	spec := e.cfg.Engine.DailyReset
	if spec == "" {
		spec = "0 0 * * *"
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		e.guard.ResetDaily(ctx, e.now())
		logs.Info("daily risk counters reset")
	}); err != nil {
		return errors.Wrapf(exception.ErrInvalidArgument, "daily reset schedule %q, err: %+v", spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
