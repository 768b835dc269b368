package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/exchange"
	"tradecore/internal/model"
	"tradecore/internal/og"
	"tradecore/internal/ops"
	"tradecore/internal/precision"
	"tradecore/internal/recovery"
	"tradecore/internal/risk"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

const symbol = "BTCUSDT"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() ops.Loaded {
	return ops.Loaded{
		Symbols:  []string{symbol},
		Risk:     risk.DefaultConfig(),
		Order:    og.Config{RetryInterval: time.Millisecond},
		Recovery: recovery.Config{Symbols: []string{symbol}, Policy: recovery.PolicyHalt},
		Engine: ops.EngineConfig{
			QueueLength:      64,
			SweepInterval:    10 * time.Millisecond,
			FilterStaleAfter: time.Hour,
			FilterRefresh:    time.Hour,
			Rounding:         precision.RoundNearest,
		},
		Health: ops.HealthConfig{Interval: 10 * time.Millisecond},
	}
}

func newSimulator() *exchange.Simulator {
	sim := exchange.NewSimulator(exchange.SimulatorConfig{})
	sim.SetFilter(model.ExchangeFilter{
		Symbol:      symbol,
		StepSize:    d("0.001"),
		TickSize:    d("0.1"),
		MinNotional: d("5"),
	})
	return sim
}

// oneShot emits one LONG signal on the first tick it sees.
type oneShot struct {
	fired atomic.Bool
}

func (p *oneShot) ID() string        { return "one-shot" }
func (p *oneShot) Symbols() []string { return []string{symbol} }

func (p *oneShot) ProduceSignals(st strategy.MarketState) []model.Signal {
	if p.fired.Swap(true) {
		return nil
	}
	return []model.Signal{{Side: model.SideLong, Price: st.Tick.Price, Quantity: d("0.1"), Reason: "first tick"}}
}

type running struct {
	eng  *Engine
	stop func() error
}

func start(t *testing.T, cfg ops.Loaded, deps Deps) running {
	t.Helper()
	eng, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, eng.Restore(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return eng.Recovery().Complete() && !eng.Guard().Frozen(symbol) && eng.Accepting()
	}, 2*time.Second, 5*time.Millisecond, "recovery did not open intake")

	var stopped atomic.Bool
	stop := func() error {
		if stopped.Swap(true) {
			return nil
		}
		cancel()
		return <-done
	}
	t.Cleanup(func() { _ = stop() })
	return running{eng: eng, stop: stop}
}

func publishTick(t *testing.T, eng *Engine, price string) {
	t.Helper()
	require.NoError(t, eng.Bus().Publish(t.Context(), bus.MarketTopic(symbol), model.MarketTick{
		Symbol:    symbol,
		Price:     d(price),
		Volume:    d("1"),
		Timestamp: time.Now(),
	}))
}

func TestMarketTickToFilledPosition(t *testing.T) {
	sim := newSimulator()
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(&oneShot{}))
	repo := store.NewMemory()

	r := start(t, testConfig(), Deps{Gateway: sim, Repo: repo, Registry: reg, Simulator: sim})

	publishTick(t, r.eng, "100")
	require.Eventually(t, func() bool {
		orders := r.eng.Orders().Orders()
		return len(orders) == 1 && orders[0].Status == model.OrderStatusSubmitted
	}, 2*time.Second, 5*time.Millisecond)

	order := r.eng.Orders().Orders()[0]
	assert.True(t, d("0.1").Equal(order.RequestedQty))
	assert.True(t, d("100").Equal(order.Price))
	assert.False(t, r.eng.LastEventAt().IsZero())

	publishTick(t, r.eng, "99.5")
	require.Eventually(t, func() bool {
		return r.eng.Positions().Position(symbol).Size.Equal(d("0.1"))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.OrderStatusFilled, r.eng.Orders().Order(order.ClientOrderID).Status)

	signals, err := repo.Query(t.Context(), store.Criteria{Kind: store.KindSignal})
	require.NoError(t, err)
	assert.Len(t, signals, 1)

	require.NoError(t, r.stop())
}

func TestUnconfiguredSymbolIsRejected(t *testing.T) {
	sim := newSimulator()
	r := start(t, testConfig(), Deps{Gateway: sim, Repo: store.NewMemory()})

	sub, err := r.eng.Bus().Subscribe(bus.TopicAuditRejection)
	require.NoError(t, err)
	defer sub.Close()

	sig := model.Signal{StrategyID: "s1", Symbol: "ETHUSDT", Side: model.SideLong, Quantity: d("1")}
	require.NoError(t, r.eng.Bus().Publish(t.Context(), bus.SignalTopic("s1", "ETHUSDT"), sig))

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	rejection, ok := ev.Payload.(model.Rejection)
	require.True(t, ok)
	assert.Equal(t, model.RejectValidation, rejection.Reason)
	assert.Equal(t, "symbol not configured", rejection.Detail)
	assert.Empty(t, r.eng.Orders().Orders())
}

func TestStartupAdoptsExchangeOrderAndSnapshots(t *testing.T) {
	sim := newSimulator()
	sim.PlaceOpenOrder(model.Order{
		ClientOrderID: "lost-1",
		Symbol:        symbol,
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Price:         d("100"),
		RequestedQty:  d("0.01"),
		FilledQty:     d("0.004"),
		AvgFillPrice:  d("100"),
		Status:        model.OrderStatusPartiallyFilled,
	})
	sim.SetPosition(model.Position{Symbol: symbol, Size: d("0.004"), EntryPrice: d("100")})

	cfg := testConfig()
	cfg.Engine.SnapshotPath = filepath.Join(t.TempDir(), "positions.json")

	r := start(t, cfg, Deps{Gateway: sim, Repo: store.NewMemory(), Simulator: sim})

	adopted, ok := r.eng.Orders().Lookup("lost-1")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusPartiallyFilled, adopted.Status)
	assert.True(t, d("0.004").Equal(r.eng.Positions().Position(symbol).Size))
	assert.Zero(t, r.eng.Recovery().PendingConflicts())

	require.NoError(t, r.stop())

	snapshot, err := state.ReadSnapshot(cfg.Engine.SnapshotPath)
	require.NoError(t, err)
	require.Len(t, snapshot.Positions, 1)
	assert.True(t, d("0.004").Equal(snapshot.Positions[0].Size))
}

func TestDisconnectFreezesIntakeUntilReconciled(t *testing.T) {
	sim := newSimulator()
	r := start(t, testConfig(), Deps{Gateway: sim, Repo: store.NewMemory()})

	sim.Disconnect()
	require.Eventually(t, func() bool {
		return r.eng.Guard().Frozen(symbol)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return !r.eng.Monitor().Status().ExchangeConnectivity
	}, 2*time.Second, 5*time.Millisecond)

	sim.Reconnect()
	require.Eventually(t, func() bool {
		return !r.eng.Guard().Frozen(symbol) && r.eng.Monitor().Status().Ready()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSignalHeldUntilStartupRecovery(t *testing.T) {
	sim := newSimulator()
	sim.Disconnect()
	eng, err := New(testConfig(), Deps{Gateway: sim, Repo: store.NewMemory(), Simulator: sim})
	require.NoError(t, err)
	require.NoError(t, eng.Restore(t.Context()))

	sig := model.Signal{StrategyID: "s1", Symbol: symbol, Side: model.SideLong, Price: d("100"), Quantity: d("0.1")}
	require.NoError(t, eng.Bus().Publish(t.Context(), bus.SignalTopic("s1", symbol), sig))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, eng.Accepting())
	assert.Empty(t, eng.Orders().Orders())

	sim.Reconnect()
	require.Eventually(t, func() bool {
		orders := eng.Orders().Orders()
		return len(orders) == 1 && orders[0].Status == model.OrderStatusSubmitted
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, eng.Accepting())
}

func TestRejectedOrderRefundsDailyQty(t *testing.T) {
	sim := newSimulator()
	r := start(t, testConfig(), Deps{Gateway: sim, Repo: store.NewMemory(), Simulator: sim})
	sim.FailSubmit(errors.Wrap(exception.ErrGatewayDefinitive, "-2010 insufficient balance"), false)

	sig := model.Signal{StrategyID: "s1", Symbol: symbol, Side: model.SideLong, Price: d("100"), Quantity: d("0.1")}
	require.NoError(t, r.eng.Bus().Publish(t.Context(), bus.SignalTopic("s1", symbol), sig))

	scope := model.Scope{Symbol: symbol, StrategyID: "s1"}
	require.Eventually(t, func() bool {
		orders := r.eng.Orders().Orders()
		st, ok := r.eng.Guard().State(scope)
		return len(orders) == 1 && orders[0].Status == model.OrderStatusRejected && ok && st.DailyMaxQtyUsed.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReloadSwapsRiskLimits(t *testing.T) {
	eng, err := New(testConfig(), Deps{Gateway: newSimulator(), Repo: store.NewMemory()})
	require.NoError(t, err)
	assert.True(t, eng.Guard().Frozen(symbol), "intake starts frozen")

	next := testConfig()
	next.Risk.Default.MaxExposure = d("42")
	next.Risk.Default.Leverage = 4
	eng.Reload(next)
	assert.True(t, d("42").Equal(eng.Guard().Config().Default.MaxExposure))

	res := eng.Positions().ApplyFill(model.Fill{TradeID: "t1", Symbol: symbol, Side: model.OrderSideBuy, Qty: d("1"), Price: d("100")}, "s1")
	assert.Equal(t, 4, res.Position.Leverage)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{Repo: store.NewMemory()})
	assert.True(t, exception.Is(err, exception.ErrNilInstance))

	cfg := testConfig()
	cfg.Symbols = nil
	_, err = New(cfg, Deps{Gateway: newSimulator(), Repo: store.NewMemory()})
	assert.True(t, exception.Is(err, exception.ErrInvalidArgument))
}
