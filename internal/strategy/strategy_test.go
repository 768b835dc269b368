package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

type published struct {
	topic  string
	signal model.Signal
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, topic string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, published{topic: topic, signal: payload.(model.Signal)})
	r.mu.Unlock()
	return nil
}

type fixed struct {
	id      string
	symbols []string
	panics  bool
}

func (f fixed) ID() string        { return f.id }
func (f fixed) Symbols() []string { return f.symbols }

func (f fixed) ProduceSignals(state MarketState) []model.Signal {
	if f.panics {
		panic("boom")
	}
	return []model.Signal{{Side: model.SideLong, Strength: 1, Price: state.Tick.Price}}
}

func tick(symbol, price string, i int) model.MarketTick {
	return model.MarketTick{Symbol: symbol, Price: decimal.RequireFromString(price), Timestamp: t0.Add(time.Duration(i) * time.Second)}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fixed{id: "b", symbols: []string{"ETHUSDT"}}))
	require.NoError(t, reg.Register(fixed{id: "a", symbols: []string{"BTCUSDT", "ETHUSDT"}}))

	testCases := []struct {
		desc string
		s    Strategy
	}{
		{desc: "nil", s: nil},
		{desc: "empty id", s: fixed{}},
		{desc: "dotted id", s: fixed{id: "a.b"}},
		{desc: "wildcard id", s: fixed{id: model.AnyStrategy}},
		{desc: "duplicate", s: fixed{id: "a"}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Error(t, reg.Register(tc.s))
		})
	}

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, reg.Symbols())
	eth := reg.ForSymbol("ETHUSDT")
	require.Len(t, eth, 2)
	assert.Equal(t, "a", eth[0].ID())
	assert.Equal(t, "b", eth[1].ID())

	err := reg.Register(nil)
	assert.True(t, exception.Is(err, exception.ErrNilInstance))
}

func TestRunnerPublishesOnStrategyTopic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fixed{id: "s1", symbols: []string{"BTCUSDT"}}))
	require.NoError(t, reg.Register(fixed{id: "bad", symbols: []string{"BTCUSDT"}, panics: true}))
	rec := &recorder{}
	runner := NewRunner(reg, rec, 8)

	n, err := runner.OnTick(t.Context(), tick("BTCUSDT", "100", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, rec.events, 1)
	assert.Equal(t, bus.SignalTopic("s1", "BTCUSDT"), rec.events[0].topic)
	assert.Equal(t, "s1", rec.events[0].signal.StrategyID)
	assert.Equal(t, "BTCUSDT", rec.events[0].signal.Symbol)
	assert.Equal(t, t0, rec.events[0].signal.Timestamp)

	n, err = runner.OnTick(t.Context(), tick("ETHUSDT", "10", 1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerHandleRejectsForeignPayload(t *testing.T) {
	runner := NewRunner(NewRegistry(), &recorder{}, 0)
	err := runner.Handle(t.Context(), bus.Event{Topic: bus.MarketTopic("BTCUSDT"), Payload: "tick"})
	assert.Error(t, err)
}

func TestRunnerWindowIsBounded(t *testing.T) {
	runner := NewRunner(NewRegistry(), &recorder{}, 3)
	var window []model.MarketTick
	for i := range 5 {
		window = runner.push(tick("BTCUSDT", "100", i))
	}
	require.Len(t, window, 3)
	assert.Equal(t, t0.Add(2*time.Second), window[0].Timestamp)
}

func TestBreakout(t *testing.T) {
	b := NewBreakout("brk", []string{"BTCUSDT"}, 3, decimal.RequireFromString("0.01"))
	runner := NewRunner(NewRegistry(), &recorder{}, 10)

	prices := []string{"100", "101", "100.5", "102", "102.5", "99", "98"}
	sides := make([]model.Side, 0)
	for i, p := range prices {
		window := runner.push(tick("BTCUSDT", p, i))
		for _, sig := range b.ProduceSignals(MarketState{Symbol: "BTCUSDT", Tick: window[len(window)-1], Window: window}) {
			sides = append(sides, sig.Side)
			assert.True(t, decimal.RequireFromString("0.01").Equal(sig.Quantity))
		}
	}
	assert.Equal(t, []model.Side{model.SideLong, model.SideShort}, sides)
}
