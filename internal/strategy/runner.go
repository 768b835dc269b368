package strategy

import (
	"context"
	"fmt"
	"sync"

	"tradecore/internal/bus"
	"tradecore/internal/model"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultWindow = 256

// Publisher is the part of the event bus the runner needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Runner feeds market ticks to the registered strategies and publishes their
// signals on signal.<strategy>.<symbol>.
type Runner struct {
	registry *Registry
	pub      Publisher
	window   int

	mu      sync.Mutex
	windows map[string][]model.MarketTick
}

func NewRunner(registry *Registry, pub Publisher, window int) *Runner {
	if window <= 0 {
		window = defaultWindow
	}
	return &Runner{
		registry: registry,
		pub:      pub,
		window:   window,
		windows:  make(map[string][]model.MarketTick),
	}
}

// Handle is a bus.Handler for market.* events.
func (r *Runner) Handle(ctx context.Context, e bus.Event) error {
	tick, ok := e.Payload.(model.MarketTick)
	if !ok {
		return errors.Errorf("unexpected payload %T on %s", e.Payload, e.Topic)
	}
	_, err := r.OnTick(ctx, tick)
	return err
}

// OnTick runs every strategy of the tick's symbol and publishes the signals
// they produce. A panicking strategy is logged and skipped.
func (r *Runner) OnTick(ctx context.Context, tick model.MarketTick) (int, error) {
	state := MarketState{Symbol: tick.Symbol, Tick: tick, Window: r.push(tick)}

	published := 0
	for _, s := range r.registry.ForSymbol(tick.Symbol) {
		for _, sig := range r.produce(s, state) {
			sig.StrategyID = s.ID()
			if sig.Symbol == "" {
				sig.Symbol = tick.Symbol
			}
			if sig.Timestamp.IsZero() {
				sig.Timestamp = tick.Timestamp
			}
			if err := r.pub.Publish(ctx, bus.SignalTopic(sig.StrategyID, sig.Symbol), sig); err != nil {
				return published, errors.Wrapf(err, "publish signal of %s", s.ID())
			}
			published++
		}
	}
	return published, nil
}

func (r *Runner) produce(s Strategy, state MarketState) (signals []model.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			logs.Errorf("strategy %s panicked on %s: %s", s.ID(), state.Symbol, fmt.Sprint(rec))
			signals = nil
		}
	}()
	return s.ProduceSignals(state)
}

func (r *Runner) push(tick model.MarketTick) []model.MarketTick {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := append(r.windows[tick.Symbol], tick)
	if len(w) > r.window {
		w = w[len(w)-r.window:]
	}
	r.windows[tick.Symbol] = w
	out := make([]model.MarketTick, len(w))
	copy(out, w)
	return out
}
