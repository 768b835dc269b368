package strategy

import (
	"tradecore/internal/model"

	"github.com/shopspring/decimal"
)

// Breakout goes long when the price closes above the highest price of the
// previous Lookback ticks and short below the lowest. It emits a signal only
// when its desired side changes. It ships for paper trading and is not safe
// for concurrent use; the runner calls it from one consumer.
type Breakout struct {
	Name     string
	Markets  []string
	Lookback int
	Quantity decimal.Decimal

	last map[string]model.Side
}

func NewBreakout(name string, symbols []string, lookback int, quantity decimal.Decimal) *Breakout {
	if lookback <= 0 {
		lookback = 20
	}
	return &Breakout{
		Name:     name,
		Markets:  symbols,
		Lookback: lookback,
		Quantity: quantity,
		last:     make(map[string]model.Side),
	}
}

func (b *Breakout) ID() string {
	return b.Name
}

func (b *Breakout) Symbols() []string {
	return b.Markets
}

func (b *Breakout) ProduceSignals(state MarketState) []model.Signal {
	if len(state.Window) <= b.Lookback {
		return nil
	}
	prev := state.Window[len(state.Window)-1-b.Lookback : len(state.Window)-1]
	high, low := prev[0].Price, prev[0].Price
	for _, t := range prev[1:] {
		high = decimal.Max(high, t.Price)
		low = decimal.Min(low, t.Price)
	}

	price := state.Tick.Price
	var side model.Side
	var reason string
	switch {
	case price.GreaterThan(high):
		side, reason = model.SideLong, "breakout above "+high.String()
	case price.LessThan(low):
		side, reason = model.SideShort, "breakdown below "+low.String()
	default:
		return nil
	}
	if b.last[state.Symbol] == side {
		return nil
	}
	b.last[state.Symbol] = side

	strength := 1.0
	if !high.Equal(low) {
		strength = price.Sub(low).Div(high.Sub(low)).Sub(decimal.NewFromFloat(0.5)).Abs().InexactFloat64()
	}
	return []model.Signal{{
		Symbol:    state.Symbol,
		Side:      side,
		Strength:  strength,
		Reason:    reason,
		Timestamp: state.Tick.Timestamp,
		Price:     price,
		Quantity:  b.Quantity,
	}}
}
