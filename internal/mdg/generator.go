package mdg

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Publisher is the part of the event bus the generator needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// GeneratorConfig shapes the synthetic feed.
type GeneratorConfig struct {
	// BasePrices are the opening prices per symbol. Every symbol needs one.
	BasePrices map[string]decimal.Decimal
	// MaxMove is the largest relative move of one tick, e.g. 0.001.
	MaxMove decimal.Decimal
	// TickSizes snap generated prices to the symbol's price grid when set.
	TickSizes map[string]decimal.Decimal
	Volume    decimal.Decimal
	Seed      uint64
}

// Generator creates synthetic market data ticks as a bounded random walk.
// It is used by paper trading in place of a venue feed.
type Generator struct {
	cfg     GeneratorConfig
	symbols []string
	prices  map[string]decimal.Decimal
	rng     *rand.Rand
	index   int
}

// NewGenerator creates a generator for the symbols of cfg.BasePrices.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if len(cfg.BasePrices) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "generator has no symbols")
	}
	prices := make(map[string]decimal.Decimal, len(cfg.BasePrices))
	symbols := make([]string, 0, len(cfg.BasePrices))
	for symbol, price := range cfg.BasePrices {
		if !price.IsPositive() {
			return nil, errors.Wrapf(exception.ErrInvalidArgument, "base price of %s must be > 0", symbol)
		}
		prices[symbol] = price
		symbols = append(symbols, symbol)
	}
	slices.Sort(symbols)
	if cfg.MaxMove.IsNegative() {
		cfg.MaxMove = decimal.Zero
	}
	if !cfg.Volume.IsPositive() {
		cfg.Volume = decimal.NewFromInt(1)
	}
	return &Generator{
		cfg:     cfg,
		symbols: symbols,
		prices:  prices,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Symbols returns the generated symbols in round-robin order.
func (g *Generator) Symbols() []string {
	return slices.Clone(g.symbols)
}

// Next creates the next tick in sequence. Symbols take turns.
func (g *Generator) Next(now time.Time) model.MarketTick {
	symbol := g.symbols[g.index]
	g.index = (g.index + 1) % len(g.symbols)

	last := g.prices[symbol]
	// move is uniform in [-MaxMove, MaxMove] with 4 decimal places of resolution.
	steps := g.rng.IntN(20001) - 10000
	move := g.cfg.MaxMove.Mul(decimal.New(int64(steps), -4))
	price := last.Add(last.Mul(move))
	if tick, ok := g.cfg.TickSizes[symbol]; ok && tick.IsPositive() {
		price = price.Div(tick).Round(0).Mul(tick)
	}
	if !price.IsPositive() {
		price = last
	}
	g.prices[symbol] = price

	return model.MarketTick{
		Symbol:    symbol,
		Price:     price,
		Volume:    g.cfg.Volume,
		Timestamp: now.UTC(),
	}
}

// Run publishes one tick per interval on the symbol's market topic until ctx
// is done.
func (g *Generator) Run(ctx context.Context, pub Publisher, interval time.Duration, now func() time.Time) error {
	if interval <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "generator interval must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick := g.Next(now())
			if err := pub.Publish(ctx, bus.MarketTopic(tick.Symbol), tick); err != nil {
				if exception.Is(err, exception.ErrBusClosed) {
					return nil
				}
				logs.Errorf("publish market tick %s, err: %+v", tick.Symbol, err)
			}
		}
	}
}
