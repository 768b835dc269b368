package mdg

import (
	"slices"
	"strings"
	"time"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

// Normalizer checks ticks from any feed before they reach the risk guard and
// the strategies.
type Normalizer struct {
	symbols []string
	now     func() time.Time
}

// NewNormalizer accepts ticks of the given symbols only. An empty list
// accepts every symbol.
func NewNormalizer(symbols []string, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(s))
	}
	return &Normalizer{symbols: upper, now: now}
}

// Normalize upper-cases the symbol, stamps a missing timestamp and rejects
// ticks that cannot be priced.
func (n *Normalizer) Normalize(tick model.MarketTick) (model.MarketTick, error) {
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))
	if tick.Symbol == "" {
		return model.MarketTick{}, errors.Wrap(exception.ErrInvalidArgument, "tick without symbol")
	}
	if len(n.symbols) != 0 && !slices.Contains(n.symbols, tick.Symbol) {
		return model.MarketTick{}, errors.Wrapf(exception.ErrInvalidArgument, "symbol not found: %s", tick.Symbol)
	}
	if !tick.Price.IsPositive() {
		return model.MarketTick{}, errors.Wrapf(exception.ErrInvalidArgument, "tick price of %s must be > 0", tick.Symbol)
	}
	if tick.Volume.IsNegative() {
		return model.MarketTick{}, errors.Wrapf(exception.ErrInvalidArgument, "tick volume of %s must be >= 0", tick.Symbol)
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = n.now()
	}
	tick.Timestamp = tick.Timestamp.UTC()
	return tick, nil
}
