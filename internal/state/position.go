package state

import (
	"sort"
	"sync"
	"time"

	"tradecore/internal/model"

	"github.com/shopspring/decimal"
)

// Tracker is the authoritative in-memory view of positions per symbol.
// Only the order lifecycle manager (fills) and the recovery coordinator
// (exchange overwrite) mutate it.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	flattens  map[string]int
	leverage  map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		positions: make(map[string]model.Position),
		flattens:  make(map[string]int),
		leverage:  make(map[string]int),
	}
}

// SetLeverage sets the leverage recorded on positions of symbol, including
// the current one.
func (t *Tracker) SetLeverage(symbol string, leverage int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leverage[symbol] = leverage
	if pos, ok := t.positions[symbol]; ok {
		pos.Leverage = leverage
		t.positions[symbol] = pos
	}
}

// FillResult is the outcome of applying one fill.
type FillResult struct {
	Position model.Position
	// RealizedPnL is the profit or loss closed by this fill, net of fee.
	RealizedPnL decimal.Decimal
	// Reduced is true when the fill closed some exposure, i.e. RealizedPnL
	// is meaningful for loss accounting.
	Reduced bool
	// Flattened is true when the position passed through zero.
	Flattened bool
}

// ApplyFill updates the symbol's position. A fill larger than the open
// position is applied as two steps: flatten to zero, then open the
// remainder on the other side, so size never skips over zero.
func (t *Tracker) ApplyFill(fill model.Fill, strategyID string) FillResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyFillLocked(fill, strategyID)
}

func (t *Tracker) applyFillLocked(fill model.Fill, strategyID string) FillResult {
	pos := t.positions[fill.Symbol]
	pos.Symbol = fill.Symbol
	if lev, ok := t.leverage[fill.Symbol]; ok {
		pos.Leverage = lev
	}
	if strategyID != "" {
		pos.StrategyID = strategyID
	}
	at := fill.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	delta := fill.SignedQty()
	res := FillResult{RealizedPnL: fill.Fee.Neg()}

	if pos.Size.IsZero() || pos.Size.Sign() == delta.Sign() {
		pos.EntryPrice = weightedEntry(pos.Size, pos.EntryPrice, delta, fill.Price)
		pos.Size = pos.Size.Add(delta)
	} else {
		res.Reduced = true
		closing := decimal.Min(pos.Size.Abs(), delta.Abs())
		pnl := fill.Price.Sub(pos.EntryPrice).Mul(closing)
		if pos.Size.IsNegative() {
			pnl = pnl.Neg()
		}
		res.RealizedPnL = res.RealizedPnL.Add(pnl)

		remainder := delta.Abs().Sub(closing)
		if closing.Equal(pos.Size.Abs()) {
			pos.Size = decimal.Zero
			pos.EntryPrice = decimal.Zero
			res.Flattened = true
			t.flattens[fill.Symbol]++
		} else {
			pos.Size = pos.Size.Add(delta)
		}
		if remainder.IsPositive() {
			if delta.IsNegative() {
				remainder = remainder.Neg()
			}
			pos.Size = remainder
			pos.EntryPrice = fill.Price
		}
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(res.RealizedPnL)
	pos.UpdatedAt = at
	t.positions[fill.Symbol] = pos
	res.Position = pos
	return res
}

func weightedEntry(size, entry, delta, price decimal.Decimal) decimal.Decimal {
	total := size.Add(delta).Abs()
	if total.IsZero() {
		return decimal.Zero
	}
	return size.Abs().Mul(entry).Add(delta.Abs().Mul(price)).DivRound(total, 8)
}

// Set overwrites a position with exchange-reported truth. A position
// reported without leverage keeps the configured one.
func (t *Tracker) Set(pos model.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.positions[pos.Symbol]; ok {
		if pos.StrategyID == "" {
			pos.StrategyID = cur.StrategyID
		}
		pos.RealizedPnL = cur.RealizedPnL
	}
	if pos.Leverage == 0 {
		pos.Leverage = t.leverage[pos.Symbol]
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now().UTC()
	}
	t.positions[pos.Symbol] = pos
}

// Position returns the position of symbol; a flat zero value if unknown.
func (t *Tracker) Position(symbol string) model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return model.Position{Symbol: symbol}
	}
	return pos
}

// Positions returns every tracked position sorted by symbol.
func (t *Tracker) Positions() []model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Flattens returns how many times symbol passed through zero.
func (t *Tracker) Flattens(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flattens[symbol]
}

// Count returns the number of tracked symbols.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}
