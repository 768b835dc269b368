package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the signed holding of a symbol. Positive is long.
type Position struct {
	Symbol      string          `json:"symbol"`
	StrategyID  string          `json:"strategyId"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	Leverage    int             `json:"leverage"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsFlat reports whether the position holds nothing.
func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}

// ExchangeFilter holds a symbol's exchange trading rules.
type ExchangeFilter struct {
	Symbol      string          `json:"symbol"`
	StepSize    decimal.Decimal `json:"stepSize"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinNotional decimal.Decimal `json:"minNotional"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	MinPrice    decimal.Decimal `json:"minPrice"`
	MaxPrice    decimal.Decimal `json:"maxPrice"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// MarketTick is the low priority market data payload fed to strategies and
// to the volatility guard.
type MarketTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}
