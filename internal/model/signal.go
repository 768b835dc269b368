package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is produced by a strategy and is immutable once emitted.
type Signal struct {
	StrategyID string    `json:"strategyId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Strength   float64   `json:"strength"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`

	// Price is the reference price the strategy saw. Limit orders are placed
	// at this price after tick rounding. Zero means market.
	Price decimal.Decimal `json:"price"`
	// Quantity is the suggested size. Zero lets the risk guard size the order
	// from its default notional.
	Quantity decimal.Decimal `json:"quantity"`
}

// Scope returns the risk scope of the signal.
func (s Signal) Scope() Scope {
	return Scope{Symbol: s.Symbol, StrategyID: s.StrategyID}
}

// Rejection is the outcome of a refused signal. Exactly one reason is set.
type Rejection struct {
	Scope     Scope        `json:"scope"`
	Reason    RejectReason `json:"reason"`
	Detail    string       `json:"detail"`
	Signal    Signal       `json:"signal"`
	Timestamp time.Time    `json:"timestamp"`
}
