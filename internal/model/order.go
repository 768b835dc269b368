package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is created by the risk guard after approval and never mutated.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	StrategyID    string          `json:"strategyId"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Intent        Intent          `json:"intent"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	TTL           time.Duration   `json:"ttl"`
	ReduceOnly    bool            `json:"reduceOnly"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Notional returns |qty × price|. Market requests carry the reference price
// used for sizing, so the value is meaningful for exposure accounting.
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Quantity.Mul(r.Price).Abs()
}

// Order is the lifecycle record owned by the order lifecycle manager.
type Order struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId"`
	Symbol          string          `json:"symbol"`
	StrategyID      string          `json:"strategyId"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Intent          Intent          `json:"intent"`
	Price           decimal.Decimal `json:"price"`
	Status          OrderStatus     `json:"status"`
	RequestedQty    decimal.Decimal `json:"requestedQty"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice"`
	Attempts        int             `json:"attempts"`
	Reason          string          `json:"reason"`
	TTL             time.Duration   `json:"ttl"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastUpdateAt    time.Time       `json:"lastUpdateAt"`
}

// RemainingQty returns the unfilled quantity.
func (o Order) RemainingQty() decimal.Decimal {
	left := o.RequestedQty.Sub(o.FilledQty)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// Expired reports whether a live order is past its TTL at now.
func (o Order) Expired(now time.Time) bool {
	return o.Status.IsLive() && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Fill is append-only. Each fill updates exactly one order and one position.
type Fill struct {
	TradeID       string          `json:"tradeId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Fee           decimal.Decimal `json:"fee"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SignedQty returns +qty for buys and -qty for sells.
func (f Fill) SignedQty() decimal.Decimal {
	if f.Side == OrderSideSell {
		return f.Qty.Neg()
	}
	return f.Qty
}

// OrderUpdate is published on order.update for every state transition.
type OrderUpdate struct {
	Order       Order       `json:"order"`
	From        OrderStatus `json:"from"`
	Synthesized bool        `json:"synthesized"`
	Timestamp   time.Time   `json:"timestamp"`
}

// OrderAck is the gateway's acknowledgment of a submission.
type OrderAck struct {
	ClientOrderID   string      `json:"clientOrderId"`
	ExchangeOrderID string      `json:"exchangeOrderId"`
	Status          OrderStatus `json:"status"`
	Timestamp       time.Time   `json:"timestamp"`
}
