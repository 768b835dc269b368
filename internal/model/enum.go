package model

import (
	"strings"

	"github.com/yanun0323/errors"
)

// Side is the direction a strategy wants to hold: LONG, SHORT or FLAT.
type Side uint8

const (
	_side_beg Side = iota
	SideLong
	SideShort
	SideFlat
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	return enumString(s, sideNames)
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	return enumParse(b, sideNames, s)
}

var sideNames = map[Side]string{SideLong: "LONG", SideShort: "SHORT", SideFlat: "FLAT"}

// OrderSide buy, sell
type OrderSide uint8

const (
	_order_side_beg OrderSide = iota
	OrderSideBuy
	OrderSideSell
	_order_side_end
)

func (s OrderSide) IsAvailable() bool {
	return s > _order_side_beg && s < _order_side_end
}

// Opposite returns the side that reduces a position opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

func (s OrderSide) String() string {
	return enumString(s, orderSideNames)
}

func (s OrderSide) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderSide) UnmarshalText(b []byte) error {
	return enumParse(b, orderSideNames, s)
}

var orderSideNames = map[OrderSide]string{OrderSideBuy: "BUY", OrderSideSell: "SELL"}

// OrderType limit, market
type OrderType uint8

const (
	_order_type_beg OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	_order_type_end
)

func (t OrderType) IsAvailable() bool {
	return t > _order_type_beg && t < _order_type_end
}

func (t OrderType) String() string {
	return enumString(t, orderTypeNames)
}

func (t OrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	return enumParse(b, orderTypeNames, t)
}

var orderTypeNames = map[OrderType]string{OrderTypeLimit: "LIMIT", OrderTypeMarket: "MARKET"}

// TimeInForce GTC, IOC, FOK, GTX
type TimeInForce uint8

const (
	_time_in_force_beg TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
	TimeInForceGTX
	_time_in_force_end
)

func (t TimeInForce) IsAvailable() bool {
	return t > _time_in_force_beg && t < _time_in_force_end
}

func (t TimeInForce) String() string {
	return enumString(t, timeInForceNames)
}

func (t TimeInForce) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeInForce) UnmarshalText(b []byte) error {
	return enumParse(b, timeInForceNames, t)
}

var timeInForceNames = map[TimeInForce]string{
	TimeInForceGTC: "GTC",
	TimeInForceIOC: "IOC",
	TimeInForceFOK: "FOK",
	TimeInForceGTX: "GTX",
}

// OrderStatus pending, submitted, partially filled, filled, cancelled, rejected, failed
type OrderStatus uint8

const (
	_order_status_beg OrderStatus = iota
	OrderStatusPending
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusFailed
	_order_status_end
)

func (s OrderStatus) IsAvailable() bool {
	return s > _order_status_beg && s < _order_status_end
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// IsLive reports whether the order rests on the exchange.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
}

func (s OrderStatus) String() string {
	return enumString(s, orderStatusNames)
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	return enumParse(b, orderStatusNames, s)
}

var orderStatusNames = map[OrderStatus]string{
	OrderStatusPending:         "PENDING",
	OrderStatusSubmitted:       "SUBMITTED",
	OrderStatusPartiallyFilled: "PARTIALLY_FILLED",
	OrderStatusFilled:          "FILLED",
	OrderStatusCancelled:       "CANCELLED",
	OrderStatusRejected:        "REJECTED",
	OrderStatusFailed:          "FAILED",
}

// Intent distinguishes entries from position-flattening orders. The TTL sweep
// liquidates expired FLATTEN orders at market instead of only cancelling them.
type Intent uint8

const (
	_intent_beg Intent = iota
	IntentEntry
	IntentFlatten
	_intent_end
)

func (i Intent) IsAvailable() bool {
	return i > _intent_beg && i < _intent_end
}

func (i Intent) String() string {
	return enumString(i, intentNames)
}

func (i Intent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Intent) UnmarshalText(b []byte) error {
	return enumParse(b, intentNames, i)
}

var intentNames = map[Intent]string{IntentEntry: "ENTRY", IntentFlatten: "FLATTEN"}

// RejectReason is the single reason a signal or order was refused.
type RejectReason uint8

const (
	_reject_reason_beg RejectReason = iota
	RejectHalted
	RejectFundingWindow
	RejectExposure
	RejectDailyQtyCap
	RejectValidation
	RejectRecovery
	RejectDuplicate
	_reject_reason_end
)

func (r RejectReason) IsAvailable() bool {
	return r > _reject_reason_beg && r < _reject_reason_end
}

func (r RejectReason) String() string {
	return enumString(r, rejectReasonNames)
}

func (r RejectReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RejectReason) UnmarshalText(b []byte) error {
	return enumParse(b, rejectReasonNames, r)
}

var rejectReasonNames = map[RejectReason]string{
	RejectHalted:        "HALTED",
	RejectFundingWindow: "FUNDING_WINDOW",
	RejectExposure:      "EXPOSURE",
	RejectDailyQtyCap:   "DAILY_QTY_CAP",
	RejectValidation:    "VALIDATION",
	RejectRecovery:      "RECOVERY",
	RejectDuplicate:     "DUPLICATE",
}

func enumString[T comparable](v T, names map[T]string) string {
	if name, ok := names[v]; ok {
		return name
	}
	return "UNKNOWN"
}

func enumParse[T comparable](b []byte, names map[T]string, dst *T) error {
	text := strings.ToUpper(strings.TrimSpace(string(b)))
	if text == "" || text == "UNKNOWN" {
		var zero T
		*dst = zero
		return nil
	}
	for v, name := range names {
		if name == text {
			*dst = v
			return nil
		}
	}
	return errors.Errorf("unknown enum value %q", text)
}
