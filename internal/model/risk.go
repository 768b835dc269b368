package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnyStrategy scopes a halt to every strategy of a symbol.
const AnyStrategy = "*"

// Scope identifies a risk state: one symbol traded by one strategy.
type Scope struct {
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategyId"`
}

func (s Scope) String() string {
	return s.Symbol + "|" + s.StrategyID
}

// SymbolScope returns the symbol-wide scope.
func SymbolScope(symbol string) Scope {
	return Scope{Symbol: symbol, StrategyID: AnyStrategy}
}

// HaltPolicy selects how a halted scope becomes active again.
type HaltPolicy uint8

const (
	_halt_policy_beg HaltPolicy = iota
	HaltPolicyManual
	HaltPolicyDailyReset
	HaltPolicyTimed
	_halt_policy_end
)

func (p HaltPolicy) IsAvailable() bool {
	return p > _halt_policy_beg && p < _halt_policy_end
}

func (p HaltPolicy) String() string {
	return enumString(p, haltPolicyNames)
}

func (p HaltPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *HaltPolicy) UnmarshalText(b []byte) error {
	return enumParse(b, haltPolicyNames, p)
}

var haltPolicyNames = map[HaltPolicy]string{
	HaltPolicyManual:     "MANUAL",
	HaltPolicyDailyReset: "DAILY_RESET",
	HaltPolicyTimed:      "TIMED",
}

// RiskState is mutated only by the risk guard.
type RiskState struct {
	Scope             Scope           `json:"scope"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	DailyLossAmount   decimal.Decimal `json:"dailyLossAmount"`
	DailyMaxQtyUsed   decimal.Decimal `json:"dailyMaxQtyUsed"`
	Halted            bool            `json:"halted"`
	HaltedUntil       time.Time       `json:"haltedUntil"`
	HaltPolicy        HaltPolicy      `json:"haltPolicy"`
	HaltReason        string          `json:"haltReason"`
	Day               time.Time       `json:"day"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ActiveAt reports whether the state permits new orders at now. A timed halt
// reactivates exactly at HaltedUntil.
func (s RiskState) ActiveAt(now time.Time) bool {
	if !s.Halted {
		return true
	}
	return s.HaltPolicy == HaltPolicyTimed && !s.HaltedUntil.IsZero() && !now.Before(s.HaltedUntil)
}

// HaltTransition is published on audit.halt whenever a scope changes state.
type HaltTransition struct {
	Scope       Scope      `json:"scope"`
	Halted      bool       `json:"halted"`
	Policy      HaltPolicy `json:"policy"`
	Reason      string     `json:"reason"`
	HaltedUntil time.Time  `json:"haltedUntil"`
	Timestamp   time.Time  `json:"timestamp"`
}

// RetryNotice is published on audit.retry for each transient submission failure.
type RetryNotice struct {
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Attempt       int       `json:"attempt"`
	Error         string    `json:"error"`
	Timestamp     time.Time `json:"timestamp"`
}
