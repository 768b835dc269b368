package risk

import (
	"time"

	"tradecore/internal/model"

	"github.com/shopspring/decimal"
)

const (
	defaultMaxConsecutiveLosses = 3
	defaultOrderTTL             = 600 * time.Second
	defaultVolatilityWindow     = 5 * time.Second
	defaultVolatilityHalt       = 10 * time.Minute
)

// Limits are the per-symbol risk limits. Zero decimals disable the check.
type Limits struct {
	MaxConsecutiveLosses int
	DailyMaxLoss         decimal.Decimal
	// MaxExposure caps the summed absolute notional of open and pending
	// orders of the symbol, including the order being evaluated.
	MaxExposure decimal.Decimal
	// DailyMaxQty caps the quantity a scope may request per UTC day.
	DailyMaxQty decimal.Decimal
	// OrderNotional sizes orders of signals that carry no quantity.
	OrderNotional decimal.Decimal
	OrderTTL      time.Duration
	// HaltPolicy decides how a loss halt is lifted. HaltDuration applies to
	// HaltPolicyTimed.
	HaltPolicy   model.HaltPolicy
	HaltDuration time.Duration
	TimeInForce  model.TimeInForce
	// Leverage is recorded on positions the symbol opens.
	Leverage int
}

// Config is swapped atomically on reload; evaluations in flight keep the
// config they started with.
type Config struct {
	Default Limits
	Symbols map[string]Limits

	// FundingTimes are offsets from UTC midnight. Signals within
	// FundingWindow of any of them are rejected.
	FundingTimes  []time.Duration
	FundingWindow time.Duration

	VolatilityWindow    time.Duration
	VolatilityThreshold decimal.Decimal
	VolatilityHalt      time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Default: Limits{
			MaxConsecutiveLosses: defaultMaxConsecutiveLosses,
			DailyMaxLoss:         decimal.NewFromInt(50),
			MaxExposure:          decimal.NewFromInt(500),
			OrderNotional:        decimal.NewFromInt(100),
			OrderTTL:             defaultOrderTTL,
			HaltPolicy:           model.HaltPolicyDailyReset,
			TimeInForce:          model.TimeInForceGTC,
			Leverage:             1,
		},
		VolatilityWindow:    defaultVolatilityWindow,
		VolatilityThreshold: decimal.RequireFromString("0.02"),
		VolatilityHalt:      defaultVolatilityHalt,
	}
}

// LimitsOf returns the limits of symbol, falling back to the defaults.
func (c Config) LimitsOf(symbol string) Limits {
	l, ok := c.Symbols[symbol]
	if !ok {
		l = c.Default
	}
	if l.OrderTTL <= 0 {
		l.OrderTTL = defaultOrderTTL
	}
	if !l.HaltPolicy.IsAvailable() {
		l.HaltPolicy = model.HaltPolicyDailyReset
	}
	if !l.TimeInForce.IsAvailable() {
		l.TimeInForce = model.TimeInForceGTC
	}
	if l.Leverage <= 0 {
		l.Leverage = 1
	}
	return l
}

// InFundingWindow reports whether now is within the window around any
// funding time of the current, previous or next UTC day.
func (c Config) InFundingWindow(now time.Time) bool {
	if c.FundingWindow <= 0 || len(c.FundingTimes) == 0 {
		return false
	}
	now = now.UTC()
	midnight := dayOf(now)
	for _, offset := range c.FundingTimes {
		for _, day := range []int{-1, 0, 1} {
			at := midnight.AddDate(0, 0, day).Add(offset)
			diff := now.Sub(at)
			if diff < 0 {
				diff = -diff
			}
			if diff <= c.FundingWindow {
				return true
			}
		}
	}
	return false
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
