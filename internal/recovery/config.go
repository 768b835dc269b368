package recovery

import (
	"strings"

	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Policy decides what a conflict does to its symbol.
type Policy uint8

const (
	_policy_beg Policy = iota
	// PolicyHalt freezes the symbol until the conflict is acknowledged.
	PolicyHalt
	// PolicyAuto accepts exchange truth and records the conflict as resolved.
	PolicyAuto
	_policy_end
)

func (p Policy) IsAvailable() bool {
	return p > _policy_beg && p < _policy_end
}

func (p Policy) String() string {
	switch p {
	case PolicyHalt:
		return "halt"
	case PolicyAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "halt" or "auto".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "halt":
		return PolicyHalt, nil
	case "auto":
		return PolicyAuto, nil
	default:
		return 0, errors.Wrapf(exception.ErrInvalidArgument, "unknown conflict policy %q", s)
	}
}

// Config controls reconciliation.
type Config struct {
	// Symbols are always reconciled, in addition to every symbol with a
	// local open order or a local or exchange position.
	Symbols []string
	Policy  Policy
	// PositionTolerance is the largest unexplained difference between the
	// local and the exchange position size that is not a conflict.
	PositionTolerance decimal.Decimal
	// QuantityTolerance is the same for order requested and filled quantity.
	QuantityTolerance decimal.Decimal
}

// DefaultConfig halts on any discrepancy.
func DefaultConfig() Config {
	return Config{
		Policy:            PolicyHalt,
		PositionTolerance: decimal.Zero,
		QuantityTolerance: decimal.Zero,
	}
}
