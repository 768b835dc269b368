package precision

import (
	"github.com/shopspring/decimal"
)

// RoundingMode selects how prices snap to the tick grid.
type RoundingMode uint8

const (
	// RoundNearest snaps to the closest tick, half away from zero.
	RoundNearest RoundingMode = iota
	// RoundPassive rounds buys down and sells up.
	RoundPassive
	// RoundAggressive rounds buys up and sells down.
	RoundAggressive
)

// ParseRoundingMode maps a config string to a mode. Unknown values fall back
// to RoundNearest.
func ParseRoundingMode(s string) RoundingMode {
	switch s {
	case "passive":
		return RoundPassive
	case "aggressive":
		return RoundAggressive
	default:
		return RoundNearest
	}
}

// FloorToStep rounds v down to a multiple of step. A non-positive step
// leaves v unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	rem := v.Mod(step)
	if rem.IsZero() {
		return v
	}
	if v.IsNegative() {
		return v.Sub(rem).Sub(step)
	}
	return v.Sub(rem)
}

// CeilToStep rounds v up to a multiple of step.
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	floor := FloorToStep(v, step)
	if floor.Equal(v) {
		return v
	}
	return floor.Add(step)
}

// NearestStep rounds v to the closest multiple of step, ties away from zero.
func NearestStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	floor := FloorToStep(v, step)
	if floor.Equal(v) {
		return v
	}
	ceil := floor.Add(step)
	if v.Sub(floor).LessThan(ceil.Sub(v)) {
		return floor
	}
	return ceil
}

// IsMultiple reports whether v lies on the step grid.
func IsMultiple(v, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return v.Mod(step).IsZero()
}
