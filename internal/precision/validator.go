package precision

import (
	"context"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Validator rounds and validates order parameters against cached filters.
type Validator struct {
	cache *Cache
	mode  RoundingMode
}

// NewValidator creates a validator backed by cache.
func NewValidator(cache *Cache, mode RoundingMode) *Validator {
	return &Validator{cache: cache, mode: mode}
}

// Filter returns the current filter of symbol.
func (v *Validator) Filter(ctx context.Context, symbol string) (model.ExchangeFilter, error) {
	return v.cache.Get(ctx, symbol)
}

// RoundQuantity rounds qty down to the symbol's step size.
func (v *Validator) RoundQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	f, err := v.cache.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return FloorToStep(qty, f.StepSize), nil
}

// RoundPrice snaps price to the symbol's tick size in the configured mode.
func (v *Validator) RoundPrice(ctx context.Context, symbol string, price decimal.Decimal, side model.OrderSide) (decimal.Decimal, error) {
	f, err := v.cache.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundPrice(price, f.TickSize, side, v.mode), nil
}

// ValidateNotional reports whether qty×price reaches the minimum notional.
func (v *Validator) ValidateNotional(ctx context.Context, symbol string, qty, price decimal.Decimal) (bool, error) {
	f, err := v.cache.Get(ctx, symbol)
	if err != nil {
		return false, err
	}
	return qty.Mul(price).Abs().GreaterThanOrEqual(f.MinNotional), nil
}

// Prepare rounds qty and price and validates the result. price may be zero
// for market orders, in which case refPrice is used for the notional check.
func (v *Validator) Prepare(ctx context.Context, symbol string, side model.OrderSide, qty, price, refPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	f, err := v.cache.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	qty = FloorToStep(qty, f.StepSize)
	if !price.IsZero() {
		price = RoundPrice(price, f.TickSize, side, v.mode)
	}
	if err := Check(f, qty, price, refPrice); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return qty, price, nil
}

// RoundPrice snaps price to tick for side under mode.
func RoundPrice(price, tick decimal.Decimal, side model.OrderSide, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundPassive:
		if side == model.OrderSideSell {
			return CeilToStep(price, tick)
		}
		return FloorToStep(price, tick)
	case RoundAggressive:
		if side == model.OrderSideSell {
			return FloorToStep(price, tick)
		}
		return CeilToStep(price, tick)
	default:
		return NearestStep(price, tick)
	}
}

// Check validates already rounded parameters against f. Every failure wraps
// exception.ErrValidation.
func Check(f model.ExchangeFilter, qty, price, refPrice decimal.Decimal) error {
	if !qty.IsPositive() {
		return errors.Wrapf(exception.ErrValidation, "%s quantity %s is not positive", f.Symbol, qty)
	}
	if !IsMultiple(qty, f.StepSize) {
		return errors.Wrapf(exception.ErrValidation, "%s quantity %s not on step %s", f.Symbol, qty, f.StepSize)
	}
	if f.MinQty.IsPositive() && qty.LessThan(f.MinQty) {
		return errors.Wrapf(exception.ErrValidation, "%s quantity %s below minimum %s", f.Symbol, qty, f.MinQty)
	}
	if f.MaxQty.IsPositive() && qty.GreaterThan(f.MaxQty) {
		return errors.Wrapf(exception.ErrValidation, "%s quantity %s above maximum %s", f.Symbol, qty, f.MaxQty)
	}

	notionalPrice := refPrice
	if !price.IsZero() {
		if !price.IsPositive() {
			return errors.Wrapf(exception.ErrValidation, "%s price %s is not positive", f.Symbol, price)
		}
		if !IsMultiple(price, f.TickSize) {
			return errors.Wrapf(exception.ErrValidation, "%s price %s not on tick %s", f.Symbol, price, f.TickSize)
		}
		if f.MinPrice.IsPositive() && price.LessThan(f.MinPrice) {
			return errors.Wrapf(exception.ErrValidation, "%s price %s below minimum %s", f.Symbol, price, f.MinPrice)
		}
		if f.MaxPrice.IsPositive() && price.GreaterThan(f.MaxPrice) {
			return errors.Wrapf(exception.ErrValidation, "%s price %s above maximum %s", f.Symbol, price, f.MaxPrice)
		}
		notionalPrice = price
	}

	if !notionalPrice.IsPositive() {
		return errors.Wrapf(exception.ErrValidation, "%s has no price for the notional check", f.Symbol)
	}
	if notional := qty.Mul(notionalPrice); notional.LessThan(f.MinNotional) {
		return errors.Wrapf(exception.ErrValidation, "%s notional %s below minimum %s", f.Symbol, notional, f.MinNotional)
	}
	return nil
}
