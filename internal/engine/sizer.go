package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeFlowBot/internal/ports"
)

var oneHundred = decimal.NewFromInt(100)

// SnapToStep rounds value down to a multiple of step. Rounding is always
// toward zero: rounding a quantity up could exceed the intended notional.
func SnapToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Size converts an equity percentage, leverage and reference price into an
// order quantity snapped down to the instrument's quantity step.
//
//	notional = equity × (equityPercent / 100) × leverage
//	quantity = notional / referencePrice, floored to the step
//
// Returns ErrInsufficientSize (wrapped) when the snapped quantity is zero or
// its notional is below the instrument's minimum; the caller must record
// SKIPPED instead of sending an order the venue would reject.
func Size(equity, equityPercent decimal.Decimal, leverage int, referencePrice decimal.Decimal, rules *ports.InstrumentRules) (decimal.Decimal, error) {
	if referencePrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("reference price must be positive, got %s", referencePrice)
	}
	if leverage <= 0 {
		return decimal.Zero, fmt.Errorf("leverage must be positive, got %d", leverage)
	}

	notional := equity.Mul(equityPercent).Div(oneHundred).Mul(decimal.NewFromInt(int64(leverage)))
	quantity := SnapToStep(notional.Div(referencePrice), rules.QuantityStep)

	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: quantity rounded to zero (notional %s at price %s)",
			ErrInsufficientSize, notional, referencePrice)
	}
	if quantity.Mul(referencePrice).LessThan(rules.MinNotional) {
		return decimal.Zero, fmt.Errorf("%w: notional %s below minimum %s",
			ErrInsufficientSize, quantity.Mul(referencePrice), rules.MinNotional)
	}
	return quantity, nil
}
