package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeFlowBot/internal/domain"
)

// Plan derives the protective order set for a filled entry. It is a pure
// function of its inputs: no hidden state, same triggers for same arguments.
//
// For a LONG position the take profit sits above entry and the stop loss
// below; SHORT inverts both. The trailing stop carries the callback rate
// unchanged — the venue measures it from the running favorable extreme, so
// there is no fixed trigger to compute. A nil percentage omits that order.
//
// Returns ErrInvalidProtectiveSpec (wrapped) when a requested trigger would
// land on the wrong side of the entry price (zero percent, or a stop beyond
// 100% of the price), which would self-trigger on placement.
func Plan(side domain.PositionSide, symbol string, entryPrice, quantity decimal.Decimal,
	takeProfitPct, stopLossPct, trailingPct *decimal.Decimal) (*domain.ProtectiveOrderSet, error) {

	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive, got %s", entryPrice)
	}

	set := &domain.ProtectiveOrderSet{}
	exitSide := side.ExitOrderSide()

	if takeProfitPct != nil {
		trigger, err := offsetPrice(side, entryPrice, *takeProfitPct, true)
		if err != nil {
			return nil, fmt.Errorf("take profit: %w", err)
		}
		set.TakeProfit = &domain.ProtectiveOrder{
			Type:         domain.ProtectiveTakeProfit,
			Symbol:       symbol,
			Side:         exitSide,
			Quantity:     quantity,
			TriggerPrice: trigger,
		}
	}

	if stopLossPct != nil {
		trigger, err := offsetPrice(side, entryPrice, *stopLossPct, false)
		if err != nil {
			return nil, fmt.Errorf("stop loss: %w", err)
		}
		set.StopLoss = &domain.ProtectiveOrder{
			Type:         domain.ProtectiveStopLoss,
			Symbol:       symbol,
			Side:         exitSide,
			Quantity:     quantity,
			TriggerPrice: trigger,
		}
	}

	if trailingPct != nil {
		if trailingPct.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("trailing stop: %w: callback rate %s is not positive",
				ErrInvalidProtectiveSpec, trailingPct)
		}
		set.TrailingStop = &domain.ProtectiveOrder{
			Type:         domain.ProtectiveTrailingStop,
			Symbol:       symbol,
			Side:         exitSide,
			Quantity:     quantity,
			CallbackRate: *trailingPct,
		}
	}

	return set, nil
}

// offsetPrice computes entry ± pct%. favorable selects the profit direction
// for the position side; the opposite direction is the loss side.
func offsetPrice(side domain.PositionSide, entry, pct decimal.Decimal, favorable bool) (decimal.Decimal, error) {
	if pct.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: percent %s is not positive", ErrInvalidProtectiveSpec, pct)
	}
	offset := entry.Mul(pct).Div(oneHundred)

	up := favorable == (side == domain.Long)
	if up {
		return entry.Add(offset), nil
	}
	trigger := entry.Sub(offset)
	if trigger.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: percent %s of price %s crosses zero", ErrInvalidProtectiveSpec, pct, entry)
	}
	return trigger, nil
}
