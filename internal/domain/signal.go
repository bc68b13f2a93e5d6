package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TradeSignal is a validated trade instruction for a single symbol.
// It is immutable once handed to the executor.
type TradeSignal struct {
	Symbol         string
	Action         SignalAction
	Leverage       int             // required for entries
	EquityPercent  decimal.Decimal // (0, 100], required for entries
	ReferencePrice decimal.Decimal // venue-quoted price, required for entries
	StrategyID     string          // opaque correlation string from the signal source

	// Optional protective parameters, percentages of the entry price.
	// A nil pointer means the corresponding protective order is omitted.
	TakeProfitPercent   *decimal.Decimal
	StopLossPercent     *decimal.Decimal
	TrailingStopPercent *decimal.Decimal
}

// Validate checks that the signal carries the fields its action requires.
// EXIT needs only symbol and strategy ID; entries need leverage, equity
// percent and a reference price.
func (s *TradeSignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal is missing a symbol")
	}
	switch s.Action {
	case ActionEnterLong, ActionEnterShort:
	case ActionExit:
		return nil
	default:
		return fmt.Errorf("unknown signal action %q", s.Action)
	}

	if s.Leverage <= 0 {
		return fmt.Errorf("entry signal for %s requires a positive leverage, got %d", s.Symbol, s.Leverage)
	}
	if s.EquityPercent.LessThanOrEqual(decimal.Zero) || s.EquityPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("entry signal for %s requires equity percent in (0, 100], got %s", s.Symbol, s.EquityPercent)
	}
	if s.ReferencePrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("entry signal for %s requires a positive reference price, got %s", s.Symbol, s.ReferencePrice)
	}
	for name, pct := range map[string]*decimal.Decimal{
		"take profit":   s.TakeProfitPercent,
		"stop loss":     s.StopLossPercent,
		"trailing stop": s.TrailingStopPercent,
	} {
		if pct != nil && pct.IsNegative() {
			return fmt.Errorf("entry signal for %s has a negative %s percent: %s", s.Symbol, name, pct)
		}
	}
	return nil
}
