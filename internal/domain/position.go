package domain

import "github.com/shopspring/decimal"

// PositionIntent is the sized order the executor is about to place for an
// entry. It lives only for the duration of one lifecycle transition.
type PositionIntent struct {
	Symbol   string
	Side     PositionSide
	Quantity decimal.Decimal // precision-snapped to the instrument's step
	Leverage int
}

// ProtectiveOrderType distinguishes the three protective order kinds.
type ProtectiveOrderType string

const (
	ProtectiveStopLoss     ProtectiveOrderType = "STOP_LOSS"
	ProtectiveTakeProfit   ProtectiveOrderType = "TAKE_PROFIT"
	ProtectiveTrailingStop ProtectiveOrderType = "TRAILING_STOP"
)

// ProtectiveOrder is the specification for one protective order, always on
// the exit side of the position it guards. A trailing stop carries a
// callback rate instead of a fixed trigger: the venue tracks the best
// favorable price after entry and triggers on a CallbackRate retracement.
type ProtectiveOrder struct {
	Type         ProtectiveOrderType
	Symbol       string
	Side         OrderSide
	Quantity     decimal.Decimal
	TriggerPrice decimal.Decimal // zero for trailing stops
	CallbackRate decimal.Decimal // percent, zero for fixed triggers
}

// ProtectiveOrderSet holds up to three protective order specs derived from
// one entry. Nil members mean the signal did not request that protection.
type ProtectiveOrderSet struct {
	StopLoss     *ProtectiveOrder
	TakeProfit   *ProtectiveOrder
	TrailingStop *ProtectiveOrder
}

// Orders returns the non-nil members in placement order.
func (s *ProtectiveOrderSet) Orders() []*ProtectiveOrder {
	var orders []*ProtectiveOrder
	for _, o := range []*ProtectiveOrder{s.StopLoss, s.TakeProfit, s.TrailingStop} {
		if o != nil {
			orders = append(orders, o)
		}
	}
	return orders
}
