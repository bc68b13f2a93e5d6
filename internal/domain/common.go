package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide represents the direction of a position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// EntryOrderSide returns the order side that opens a position in this direction.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitOrderSide returns the order side that closes a position in this direction.
// Protective orders are always placed on this side.
func (s PositionSide) ExitOrderSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// SignalAction enumerates the instructions a trade signal can carry.
type SignalAction string

const (
	ActionEnterLong  SignalAction = "ENTER_LONG"
	ActionEnterShort SignalAction = "ENTER_SHORT"
	ActionExit       SignalAction = "EXIT"
)

// IsEntry reports whether the action opens a new position.
func (a SignalAction) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// PositionSide returns the position direction an entry action opens.
// Only meaningful for entry actions.
func (a SignalAction) PositionSide() PositionSide {
	if a == ActionEnterShort {
		return Short
	}
	return Long
}
