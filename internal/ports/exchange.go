package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeFlowBot/internal/domain"
)

// OrderResult represents the essential details returned after an order write.
type OrderResult struct {
	OrderID       int64  // Exchange's order ID
	Symbol        string // Symbol for the order
	ClientOrderID string // Client-assigned correlation ID
	AvgPrice      decimal.Decimal
	ExecutedQty   decimal.Decimal
	Status        string // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string // Order type (e.g., MARKET, STOP_MARKET)
	Side          domain.OrderSide
	Timestamp     time.Time
}

// Venue order type strings as reported by OpenOrders.
const (
	OrderTypeMarket             = "MARKET"
	OrderTypeStopMarket         = "STOP_MARKET"
	OrderTypeTakeProfitMarket   = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket = "TRAILING_STOP_MARKET"
)

// OpenOrder describes an order currently resting on the venue.
type OpenOrder struct {
	OrderID int64
	Symbol  string
	Type    string // venue order type (e.g., STOP_MARKET, TAKE_PROFIT_MARKET, TRAILING_STOP_MARKET)
	Side    domain.OrderSide
	Status  string
}

// Position is the venue's view of an open position.
// The engine treats this as the single source of truth for lifecycle state.
type Position struct {
	Symbol     string
	Side       domain.PositionSide
	Quantity   decimal.Decimal // always positive; side carries the direction
	EntryPrice decimal.Decimal
	Leverage   int
}

// InstrumentRules are the venue's precision and size constraints for a symbol.
type InstrumentRules struct {
	QuantityStep      decimal.Decimal // lot size step; quantities must be a multiple
	PriceTick         decimal.Decimal // price tick size
	MinNotional       decimal.Decimal // minimum order value (quantity × price)
	PricePrecision    int
	QuantityPrecision int
}

// ExchangeGateway defines the venue operations the lifecycle engine needs.
// All calls may fail with a transport error; the engine maps those to ERROR
// outcomes rather than propagating them.
type ExchangeGateway interface {
	// GetPosition retrieves the open position for a symbol.
	// Returns nil, nil when the venue reports no position.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// GetAccountBalance retrieves the available balance for an asset (e.g. "USDT").
	GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetInstrumentRules retrieves precision and minimum-size rules for a symbol.
	GetInstrumentRules(ctx context.Context, symbol string) (*InstrumentRules, error)

	// SetLeverage sets the leverage for a symbol before an entry.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceMarketOrder places a market order. reduceOnly restricts the order
	// to closing existing exposure.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool) (*OrderResult, error)

	// PlaceStopMarketOrder places a stop-market order that closes the position
	// when the trigger price is crossed.
	PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*OrderResult, error)

	// PlaceTakeProfitMarketOrder places a take-profit-market order.
	PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*OrderResult, error)

	// PlaceTrailingStopOrder places a trailing-stop-market order with a
	// callback rate in percent; the venue tracks the favorable extreme.
	PlaceTrailingStopOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, callbackRate string) (*OrderResult, error)

	// OpenOrders lists orders currently resting on the venue for a symbol.
	OpenOrders(ctx context.Context, symbol string) ([]*OpenOrder, error)

	// CancelOrder cancels an open order by ID. Returns ErrOrderNotFound
	// (wrapped) when the order no longer exists, e.g. already triggered.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}
