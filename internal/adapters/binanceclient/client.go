package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeFlowBot/internal/domain"
	"tradeFlowBot/internal/metrics"
	"tradeFlowBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	rulesCacheTTL = 10 * time.Minute
)

// Client implements the ports.ExchangeGateway interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger

	// rulesMu guards rulesCache and rulesFetched: workers for different
	// symbols call GetInstrumentRules concurrently.
	rulesMu      sync.RWMutex
	rulesCache   map[string]*cachedRules
	rulesFetched time.Time
}

type cachedRules struct {
	rules *ports.InstrumentRules
}

// Config holds configuration specific to the Binance gateway adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance gateway adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		rulesCache:    make(map[string]*cachedRules),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to standard errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrGatewayTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrGatewayRejected
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrGatewayRejected
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4015: // Leverage is not valid
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrGatewayTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetPosition retrieves the open position for a symbol.
// Returns nil, nil when the venue reports no position.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*ports.Position, error) {
	op := "GetPosition"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(positions) == 0 {
		c.logger.Debug(ctx, op+": no position found for symbol", map[string]interface{}{"symbol": symbol})
		return nil, nil
	}

	// One-way position mode: a single entry per symbol
	binancePos := positions[0]
	amt, err := decimal.NewFromString(binancePos.PositionAmt)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse position amount '%s': %w", binancePos.PositionAmt, err), op)
	}
	if amt.IsZero() {
		c.logger.Debug(ctx, op+": position amount is zero for symbol", map[string]interface{}{"symbol": symbol})
		return nil, nil
	}

	entryPrice, err := decimal.NewFromString(binancePos.EntryPrice)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse entry price '%s': %w", binancePos.EntryPrice, err), op)
	}
	leverage, _ := strconv.Atoi(binancePos.Leverage) // Leverage is string in go-binance

	side := domain.Long
	if amt.IsNegative() {
		side = domain.Short
	}
	return &ports.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   amt.Abs(),
		EntryPrice: entryPrice,
		Leverage:   leverage,
	}, nil
}

// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			// AvailableBalance: entries are funded from free margin
			balance, err := decimal.NewFromString(bal.AvailableBalance)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, asset, err)
				return decimal.Zero, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance", asset)
	return decimal.Zero, c.handleError(ctx, err, op)
}

// GetInstrumentRules retrieves precision and minimum-size rules for a symbol
// from the exchange info filters. Results are cached briefly: instrument
// rules change rarely and the full exchange info payload is large.
func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (*ports.InstrumentRules, error) {
	op := "GetInstrumentRules"

	c.rulesMu.RLock()
	if time.Since(c.rulesFetched) < rulesCacheTTL {
		if cached, ok := c.rulesCache[symbol]; ok {
			c.rulesMu.RUnlock()
			return cached.rules, nil
		}
	}
	c.rulesMu.RUnlock()

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	// Build a fresh map and publish it in one step under the write lock so
	// readers never observe a partially filled cache.
	fresh := make(map[string]*cachedRules, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		rules, err := translateInstrumentRules(s)
		if err != nil {
			c.logger.Warn(ctx, op+": skipping symbol with unparseable filters", map[string]interface{}{"symbol": s.Symbol, "error": err.Error()})
			continue
		}
		fresh[s.Symbol] = &cachedRules{rules: rules}
	}

	c.rulesMu.Lock()
	c.rulesCache = fresh
	c.rulesFetched = time.Now()
	c.rulesMu.Unlock()

	cached, ok := fresh[symbol]
	if !ok {
		err := fmt.Errorf("%w: %s", ports.ErrSymbolNotFound, symbol)
		c.logger.Error(ctx, err, op+": symbol not in exchange info", map[string]interface{}{"symbol": symbol})
		return nil, err
	}
	return cached.rules, nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// PlaceMarketOrder places a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool) (*ports.OrderResult, error) {
	op := "PlaceMarketOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		NewClientOrderID(newClientOrderID())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResult(order)
	metrics.Orders.WithLabelValues(string(side)).Inc()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "reduceOnly": reduceOnly, "orderID": res.OrderID, "avgPrice": res.AvgPrice})
	return res, nil
}

// PlaceStopMarketOrder places a stop-market order that closes the position
// when the trigger is crossed.
func (c *Client) PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*ports.OrderResult, error) {
	op := "PlaceStopMarketOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeStopMarket).
		Quantity(quantity).
		StopPrice(stopPrice).
		ClosePosition(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResult(order)
	metrics.Orders.WithLabelValues(string(side)).Inc()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "stopPrice": stopPrice, "orderID": res.OrderID})
	return res, nil
}

// PlaceTakeProfitMarketOrder places a take-profit-market order.
func (c *Client) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*ports.OrderResult, error) {
	op := "PlaceTakeProfitMarketOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeTakeProfitMarket).
		Quantity(quantity).
		StopPrice(stopPrice).
		ClosePosition(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResult(order)
	metrics.Orders.WithLabelValues(string(side)).Inc()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "stopPrice": stopPrice, "orderID": res.OrderID})
	return res, nil
}

// PlaceTrailingStopOrder places a trailing-stop-market order with a callback
// rate in percent. The venue tracks the favorable extreme after entry; the
// order triggers on a callbackRate retracement from it.
func (c *Client) PlaceTrailingStopOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, callbackRate string) (*ports.OrderResult, error) {
	op := "PlaceTrailingStopOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeTrailingStopMarket).
		Quantity(quantity).
		CallbackRate(callbackRate).
		ReduceOnly(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResult(order)
	metrics.Orders.WithLabelValues(string(side)).Inc()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "callbackRate": callbackRate, "orderID": res.OrderID})
	return res, nil
}

// OpenOrders lists orders currently resting on the venue for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]*ports.OpenOrder, error) {
	op := "OpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	open := make([]*ports.OpenOrder, 0, len(orders))
	for _, o := range orders {
		open = append(open, &ports.OpenOrder{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Type:    string(o.Type),
			Side:    domain.OrderSide(o.Side),
			Status:  string(o.Status),
		})
	}
	return open, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	_, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		// handleError maps -2013 to ErrOrderNotFound for the already-triggered case.
		return c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// --- Translation Helpers ---

func newClientOrderID() string {
	return "tfb-" + uuid.NewString()[:18]
}

func translateOrderResult(order *futures.CreateOrderResponse) *ports.OrderResult {
	if order == nil {
		return nil
	}
	avgPrice, err := decimal.NewFromString(order.AvgPrice)
	if err != nil {
		avgPrice = decimal.Zero
	}
	execQty, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		execQty = decimal.Zero
	}

	return &ports.OrderResult{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		AvgPrice:      avgPrice,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		Type:          string(order.Type),
		Side:          domain.OrderSide(order.Side),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

// translateInstrumentRules extracts step, tick and minimum notional from the
// symbol's exchange-info filters.
func translateInstrumentRules(s *futures.Symbol) (*ports.InstrumentRules, error) {
	rules := &ports.InstrumentRules{
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}

	for _, f := range s.Filters {
		filterType, _ := f["filterType"].(string)
		switch filterType {
		case "LOT_SIZE":
			step, err := filterDecimal(f, "stepSize")
			if err != nil {
				return nil, err
			}
			rules.QuantityStep = step
		case "PRICE_FILTER":
			tick, err := filterDecimal(f, "tickSize")
			if err != nil {
				return nil, err
			}
			rules.PriceTick = tick
		case "MIN_NOTIONAL":
			notional, err := filterDecimal(f, "notional")
			if err != nil {
				return nil, err
			}
			rules.MinNotional = notional
		}
	}

	if rules.QuantityStep.IsZero() || rules.PriceTick.IsZero() {
		return nil, fmt.Errorf("symbol %s is missing LOT_SIZE or PRICE_FILTER", s.Symbol)
	}
	return rules, nil
}

func filterDecimal(filter map[string]interface{}, key string) (decimal.Decimal, error) {
	raw, ok := filter[key].(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("filter field %s missing or not a string", key)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing filter field %s '%s': %w", key, raw, err)
	}
	return value, nil
}
