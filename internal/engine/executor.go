package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeFlowBot/internal/domain"
	"tradeFlowBot/internal/ports"
)

// Config holds the executor's operating parameters.
type Config struct {
	// MarginAsset is the asset whose available balance funds entries (e.g. "USDT").
	MarginAsset string
	// CallTimeout bounds each individual gateway call. A timed-out entry or
	// exit fails closed (ERROR outcome); retry, if any, is the signal
	// source's redelivery, never the executor's.
	CallTimeout time.Duration
}

// LifecycleExecutor drives the per-symbol lifecycle state machine:
// FLAT → ENTERING → OPEN → EXITING → FLAT. State is never cached locally;
// every transition starts by asking the venue for the current position, and
// the symbol lock guarantees at most one in-flight transition per symbol.
type LifecycleExecutor struct {
	cfg      Config
	logger   ports.Logger
	gateway  ports.ExchangeGateway
	recorder ports.TransactionRecorder
	locks    *SymbolLock
}

// NewLifecycleExecutor creates a new executor instance.
func NewLifecycleExecutor(cfg Config, logger ports.Logger, gateway ports.ExchangeGateway, recorder ports.TransactionRecorder) (*LifecycleExecutor, error) {
	if logger == nil || gateway == nil || recorder == nil {
		return nil, fmt.Errorf("missing required dependencies for LifecycleExecutor")
	}
	if cfg.MarginAsset == "" {
		return nil, fmt.Errorf("configuration MarginAsset must be set")
	}
	if cfg.CallTimeout < 0 {
		return nil, fmt.Errorf("configuration CallTimeout cannot be negative")
	}
	return &LifecycleExecutor{
		cfg:      cfg,
		logger:   logger,
		gateway:  gateway,
		recorder: recorder,
		locks:    NewSymbolLock(),
	}, nil
}

// Handle processes one trade signal end to end and returns the lifecycle
// record describing the outcome. It never returns an error: domain
// conditions become SKIPPED records, gateway failures become ERROR records,
// malformed signals become REJECTED records.
func (e *LifecycleExecutor) Handle(ctx context.Context, sig *domain.TradeSignal) *domain.LifecycleRecord {
	op := "Handle"

	if err := sig.Validate(); err != nil {
		e.logger.Warn(ctx, op+": rejecting malformed signal", map[string]interface{}{"symbol": sig.Symbol, "action": sig.Action, "reason": err.Error()})
		return e.finish(ctx, e.newRecord(sig, domain.OutcomeRejected, err.Error()))
	}

	guard, err := e.locks.Acquire(ctx, sig.Symbol)
	if err != nil {
		// Only context cancellation reaches here: shutdown or request timeout
		// while another transition for the symbol was in flight.
		e.logger.Error(ctx, err, op+": lock acquisition cancelled", map[string]interface{}{"symbol": sig.Symbol})
		return e.finish(ctx, e.newRecord(sig, domain.OutcomeError, "lock acquisition cancelled: "+err.Error()))
	}
	defer guard.Release()

	if sig.Action.IsEntry() {
		return e.finish(ctx, e.enter(ctx, sig))
	}
	return e.finish(ctx, e.exit(ctx, sig))
}

// enter performs FLAT → ENTERING → OPEN. The caller holds the symbol lock.
func (e *LifecycleExecutor) enter(ctx context.Context, sig *domain.TradeSignal) *domain.LifecycleRecord {
	op := "enter"
	side := sig.Action.PositionSide()

	pos, err := e.getPosition(ctx, sig.Symbol)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "position query failed: "+err.Error())
	}
	if pos != nil {
		// Explicit conflict policy: a second entry while open is skipped,
		// never merged into the existing position.
		e.logger.Info(ctx, op+": position already open, skipping entry", map[string]interface{}{"symbol": sig.Symbol, "side": pos.Side, "quantity": pos.Quantity})
		return e.newRecord(sig, domain.OutcomeSkipped, ErrPositionAlreadyOpen.Error())
	}

	rules, err := e.getInstrumentRules(ctx, sig.Symbol)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "instrument rules query failed: "+err.Error())
	}
	referencePrice := SnapToStep(sig.ReferencePrice, rules.PriceTick)

	// Validate the protective spec before committing any capital. The checks
	// depend only on the percentages, so a plan that passes here cannot fail
	// after the entry fills.
	if _, err := Plan(side, sig.Symbol, referencePrice, decimal.Zero, sig.TakeProfitPercent, sig.StopLossPercent, sig.TrailingStopPercent); err != nil {
		if errors.Is(err, ErrInvalidProtectiveSpec) {
			e.logger.Warn(ctx, op+": invalid protective spec, skipping entry", map[string]interface{}{"symbol": sig.Symbol, "reason": err.Error()})
			return e.newRecord(sig, domain.OutcomeSkipped, err.Error())
		}
		return e.newRecord(sig, domain.OutcomeError, "protective plan failed: "+err.Error())
	}

	if err := e.setLeverage(ctx, sig.Symbol, sig.Leverage); err != nil {
		return e.newRecord(sig, domain.OutcomeError, "leverage change failed: "+err.Error())
	}

	equity, err := e.getAccountBalance(ctx, e.cfg.MarginAsset)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "balance query failed: "+err.Error())
	}

	quantity, err := Size(equity, sig.EquityPercent, sig.Leverage, referencePrice, rules)
	if err != nil {
		if errors.Is(err, ErrInsufficientSize) {
			e.logger.Info(ctx, op+": sized below instrument minimum, skipping entry", map[string]interface{}{"symbol": sig.Symbol, "equity": equity, "reason": err.Error()})
			return e.newRecord(sig, domain.OutcomeSkipped, err.Error())
		}
		return e.newRecord(sig, domain.OutcomeError, "sizing failed: "+err.Error())
	}

	intent := &domain.PositionIntent{
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: quantity,
		Leverage: sig.Leverage,
	}
	quantityStr := quantity.StringFixed(int32(rules.QuantityPrecision))
	e.logger.Info(ctx, op+": placing entry market order", map[string]interface{}{"symbol": intent.Symbol, "side": intent.Side, "quantity": quantityStr, "leverage": intent.Leverage})

	entryOrder, err := e.placeMarketOrder(ctx, intent.Symbol, side.EntryOrderSide(), quantityStr, false)
	if err != nil {
		// No fill confirmed, nothing placed: the symbol is back to FLAT.
		e.logger.Error(ctx, err, op+": entry order failed", map[string]interface{}{"symbol": intent.Symbol})
		return e.newRecord(sig, domain.OutcomeError, "entry order failed: "+err.Error())
	}

	entryPrice := entryOrder.AvgPrice
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		e.logger.Warn(ctx, op+": entry fill price unavailable, using reference price", map[string]interface{}{"symbol": intent.Symbol, "orderID": entryOrder.OrderID, "referencePrice": referencePrice})
		entryPrice = referencePrice
	}

	protective, err := Plan(side, sig.Symbol, entryPrice, quantity, sig.TakeProfitPercent, sig.StopLossPercent, sig.TrailingStopPercent)
	if err != nil {
		// Pre-validated above; reaching this means an unprotected open
		// position, so close it immediately.
		e.logger.Error(ctx, err, op+": protective plan failed after entry fill", map[string]interface{}{"symbol": intent.Symbol})
		e.emergencyClose(ctx, intent, quantityStr)
		return e.newRecord(sig, domain.OutcomeError, "protective plan failed after entry: "+err.Error(), entryOrder.OrderID)
	}

	placed, err := e.placeProtectiveOrders(ctx, protective, rules)
	if err != nil {
		// A confirmed entry without its full protective set is the worst
		// state to leave behind: cancel what was placed and close at market.
		e.logger.Error(ctx, err, op+": protective order placement failed, unwinding entry", map[string]interface{}{"symbol": intent.Symbol, "placed": len(placed)})
		for _, id := range placed {
			e.cancelOrderWarn(ctx, intent.Symbol, id)
		}
		e.emergencyClose(ctx, intent, quantityStr)
		return e.newRecord(sig, domain.OutcomeError, "protective order placement failed: "+err.Error(), entryOrder.OrderID)
	}

	orderIDs := append([]int64{entryOrder.OrderID}, placed...)
	detail := fmt.Sprintf("entered %s %s %s at %s", intent.Side, quantityStr, intent.Symbol, entryPrice)
	e.logger.Info(ctx, op+": position opened", map[string]interface{}{"symbol": intent.Symbol, "side": intent.Side, "entryPrice": entryPrice, "orderIDs": orderIDs})
	return e.newRecord(sig, domain.OutcomeFilled, detail, orderIDs...)
}

// exit performs OPEN → EXITING → FLAT. The caller holds the symbol lock.
// Exits are idempotent: redelivered signals and signals for already-closed
// positions resolve to SKIPPED by re-reading venue state before acting.
func (e *LifecycleExecutor) exit(ctx context.Context, sig *domain.TradeSignal) *domain.LifecycleRecord {
	op := "exit"

	pos, err := e.getPosition(ctx, sig.Symbol)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "position query failed: "+err.Error())
	}
	if pos == nil {
		e.logger.Info(ctx, op+": no open position, skipping exit", map[string]interface{}{"symbol": sig.Symbol})
		return e.newRecord(sig, domain.OutcomeSkipped, ErrNoPositionToExit.Error())
	}

	rules, err := e.getInstrumentRules(ctx, sig.Symbol)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "instrument rules query failed: "+err.Error())
	}

	// Sweep protective orders before closing so the market close cannot race
	// a stop into a double execution.
	cancelled, err := e.cancelProtectiveOrders(ctx, sig.Symbol)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "protective order cancellation failed: "+err.Error(), cancelled...)
	}

	// A protective order may have triggered between the position query and
	// the sweep. If the venue now reports flat, the exit is already done.
	pos, err = e.getPosition(ctx, sig.Symbol)
	if err != nil {
		return e.newRecord(sig, domain.OutcomeError, "position re-check failed: "+err.Error(), cancelled...)
	}
	if pos == nil {
		e.logger.Info(ctx, op+": position closed by protective order before market exit", map[string]interface{}{"symbol": sig.Symbol})
		return e.newRecord(sig, domain.OutcomeFilled, "position already closed by protective order", cancelled...)
	}

	quantity := SnapToStep(pos.Quantity, rules.QuantityStep)
	if quantity.LessThanOrEqual(decimal.Zero) {
		// Residual dust below one step cannot be closed by a reduce-only order.
		e.logger.Warn(ctx, op+": residual position below quantity step", map[string]interface{}{"symbol": sig.Symbol, "quantity": pos.Quantity})
		return e.newRecord(sig, domain.OutcomeSkipped, "residual position below quantity step", cancelled...)
	}
	quantityStr := quantity.StringFixed(int32(rules.QuantityPrecision))

	e.logger.Info(ctx, op+": placing reduce-only market close", map[string]interface{}{"symbol": sig.Symbol, "side": pos.Side.ExitOrderSide(), "quantity": quantityStr})
	closeOrder, err := e.placeMarketOrder(ctx, sig.Symbol, pos.Side.ExitOrderSide(), quantityStr, true)
	if err != nil {
		e.logger.Error(ctx, err, op+": market close failed", map[string]interface{}{"symbol": sig.Symbol})
		return e.newRecord(sig, domain.OutcomeError, "market close failed: "+err.Error(), cancelled...)
	}

	orderIDs := append(cancelled, closeOrder.OrderID)
	detail := fmt.Sprintf("closed %s %s %s at %s", pos.Side, quantityStr, sig.Symbol, closeOrder.AvgPrice)
	e.logger.Info(ctx, op+": position closed", map[string]interface{}{"symbol": sig.Symbol, "orderID": closeOrder.OrderID, "avgPrice": closeOrder.AvgPrice})
	return e.newRecord(sig, domain.OutcomeFilled, detail, orderIDs...)
}

// placeProtectiveOrders places each member of the set and returns the IDs
// placed so far; on failure the caller unwinds them.
func (e *LifecycleExecutor) placeProtectiveOrders(ctx context.Context, set *domain.ProtectiveOrderSet, rules *ports.InstrumentRules) ([]int64, error) {
	var placed []int64
	for _, order := range set.Orders() {
		quantityStr := order.Quantity.StringFixed(int32(rules.QuantityPrecision))

		var res *ports.OrderResult
		var err error
		callCtx, cancel := e.callContext(ctx)
		switch order.Type {
		case domain.ProtectiveStopLoss:
			trigger := SnapToStep(order.TriggerPrice, rules.PriceTick).StringFixed(int32(rules.PricePrecision))
			res, err = e.gateway.PlaceStopMarketOrder(callCtx, order.Symbol, order.Side, quantityStr, trigger)
		case domain.ProtectiveTakeProfit:
			trigger := SnapToStep(order.TriggerPrice, rules.PriceTick).StringFixed(int32(rules.PricePrecision))
			res, err = e.gateway.PlaceTakeProfitMarketOrder(callCtx, order.Symbol, order.Side, quantityStr, trigger)
		case domain.ProtectiveTrailingStop:
			res, err = e.gateway.PlaceTrailingStopOrder(callCtx, order.Symbol, order.Side, quantityStr, order.CallbackRate.StringFixed(1))
		}
		cancel()
		if err != nil {
			return placed, fmt.Errorf("%s order: %w", order.Type, err)
		}
		placed = append(placed, res.OrderID)
	}
	return placed, nil
}

// cancelProtectiveOrders cancels every resting protective order for the
// symbol. An order that vanished before cancellation (already triggered or
// filled) is not an error; any other cancellation failure is, because
// closing at market with a live stop could double-execute.
func (e *LifecycleExecutor) cancelProtectiveOrders(ctx context.Context, symbol string) ([]int64, error) {
	open, err := e.openOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("open orders query failed: %w", err)
	}

	var cancelled []int64
	for _, order := range open {
		switch order.Type {
		case ports.OrderTypeStopMarket, ports.OrderTypeTakeProfitMarket, ports.OrderTypeTrailingStopMarket:
		default:
			continue
		}
		callCtx, cancel := e.callContext(ctx)
		err := e.gateway.CancelOrder(callCtx, symbol, order.OrderID)
		cancel()
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				e.logger.Warn(ctx, "protective order already gone, treating as triggered", map[string]interface{}{"symbol": symbol, "orderID": order.OrderID, "type": order.Type})
				continue
			}
			return cancelled, fmt.Errorf("cancel order %d: %w", order.OrderID, err)
		}
		cancelled = append(cancelled, order.OrderID)
	}
	return cancelled, nil
}

// emergencyClose places a reduce-only market order against a position whose
// protective setup failed. Purely an exchange-side safety measure; failures
// are logged and require manual intervention.
func (e *LifecycleExecutor) emergencyClose(ctx context.Context, intent *domain.PositionIntent, quantityStr string) {
	op := "emergencyClose"
	e.logger.Warn(ctx, op+": closing unprotected position", map[string]interface{}{"symbol": intent.Symbol, "side": intent.Side.ExitOrderSide(), "quantity": quantityStr})
	if _, err := e.placeMarketOrder(ctx, intent.Symbol, intent.Side.ExitOrderSide(), quantityStr, true); err != nil {
		e.logger.Error(ctx, err, op+": FAILED TO CLOSE UNPROTECTED POSITION", map[string]interface{}{"symbol": intent.Symbol})
		return
	}
	e.logger.Info(ctx, op+": emergency close order placed", map[string]interface{}{"symbol": intent.Symbol})
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
func (e *LifecycleExecutor) cancelOrderWarn(ctx context.Context, symbol string, orderID int64) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.gateway.CancelOrder(callCtx, symbol, orderID); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Warn(ctx, "order not found during unwind, likely already filled or cancelled", map[string]interface{}{"symbol": symbol, "orderID": orderID})
			return
		}
		e.logger.Error(ctx, err, "failed to cancel order during unwind", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	}
}

// finish appends the record and returns it. Recording is fire-and-forget:
// a persistence failure never reverses a trade decision already taken.
// The append runs on a detached context — shutdown cancels the handler's
// context, and the ERROR outcomes produced by that cancellation are exactly
// the ones that must still reach durable storage.
func (e *LifecycleExecutor) finish(ctx context.Context, rec *domain.LifecycleRecord) *domain.LifecycleRecord {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.Record(recordCtx, rec); err != nil {
		e.logger.Error(ctx, err, "failed to append lifecycle record", map[string]interface{}{"symbol": rec.Symbol, "action": rec.Action, "outcome": rec.Outcome})
	}
	return rec
}

func (e *LifecycleExecutor) newRecord(sig *domain.TradeSignal, outcome domain.Outcome, detail string, orderIDs ...int64) *domain.LifecycleRecord {
	return &domain.LifecycleRecord{
		Timestamp:  time.Now().UTC(),
		Symbol:     sig.Symbol,
		Action:     sig.Action,
		StrategyID: sig.StrategyID,
		OrderIDs:   orderIDs,
		Outcome:    outcome,
		Detail:     detail,
	}
}

func (e *LifecycleExecutor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// --- Thin gateway wrappers applying the per-call timeout ---

func (e *LifecycleExecutor) getPosition(ctx context.Context, symbol string) (*ports.Position, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.gateway.GetPosition(callCtx, symbol)
}

func (e *LifecycleExecutor) getInstrumentRules(ctx context.Context, symbol string) (*ports.InstrumentRules, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.gateway.GetInstrumentRules(callCtx, symbol)
}

func (e *LifecycleExecutor) getAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.gateway.GetAccountBalance(callCtx, asset)
}

func (e *LifecycleExecutor) setLeverage(ctx context.Context, symbol string, leverage int) error {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.gateway.SetLeverage(callCtx, symbol, leverage)
}

func (e *LifecycleExecutor) placeMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool) (*ports.OrderResult, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.gateway.PlaceMarketOrder(callCtx, symbol, side, quantity, reduceOnly)
}

func (e *LifecycleExecutor) openOrders(ctx context.Context, symbol string) ([]*ports.OpenOrder, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.gateway.OpenOrders(callCtx, symbol)
}
