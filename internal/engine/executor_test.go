package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeFlowBot/internal/domain"
	"tradeFlowBot/internal/ports"
)

// mockLogger implements ports.Logger for testing.
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockRecorder implements ports.TransactionRecorder and captures appends
// along with the liveness of the context each append arrived on.
type mockRecorder struct {
	records   []*domain.LifecycleRecord
	ctxErrs   []error
	recordErr error
}

func (m *mockRecorder) Record(ctx context.Context, rec *domain.LifecycleRecord) error {
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.recordErr != nil {
		return m.recordErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockRecorder) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.LifecycleRecord, error) {
	return nil, nil
}

func (m *mockRecorder) FindRecent(ctx context.Context, limit int) ([]*domain.LifecycleRecord, error) {
	return nil, nil
}

// mockGateway implements ports.ExchangeGateway with scriptable behavior and
// records the order calls it receives.
type mockGateway struct {
	position     *ports.Position
	positionErr  error
	// positions is consumed first if non-empty, one entry per GetPosition call.
	positions []*ports.Position

	balance    decimal.Decimal
	balanceErr error

	rules    *ports.InstrumentRules
	rulesErr error

	leverageErr error
	setLeverage []int

	marketOrders    []marketCall
	marketResult    *ports.OrderResult
	marketErr       error
	stopResult      *ports.OrderResult
	stopErr         error
	tpResult        *ports.OrderResult
	tpErr           error
	trailingResult  *ports.OrderResult
	trailingErr     error
	openOrdersList  []*ports.OpenOrder
	openOrdersErr   error
	cancelled       []int64
	cancelErr       error
	cancelErrByID   map[int64]error
}

type marketCall struct {
	symbol     string
	side       domain.OrderSide
	quantity   string
	reduceOnly bool
}

func (m *mockGateway) GetPosition(ctx context.Context, symbol string) (*ports.Position, error) {
	if m.positionErr != nil {
		return nil, m.positionErr
	}
	if len(m.positions) > 0 {
		pos := m.positions[0]
		m.positions = m.positions[1:]
		return pos, nil
	}
	return m.position, nil
}

func (m *mockGateway) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if m.balanceErr != nil {
		return decimal.Zero, m.balanceErr
	}
	return m.balance, nil
}

func (m *mockGateway) GetInstrumentRules(ctx context.Context, symbol string) (*ports.InstrumentRules, error) {
	if m.rulesErr != nil {
		return nil, m.rulesErr
	}
	return m.rules, nil
}

func (m *mockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if m.leverageErr != nil {
		return m.leverageErr
	}
	m.setLeverage = append(m.setLeverage, leverage)
	return nil
}

func (m *mockGateway) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool) (*ports.OrderResult, error) {
	m.marketOrders = append(m.marketOrders, marketCall{symbol: symbol, side: side, quantity: quantity, reduceOnly: reduceOnly})
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	return m.marketResult, nil
}

func (m *mockGateway) PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*ports.OrderResult, error) {
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return m.stopResult, nil
}

func (m *mockGateway) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*ports.OrderResult, error) {
	if m.tpErr != nil {
		return nil, m.tpErr
	}
	return m.tpResult, nil
}

func (m *mockGateway) PlaceTrailingStopOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, callbackRate string) (*ports.OrderResult, error) {
	if m.trailingErr != nil {
		return nil, m.trailingErr
	}
	return m.trailingResult, nil
}

func (m *mockGateway) OpenOrders(ctx context.Context, symbol string) ([]*ports.OpenOrder, error) {
	if m.openOrdersErr != nil {
		return nil, m.openOrdersErr
	}
	return m.openOrdersList, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err, ok := m.cancelErrByID[orderID]; ok {
		return err
	}
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func testRules() *ports.InstrumentRules {
	return &ports.InstrumentRules{
		QuantityStep:      d("0.001"),
		PriceTick:         d("0.1"),
		MinNotional:       d("100"),
		PricePrecision:    1,
		QuantityPrecision: 3,
	}
}

func entrySignal() *domain.TradeSignal {
	return &domain.TradeSignal{
		Symbol:              "BTCUSDT",
		Action:              domain.ActionEnterLong,
		Leverage:            20,
		EquityPercent:       d("25"),
		ReferencePrice:      d("50000"),
		StrategyID:          "strat-1",
		TakeProfitPercent:   dp("10"),
		StopLossPercent:     dp("3"),
		TrailingStopPercent: dp("2"),
	}
}

func exitSignal() *domain.TradeSignal {
	return &domain.TradeSignal{Symbol: "BTCUSDT", Action: domain.ActionExit, StrategyID: "strat-1"}
}

func newTestExecutor(t *testing.T, gw *mockGateway, rec *mockRecorder) *LifecycleExecutor {
	t.Helper()
	exec, err := NewLifecycleExecutor(Config{MarginAsset: "USDT", CallTimeout: time.Second}, &mockLogger{}, gw, rec)
	require.NoError(t, err)
	return exec
}

func TestNewLifecycleExecutor(t *testing.T) {
	gw := &mockGateway{}
	rec := &mockRecorder{}

	_, err := NewLifecycleExecutor(Config{MarginAsset: "USDT"}, nil, gw, rec)
	assert.Error(t, err)

	_, err = NewLifecycleExecutor(Config{}, &mockLogger{}, gw, rec)
	assert.Error(t, err)

	exec, err := NewLifecycleExecutor(Config{MarginAsset: "USDT"}, &mockLogger{}, gw, rec)
	assert.NoError(t, err)
	assert.NotNil(t, exec)
}

func TestHandleRejectsMalformedSignal(t *testing.T) {
	rec := &mockRecorder{}
	exec := newTestExecutor(t, &mockGateway{}, rec)

	sig := entrySignal()
	sig.Leverage = 0
	result := exec.Handle(context.Background(), sig)

	assert.Equal(t, domain.OutcomeRejected, result.Outcome)
	require.Len(t, rec.records, 1)
	assert.Equal(t, domain.OutcomeRejected, rec.records[0].Outcome)
}

func TestEnterHappyPath(t *testing.T) {
	gw := &mockGateway{
		rules:          testRules(),
		balance:        d("1000"),
		marketResult:   &ports.OrderResult{OrderID: 1, AvgPrice: d("50000"), ExecutedQty: d("0.1")},
		stopResult:     &ports.OrderResult{OrderID: 2},
		tpResult:       &ports.OrderResult{OrderID: 3},
		trailingResult: &ports.OrderResult{OrderID: 4},
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), entrySignal())

	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Equal(t, []int64{1, 2, 3, 4}, result.OrderIDs)
	assert.Equal(t, []int{20}, gw.setLeverage)

	require.Len(t, gw.marketOrders, 1)
	entry := gw.marketOrders[0]
	assert.Equal(t, "BTCUSDT", entry.symbol)
	assert.Equal(t, domain.Buy, entry.side)
	assert.Equal(t, "0.100", entry.quantity)
	assert.False(t, entry.reduceOnly)

	require.Len(t, rec.records, 1)
	assert.Equal(t, domain.OutcomeFilled, rec.records[0].Outcome)
}

func TestEnterSkippedWhenPositionAlreadyOpen(t *testing.T) {
	gw := &mockGateway{
		position: &ports.Position{Symbol: "BTCUSDT", Side: domain.Long, Quantity: d("0.5"), EntryPrice: d("48000")},
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), entrySignal())

	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Contains(t, result.Detail, ErrPositionAlreadyOpen.Error())
	assert.Empty(t, gw.marketOrders, "no order may be placed for a skipped entry")
}

func TestEnterSkippedOnInsufficientSize(t *testing.T) {
	gw := &mockGateway{rules: testRules(), balance: d("10")}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), entrySignal())

	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Empty(t, gw.marketOrders)
}

func TestEnterSkippedOnInvalidProtectiveSpec(t *testing.T) {
	gw := &mockGateway{rules: testRules(), balance: d("1000")}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	sig := entrySignal()
	sig.StopLossPercent = dp("100") // long stop at zero would self-trigger

	result := exec.Handle(context.Background(), sig)

	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Empty(t, gw.setLeverage, "leverage must not change before the spec is validated")
	assert.Empty(t, gw.marketOrders)
}

func TestEnterErrorWhenEntryOrderFails(t *testing.T) {
	gw := &mockGateway{
		rules:     testRules(),
		balance:   d("1000"),
		marketErr: fmt.Errorf("PlaceMarketOrder failed: %w", ports.ErrGatewayRejected),
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), entrySignal())

	assert.Equal(t, domain.OutcomeError, result.Outcome)
	assert.Empty(t, result.OrderIDs, "no fill was confirmed")
}

func TestEnterUnwindsWhenProtectivePlacementFails(t *testing.T) {
	gw := &mockGateway{
		rules:        testRules(),
		balance:      d("1000"),
		marketResult: &ports.OrderResult{OrderID: 1, AvgPrice: d("50000")},
		stopResult:   &ports.OrderResult{OrderID: 2},
		tpErr:        fmt.Errorf("PlaceTakeProfitMarketOrder failed: %w", ports.ErrGatewayRejected),
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), entrySignal())

	assert.Equal(t, domain.OutcomeError, result.Outcome)
	assert.Equal(t, []int64{1}, result.OrderIDs)

	// The placed stop loss is cancelled and the naked position closed.
	assert.Equal(t, []int64{2}, gw.cancelled)
	require.Len(t, gw.marketOrders, 2)
	emergency := gw.marketOrders[1]
	assert.Equal(t, domain.Sell, emergency.side)
	assert.True(t, emergency.reduceOnly)
}

func TestEnterUsesReferencePriceWhenFillPriceMissing(t *testing.T) {
	gw := &mockGateway{
		rules:          testRules(),
		balance:        d("1000"),
		marketResult:   &ports.OrderResult{OrderID: 1, AvgPrice: decimal.Zero},
		stopResult:     &ports.OrderResult{OrderID: 2},
		tpResult:       &ports.OrderResult{OrderID: 3},
		trailingResult: &ports.OrderResult{OrderID: 4},
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), entrySignal())

	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Contains(t, result.Detail, "50000", "detail should carry the reference price fallback")
}

func TestExitHappyPath(t *testing.T) {
	gw := &mockGateway{
		position: &ports.Position{Symbol: "BTCUSDT", Side: domain.Long, Quantity: d("0.1"), EntryPrice: d("50000")},
		rules:    testRules(),
		openOrdersList: []*ports.OpenOrder{
			{OrderID: 2, Symbol: "BTCUSDT", Type: ports.OrderTypeStopMarket},
			{OrderID: 3, Symbol: "BTCUSDT", Type: ports.OrderTypeTakeProfitMarket},
			{OrderID: 4, Symbol: "BTCUSDT", Type: ports.OrderTypeTrailingStopMarket},
		},
		marketResult: &ports.OrderResult{OrderID: 9, AvgPrice: d("51000")},
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Equal(t, []int64{2, 3, 4}, gw.cancelled)
	assert.Equal(t, []int64{2, 3, 4, 9}, result.OrderIDs)

	require.Len(t, gw.marketOrders, 1)
	closeOrder := gw.marketOrders[0]
	assert.Equal(t, domain.Sell, closeOrder.side)
	assert.Equal(t, "0.100", closeOrder.quantity)
	assert.True(t, closeOrder.reduceOnly)
}

func TestExitSkippedWhenFlat(t *testing.T) {
	gw := &mockGateway{}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Contains(t, result.Detail, ErrNoPositionToExit.Error())
	assert.Empty(t, gw.marketOrders)
}

func TestExitIsIdempotent(t *testing.T) {
	gw := &mockGateway{}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	first := exec.Handle(context.Background(), exitSignal())
	second := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeSkipped, first.Outcome)
	assert.Equal(t, domain.OutcomeSkipped, second.Outcome)
	assert.Len(t, rec.records, 2, "every redelivery still gets its own record")
}

func TestExitIgnoresAlreadyTriggeredProtectiveOrder(t *testing.T) {
	gw := &mockGateway{
		positions: []*ports.Position{
			{Symbol: "BTCUSDT", Side: domain.Short, Quantity: d("0.2"), EntryPrice: d("50000")},
			{Symbol: "BTCUSDT", Side: domain.Short, Quantity: d("0.2"), EntryPrice: d("50000")},
		},
		rules: testRules(),
		openOrdersList: []*ports.OpenOrder{
			{OrderID: 2, Symbol: "BTCUSDT", Type: ports.OrderTypeStopMarket},
			{OrderID: 3, Symbol: "BTCUSDT", Type: ports.OrderTypeTakeProfitMarket},
		},
		cancelErrByID: map[int64]error{
			2: fmt.Errorf("CancelOrder failed: %w", ports.ErrOrderNotFound),
		},
		marketResult: &ports.OrderResult{OrderID: 9, AvgPrice: d("49000")},
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Equal(t, []int64{3}, gw.cancelled)

	require.Len(t, gw.marketOrders, 1)
	assert.Equal(t, domain.Buy, gw.marketOrders[0].side)
}

func TestExitFilledWhenProtectiveOrderClosedPosition(t *testing.T) {
	gw := &mockGateway{
		positions: []*ports.Position{
			{Symbol: "BTCUSDT", Side: domain.Long, Quantity: d("0.1"), EntryPrice: d("50000")},
			nil, // protective order triggered between query and sweep
		},
		rules: testRules(),
		openOrdersList: []*ports.OpenOrder{
			{OrderID: 2, Symbol: "BTCUSDT", Type: ports.OrderTypeStopMarket},
		},
		marketResult: &ports.OrderResult{OrderID: 9},
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeFilled, result.Outcome)
	assert.Contains(t, result.Detail, "already closed")
	assert.Empty(t, gw.marketOrders, "no market close when the venue is already flat")
}

func TestExitErrorWhenCancelFails(t *testing.T) {
	gw := &mockGateway{
		position: &ports.Position{Symbol: "BTCUSDT", Side: domain.Long, Quantity: d("0.1"), EntryPrice: d("50000")},
		rules:    testRules(),
		openOrdersList: []*ports.OpenOrder{
			{OrderID: 2, Symbol: "BTCUSDT", Type: ports.OrderTypeStopMarket},
		},
		cancelErr: fmt.Errorf("CancelOrder failed: %w", ports.ErrOrderCancelFailed),
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeError, result.Outcome)
	assert.Empty(t, gw.marketOrders, "must not close at market with a live stop resting")
}

func TestHandleErrorWhenGatewayUnavailable(t *testing.T) {
	gw := &mockGateway{
		positionErr: fmt.Errorf("GetPosition failed: %w", ports.ErrExchangeUnavailable),
	}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	entry := exec.Handle(context.Background(), entrySignal())
	assert.Equal(t, domain.OutcomeError, entry.Outcome)

	exit := exec.Handle(context.Background(), exitSignal())
	assert.Equal(t, domain.OutcomeError, exit.Outcome)
}

func TestHandleRecorderFailureDoesNotChangeOutcome(t *testing.T) {
	gw := &mockGateway{}
	rec := &mockRecorder{recordErr: fmt.Errorf("record append: %w", ports.ErrRecordFailed)}
	exec := newTestExecutor(t, gw, rec)

	result := exec.Handle(context.Background(), exitSignal())

	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
}

func TestCancelledHandlerStillRecordsOutcome(t *testing.T) {
	gw := &mockGateway{}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	// Hold the lock so a cancelled handler deterministically takes the
	// ERROR path instead of proceeding with the exit.
	guard, err := exec.locks.Acquire(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	defer guard.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := exec.Handle(ctx, exitSignal())

	assert.Equal(t, domain.OutcomeError, result.Outcome)
	require.Len(t, rec.records, 1)
	assert.Equal(t, domain.OutcomeError, rec.records[0].Outcome)
	require.Len(t, rec.ctxErrs, 1)
	assert.NoError(t, rec.ctxErrs[0], "record append must outlive the cancelled handler context")
}

func TestHandleSerializesSameSymbol(t *testing.T) {
	gw := &mockGateway{}
	rec := &mockRecorder{}
	exec := newTestExecutor(t, gw, rec)

	guard, err := exec.locks.Acquire(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := exec.Handle(ctx, exitSignal())

	// The held lock forces the handler to give up when its context expires.
	assert.Equal(t, domain.OutcomeError, result.Outcome)
	guard.Release()
}
