package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"market_scanner/internal/core"
)

// MockExchange implements core.IExchange for testing. All market data is
// seeded through Set* helpers; mutating calls are recorded so tests can
// assert on the exact order flow. Market orders fill instantly at the
// seeded mark price.
type MockExchange struct {
	name string
	mu   sync.RWMutex

	symbols    []core.SymbolInfo
	volumes    map[string]float64
	candles    map[string][]core.Candle
	books      map[string]*core.BookTicker
	depths     map[string]*core.DepthSnapshot
	markPrices map[string]float64
	balances   []core.Balance
	positions  []core.PositionRisk

	openOrders     map[string][]core.OpenOrder
	orderIDCounter int64

	failures map[string]error

	// Recorded mutating calls.
	PlacedOrders   []*core.OrderRequest
	CanceledAll    []string
	CanceledOrders []int64
	LeverageCalls  map[string]int
	MarginCalls    map[string]string
	DualSideCalls  []bool

	priceSubs map[string][]func(core.MarkPriceTick)
}

func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:           name,
		volumes:        make(map[string]float64),
		candles:        make(map[string][]core.Candle),
		books:          make(map[string]*core.BookTicker),
		depths:         make(map[string]*core.DepthSnapshot),
		markPrices:     make(map[string]float64),
		openOrders:     make(map[string][]core.OpenOrder),
		orderIDCounter: 1000,
		failures:       make(map[string]error),
		LeverageCalls:  make(map[string]int),
		MarginCalls:    make(map[string]string),
		priceSubs:      make(map[string][]func(core.MarkPriceTick)),
	}
}

// FailWith makes the named operation return err until cleared with nil.
func (m *MockExchange) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockExchange) failure(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures[op]
}

func (m *MockExchange) SetSymbols(infos ...core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = infos
}

func (m *MockExchange) SetVolume(symbol string, quoteVolume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[symbol] = quoteVolume
}

func (m *MockExchange) SetCandles(symbol string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

func (m *MockExchange) SetBookTicker(ticker *core.BookTicker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[ticker.Symbol] = ticker
}

func (m *MockExchange) SetDepth(depth *core.DepthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths[depth.Symbol] = depth
}

func (m *MockExchange) SetMarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrices[symbol] = price
}

func (m *MockExchange) SetBalances(balances ...core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

func (m *MockExchange) SetPositions(positions ...core.PositionRisk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// EmitTick pushes a price tick to every subscriber of symbol.
func (m *MockExchange) EmitTick(symbol string, price float64, at time.Time) {
	m.mu.RLock()
	subs := append(([]func(core.MarkPriceTick))(nil), m.priceSubs[symbol]...)
	m.mu.RUnlock()
	for _, cb := range subs {
		cb(core.MarkPriceTick{Symbol: symbol, Price: price, Time: at})
	}
}

func (m *MockExchange) GetName() string {
	return m.name
}

func (m *MockExchange) CheckHealth(ctx context.Context) error {
	return m.failure("CheckHealth")
}

func (m *MockExchange) ListPerpetuals(ctx context.Context) ([]core.SymbolInfo, error) {
	if err := m.failure("ListPerpetuals"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.SymbolInfo(nil), m.symbols...), nil
}

func (m *MockExchange) QuoteVolumes24h(ctx context.Context) (map[string]float64, error) {
	if err := m.failure("QuoteVolumes24h"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.volumes))
	for k, v := range m.volumes {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	if err := m.failure("Klines"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	candles := m.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]core.Candle(nil), candles...), nil
}

func (m *MockExchange) GetBookTicker(ctx context.Context, symbol string) (*core.BookTicker, error) {
	if err := m.failure("GetBookTicker"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.books[symbol]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, fmt.Errorf("no book ticker for %s", symbol)
}

func (m *MockExchange) GetDepth(ctx context.Context, symbol string, limit int) (*core.DepthSnapshot, error) {
	if err := m.failure("GetDepth"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.depths[symbol]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, fmt.Errorf("no depth for %s", symbol)
}

func (m *MockExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := m.failure("GetMarkPrice"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.markPrices[symbol]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("no mark price for %s", symbol)
}

func (m *MockExchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	if err := m.failure("GetBalances"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Balance(nil), m.balances...), nil
}

func (m *MockExchange) GetPositions(ctx context.Context) ([]core.PositionRisk, error) {
	if err := m.failure("GetPositions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.PositionRisk(nil), m.positions...), nil
}

func (m *MockExchange) SetDualSidePosition(ctx context.Context, enabled bool) error {
	if err := m.failure("SetDualSidePosition"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DualSideCalls = append(m.DualSideCalls, enabled)
	return nil
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := m.failure("SetLeverage"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeverageCalls[symbol] = leverage
	return nil
}

func (m *MockExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if err := m.failure("SetMarginType"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarginCalls[symbol] = marginType
	return nil
}

// PlaceOrder fills MARKET orders instantly at the seeded mark price and
// parks STOP_MARKET orders in the open order book.
func (m *MockExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if err := m.failure("PlaceOrder"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orderIDCounter++
	m.PlacedOrders = append(m.PlacedOrders, req)

	qty, _ := strconv.ParseFloat(req.Quantity, 64)
	res := &core.OrderResult{
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
	}

	switch req.Type {
	case core.OrderTypeMarket:
		res.Status = "FILLED"
		res.AvgPrice = m.markPrices[req.Symbol]
		res.ExecutedQty = qty
	case core.OrderTypeStopMarket:
		res.Status = "NEW"
		stopPrice, _ := strconv.ParseFloat(req.StopPrice, 64)
		m.openOrders[req.Symbol] = append(m.openOrders[req.Symbol], core.OpenOrder{
			OrderID:      m.orderIDCounter,
			Symbol:       req.Symbol,
			Type:         core.OrderTypeStopMarket,
			Side:         req.Side,
			PositionSide: req.PositionSide,
			StopPrice:    stopPrice,
		})
	default:
		res.Status = "NEW"
	}

	return res, nil
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	if err := m.failure("GetOpenOrders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.OpenOrder(nil), m.openOrders[symbol]...), nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := m.failure("CancelOrder"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CanceledOrders = append(m.CanceledOrders, orderID)
	kept := m.openOrders[symbol][:0]
	for _, o := range m.openOrders[symbol] {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	m.openOrders[symbol] = kept
	return nil
}

func (m *MockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := m.failure("CancelAllOrders"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CanceledAll = append(m.CanceledAll, symbol)
	m.openOrders[symbol] = nil
	return nil
}

func (m *MockExchange) SubscribeMarkPrice(ctx context.Context, symbol string, callback func(core.MarkPriceTick)) (func(), error) {
	if err := m.failure("SubscribeMarkPrice"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.priceSubs[symbol] = append(m.priceSubs[symbol], callback)
	idx := len(m.priceSubs[symbol]) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.priceSubs[symbol]
		if idx < len(subs) {
			subs[idx] = func(core.MarkPriceTick) {}
		}
	}, nil
}

// OpenOrderCount reports the resting orders for symbol.
func (m *MockExchange) OpenOrderCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openOrders[symbol])
}

// LastOrder returns the most recently placed request, nil when none.
func (m *MockExchange) LastOrder() *core.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.PlacedOrders) == 0 {
		return nil
	}
	return m.PlacedOrders[len(m.PlacedOrders)-1]
}
