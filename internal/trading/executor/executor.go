// Package executor owns the live account state and turns strategy decisions
// into signed exchange orders. It is the single writer for balances,
// positions, and symbol filters; everything else reads through its accessors.
// Without API credentials every mutating call is a no-op.
package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"market_scanner/internal/config"
	"market_scanner/internal/core"
	apperrors "market_scanner/pkg/errors"
	"market_scanner/pkg/telemetry"
	"market_scanner/pkg/tradingutils"
)

const (
	// filterTTL bounds how long cached symbol filters are trusted before
	// the exchange info endpoint is consulted again.
	filterTTL = 30 * time.Minute

	// marginFraction of the wallet backs a full-scale position.
	marginFraction = 0.2

	// residualThreshold is the quantity below which a leftover leg is
	// treated as dust and flattened at cycle start.
	residualThreshold = 0.001
)

// Executor implements core.IExecutor against a futures exchange facade.
type Executor struct {
	exchange core.IExchange
	logger   core.ILogger

	enabled      bool
	leverage     int
	maxPositions int

	mu               sync.RWMutex
	walletBalance    float64
	availableBalance float64
	unrealizedPnl    float64
	positions        map[string]core.PositionSummary
	configured       map[string]bool
	dualSideReady    bool

	filterMu       sync.RWMutex
	filters        map[string]core.SymbolFilters
	filtersFetched time.Time

	nowFn func() time.Time
}

// New builds an executor bound to the exchange facade. enabled should come
// from config.TradingEnabled(); when false the executor only serves reads.
func New(exchange core.IExchange, cfg *config.TradingConfig, enabled bool, logger core.ILogger) *Executor {
	return &Executor{
		exchange:     exchange,
		logger:       logger.WithField("component", "executor"),
		enabled:      enabled,
		leverage:     cfg.Leverage,
		maxPositions: cfg.MaxPositions,
		positions:    make(map[string]core.PositionSummary),
		configured:   make(map[string]bool),
		filters:      make(map[string]core.SymbolFilters),
		nowFn:        time.Now,
	}
}

// Initialize switches the account to dual-side (hedge) position mode and
// loads the first state snapshot. Safe to call on a restart: the "no change
// needed" responses from the exchange are not errors.
func (e *Executor) Initialize(ctx context.Context) error {
	if !e.enabled {
		e.logger.Info("Trading disabled, executor running in observe-only mode")
		return nil
	}

	if err := e.exchange.SetDualSidePosition(ctx, true); err != nil && err != apperrors.ErrNoPositionSideChange {
		return fmt.Errorf("failed to enable dual-side position mode: %w", err)
	}
	e.mu.Lock()
	e.dualSideReady = true
	e.mu.Unlock()

	if err := e.RefreshState(ctx); err != nil {
		return fmt.Errorf("failed to load initial account state: %w", err)
	}

	if err := e.refreshFilters(ctx); err != nil {
		e.logger.Warn("Symbol filter preload failed, will retry on demand", "error", err)
	}

	e.logger.Info("Executor initialized",
		"wallet_balance", e.WalletBalance(),
		"open_positions", e.OpenPositionCount(),
		"leverage", e.leverage)
	return nil
}

// RefreshState reloads balances and position legs from the exchange and
// folds dual-side legs into per-symbol summaries. Legs below
// core.QuantityEpsilon count as flat.
func (e *Executor) RefreshState(ctx context.Context) error {
	if !e.enabled {
		return nil
	}

	balances, err := e.exchange.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch balances: %w", err)
	}
	legs, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}

	var wallet, available, pnl float64
	for _, b := range balances {
		if b.Asset == "USDT" {
			wallet = b.Balance
			available = b.AvailableBalance
			pnl = b.CrossUnrealized
			break
		}
	}

	summaries := make(map[string]core.PositionSummary)
	for _, leg := range legs {
		qty := math.Abs(leg.PositionAmt)
		if qty <= core.QuantityEpsilon {
			continue
		}
		s := summaries[leg.Symbol]
		s.Symbol = leg.Symbol
		switch leg.PositionSide {
		case core.DirectionLong:
			s.Long += qty
		case core.DirectionShort:
			s.Short += qty
		default:
			// One-way mode leg after a manual mode flip; fold by sign.
			if leg.PositionAmt > 0 {
				s.Long += qty
			} else {
				s.Short += qty
			}
		}
		s.UnrealizedPnl += leg.UnrealizedPnl
		summaries[leg.Symbol] = s
	}
	for sym, s := range summaries {
		s.Net = s.Long - s.Short
		summaries[sym] = s
	}

	e.mu.Lock()
	previous := e.positions
	e.walletBalance = wallet
	e.availableBalance = available
	e.unrealizedPnl = pnl
	e.positions = summaries
	e.mu.Unlock()

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetWalletBalance(wallet)
	metrics.SetOpenPositions(len(summaries))
	for sym, s := range summaries {
		metrics.SetPositionSize(sym, s.Net)
		metrics.SetUnrealizedPnL(sym, s.UnrealizedPnl)
	}
	for sym := range previous {
		if _, still := summaries[sym]; !still {
			metrics.ClearSymbol(sym)
		}
	}
	return nil
}

// TradingEnabled reports whether credentials were configured.
func (e *Executor) TradingEnabled() bool {
	return e.enabled
}

// CanOpenPosition reports whether a new position on symbol is admissible:
// trading on, symbol not already held, and the concurrent position cap not
// yet reached.
func (e *Executor) CanOpenPosition(symbol string) bool {
	if !e.enabled {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, held := e.positions[symbol]; held {
		return false
	}
	return len(e.positions) < e.maxPositions
}

func (e *Executor) WalletBalance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.walletBalance
}

func (e *Executor) AvailableBalance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.availableBalance
}

func (e *Executor) UnrealizedPnl() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unrealizedPnl
}

// Position returns the folded summary for symbol from the last refresh.
func (e *Executor) Position(symbol string) (core.PositionSummary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.positions[symbol]
	return s, ok
}

func (e *Executor) OpenPositionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

// CreateMarketOrder opens a position leg in the given direction. The margin
// committed is wallet/5 scaled by sizeScale (clamped to [0.1, 1]); quantity
// is derived from margin*leverage at the current mark price and quantized to
// the symbol's filters. The account state is refreshed after a fill.
func (e *Executor) CreateMarketOrder(ctx context.Context, symbol, direction string, sizeScale float64) (*core.OrderResult, error) {
	if !e.enabled {
		return nil, apperrors.ErrTradingDisabled
	}
	sizeScale = core.Clamp(sizeScale, 0.1, 1)

	price, err := e.exchange.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mark price for %s: %w", symbol, err)
	}
	if price <= 0 || !core.Finite(price) {
		return nil, fmt.Errorf("unusable mark price %.8f for %s", price, symbol)
	}

	if err := e.ensureSymbolConfigured(ctx, symbol); err != nil {
		return nil, err
	}
	filters, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	wallet := e.WalletBalance()
	if wallet <= 0 {
		return nil, apperrors.ErrInsufficientFunds
	}
	margin := wallet * marginFraction * sizeScale
	notional := margin * float64(e.leverage)

	qty, err := quantizeQuantity(notional/price, price, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to size order for %s: %w", symbol, err)
	}

	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide(direction, false),
		PositionSide:  direction,
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	}

	e.logger.Info("Placing market order",
		"symbol", symbol,
		"direction", direction,
		"quantity", qty,
		"size_scale", sizeScale,
		"notional", notional)

	res, err := e.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.RefreshState(ctx); err != nil {
		e.logger.Warn("State refresh after entry failed", "symbol", symbol, "error", err)
	}
	return res, nil
}

// PlaceStopLoss parks a reduce-direction STOP_MARKET order at stopPrice for
// quantity contracts. The trigger uses the contract (last) price.
func (e *Executor) PlaceStopLoss(ctx context.Context, symbol, direction string, quantity, stopPrice float64) (*core.OrderResult, error) {
	if !e.enabled {
		return nil, apperrors.ErrTradingDisabled
	}
	filters, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	qty := tradingutils.FloorToStep(decimal.NewFromFloat(quantity), decimal.NewFromFloat(filters.StepSize))
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: stop quantity %.8f under step size", apperrors.ErrInvalidOrderParameter, quantity)
	}

	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide(direction, true),
		PositionSide:  direction,
		Type:          core.OrderTypeStopMarket,
		Quantity:      tradingutils.FormatQuantity(qty, filters.QuantityPrecision),
		StopPrice:     tradingutils.FormatPrice(decimal.NewFromFloat(stopPrice), filters.PricePrecision),
		TimeInForce:   core.TimeInForceGTC,
		WorkingType:   core.WorkingTypeContract,
		ClientOrderID: newClientOrderID(),
	}

	e.logger.Info("Placing stop loss",
		"symbol", symbol,
		"direction", direction,
		"quantity", req.Quantity,
		"stop_price", req.StopPrice)

	return e.submit(ctx, req)
}

// ReplaceStopLoss cancels the resting stop orders guarding the given
// direction and places a fresh one. Used for break-even moves, trailing, and
// quantity syncs after partials and adds.
func (e *Executor) ReplaceStopLoss(ctx context.Context, symbol, direction string, quantity, stopPrice float64) (*core.OrderResult, error) {
	if !e.enabled {
		return nil, apperrors.ErrTradingDisabled
	}
	if err := e.cancelStops(ctx, symbol, direction); err != nil {
		return nil, err
	}
	return e.PlaceStopLoss(ctx, symbol, direction, quantity, stopPrice)
}

// ReducePosition market-closes quantity contracts of the given direction.
func (e *Executor) ReducePosition(ctx context.Context, symbol, direction string, quantity float64) (*core.OrderResult, error) {
	return e.adjustPosition(ctx, symbol, direction, quantity, true)
}

// IncreasePosition market-adds quantity contracts to the given direction.
func (e *Executor) IncreasePosition(ctx context.Context, symbol, direction string, quantity float64) (*core.OrderResult, error) {
	return e.adjustPosition(ctx, symbol, direction, quantity, false)
}

func (e *Executor) adjustPosition(ctx context.Context, symbol, direction string, quantity float64, reduce bool) (*core.OrderResult, error) {
	if !e.enabled {
		return nil, apperrors.ErrTradingDisabled
	}
	filters, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	qty := tradingutils.FloorToStep(decimal.NewFromFloat(quantity), decimal.NewFromFloat(filters.StepSize))
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: quantity %.8f under step size", apperrors.ErrInvalidOrderParameter, quantity)
	}

	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide(direction, reduce),
		PositionSide:  direction,
		Type:          core.OrderTypeMarket,
		Quantity:      tradingutils.FormatQuantity(qty, filters.QuantityPrecision),
		ClientOrderID: newClientOrderID(),
	}

	action := "Increasing position"
	if reduce {
		action = "Reducing position"
	}
	e.logger.Info(action, "symbol", symbol, "direction", direction, "quantity", req.Quantity)

	res, err := e.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.RefreshState(ctx); err != nil {
		e.logger.Warn("State refresh after adjustment failed", "symbol", symbol, "error", err)
	}
	return res, nil
}

// FlattenResiduals closes dust legs left behind by partial fills or manual
// interventions. Legs at or above residualThreshold are real positions and
// stay untouched.
func (e *Executor) FlattenResiduals(ctx context.Context) error {
	if !e.enabled {
		return nil
	}

	e.mu.RLock()
	snapshot := make([]core.PositionSummary, 0, len(e.positions))
	for _, s := range e.positions {
		snapshot = append(snapshot, s)
	}
	e.mu.RUnlock()

	for _, s := range snapshot {
		if s.Long > core.QuantityEpsilon && s.Long < residualThreshold {
			if _, err := e.ReducePosition(ctx, s.Symbol, core.DirectionLong, s.Long); err != nil {
				e.logger.Debug("Residual long leg not closeable", "symbol", s.Symbol, "quantity", s.Long, "error", err)
			}
		}
		if s.Short > core.QuantityEpsilon && s.Short < residualThreshold {
			if _, err := e.ReducePosition(ctx, s.Symbol, core.DirectionShort, s.Short); err != nil {
				e.logger.Debug("Residual short leg not closeable", "symbol", s.Symbol, "quantity", s.Short, "error", err)
			}
		}
	}
	return nil
}

// CancelAllOrders removes every resting order for symbol.
func (e *Executor) CancelAllOrders(ctx context.Context, symbol string) error {
	if !e.enabled {
		return nil
	}
	if err := e.exchange.CancelAllOrders(ctx, symbol); err != nil {
		return fmt.Errorf("failed to cancel orders for %s: %w", symbol, err)
	}
	return nil
}

// SubscribePriceStream attaches callback to the symbol's mark price stream.
func (e *Executor) SubscribePriceStream(ctx context.Context, symbol string, callback func(core.MarkPriceTick)) (func(), error) {
	return e.exchange.SubscribeMarkPrice(ctx, symbol, callback)
}

// GetMarkPrice proxies the facade; public data works without credentials.
func (e *Executor) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return e.exchange.GetMarkPrice(ctx, symbol)
}

// submit places the order and books telemetry for the outcome.
func (e *Executor) submit(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	metrics := telemetry.GetGlobalMetrics()
	res, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		metrics.IncOrderFailures(ctx, req.Symbol)
		e.logger.Error("Order rejected",
			"symbol", req.Symbol,
			"side", req.Side,
			"type", req.Type,
			"quantity", req.Quantity,
			"error", err)
		return nil, err
	}
	metrics.IncOrdersPlaced(ctx, req.Symbol, req.Side)
	e.logger.Info("Order accepted",
		"symbol", req.Symbol,
		"order_id", res.OrderID,
		"status", res.Status,
		"avg_price", res.AvgPrice,
		"executed_qty", res.ExecutedQty)
	return res, nil
}

// cancelStops removes the STOP_MARKET orders guarding direction on symbol.
func (e *Executor) cancelStops(ctx context.Context, symbol, direction string) error {
	orders, err := e.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to list open orders for %s: %w", symbol, err)
	}
	for _, o := range orders {
		if o.Type != core.OrderTypeStopMarket || o.PositionSide != direction {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			e.logger.Warn("Stale stop cancel failed",
				"symbol", symbol,
				"order_id", o.OrderID,
				"error", err)
		}
	}
	return nil
}

// ensureSymbolConfigured applies leverage and crossed margin once per symbol
// per process. The exchange's "already set" responses are not errors.
func (e *Executor) ensureSymbolConfigured(ctx context.Context, symbol string) error {
	e.mu.RLock()
	done := e.configured[symbol]
	e.mu.RUnlock()
	if done {
		return nil
	}

	if err := e.exchange.SetLeverage(ctx, symbol, e.leverage); err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}
	if err := e.exchange.SetMarginType(ctx, symbol, core.MarginTypeCrossed); err != nil && err != apperrors.ErrNoMarginTypeChange {
		return fmt.Errorf("failed to set margin type for %s: %w", symbol, err)
	}

	e.mu.Lock()
	e.configured[symbol] = true
	e.mu.Unlock()
	e.logger.Debug("Symbol configured", "symbol", symbol, "leverage", e.leverage)
	return nil
}

// symbolFilters returns the cached filters for symbol, refreshing the cache
// once it is older than filterTTL. A failed refresh falls back to the stale
// entry when one exists.
func (e *Executor) symbolFilters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	e.filterMu.RLock()
	fresh := e.nowFn().Sub(e.filtersFetched) < filterTTL
	f, ok := e.filters[symbol]
	e.filterMu.RUnlock()

	if fresh && ok {
		return f, nil
	}
	if err := e.refreshFilters(ctx); err != nil {
		if ok {
			e.logger.Warn("Filter refresh failed, using stale entry", "symbol", symbol, "error", err)
			return f, nil
		}
		return core.SymbolFilters{}, fmt.Errorf("failed to load filters for %s: %w", symbol, err)
	}

	e.filterMu.RLock()
	defer e.filterMu.RUnlock()
	f, ok = e.filters[symbol]
	if !ok {
		return core.SymbolFilters{}, fmt.Errorf("%w: %s not listed", apperrors.ErrInvalidSymbol, symbol)
	}
	return f, nil
}

func (e *Executor) refreshFilters(ctx context.Context) error {
	infos, err := e.exchange.ListPerpetuals(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]core.SymbolFilters, len(infos))
	for _, info := range infos {
		next[info.Symbol] = info.Filters
	}

	e.filterMu.Lock()
	e.filters = next
	e.filtersFetched = e.nowFn()
	e.filterMu.Unlock()
	return nil
}

// quantizeQuantity turns a raw contract quantity into the exchange's exact
// string form: clamp up to minQty, floor to the step size, bump to the
// minimum notional when the floored value is worth too little.
func quantizeQuantity(raw, price float64, f core.SymbolFilters) (string, error) {
	qty := decimal.NewFromFloat(raw)
	step := decimal.NewFromFloat(f.StepSize)
	minQty := decimal.NewFromFloat(f.MinQty)

	if qty.LessThan(minQty) {
		qty = minQty
	}
	qty = tradingutils.FloorToStep(qty, step)
	if qty.LessThan(minQty) {
		qty = tradingutils.CeilToStep(minQty, step)
	}

	if f.MinNotional > 0 {
		px := decimal.NewFromFloat(price)
		minNotional := decimal.NewFromFloat(f.MinNotional)
		if qty.Mul(px).LessThan(minNotional) {
			qty = tradingutils.MinNotionalQty(px, minNotional, step)
		}
	}

	if qty.LessThanOrEqual(decimal.Zero) {
		return "", apperrors.ErrBelowMinNotional
	}
	return tradingutils.FormatQuantity(qty, f.QuantityPrecision), nil
}

// orderSide maps a position direction to the order side: opening a LONG
// buys, reducing it sells; SHORT is the mirror.
func orderSide(direction string, reduce bool) string {
	long := strings.EqualFold(direction, core.DirectionLong)
	if long != reduce {
		return core.SideBuy
	}
	return core.SideSell
}

func newClientOrderID() string {
	return "scan-" + uuid.NewString()[:18]
}
