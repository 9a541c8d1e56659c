// Package core defines the core interfaces and domain types for the scanner
package core

import (
	"context"
)

// IExchange is the typed facade over the futures REST/WS API. Every call is
// routed through the shared rate-limited client; signed endpoints carry the
// HMAC signature, public ones bypass signing.
type IExchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	// Market data
	ListPerpetuals(ctx context.Context) ([]SymbolInfo, error)
	QuoteVolumes24h(ctx context.Context) (map[string]float64, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// Account (signed)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context) ([]PositionRisk, error)
	SetDualSidePosition(ctx context.Context, enabled bool) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error

	// Orders (signed)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// Streams
	SubscribeMarkPrice(ctx context.Context, symbol string, callback func(MarkPriceTick)) (func(), error)
}

// IUniverse resolves the volume-ranked symbol set, cached on a TTL.
type IUniverse interface {
	Resolve(ctx context.Context) ([]string, error)
	Filters(symbol string) (SymbolFilters, bool)
}

// ILiquidityProbe estimates a liquidity penalty in [0,1] for a symbol.
// Best-effort: failures yield 0 and keep the symbol.
type ILiquidityProbe interface {
	Penalty(ctx context.Context, symbol string) float64
}

// IMoversProvider exposes the latest completed cycle result to readers
// outside the pipeline (HTTP surface, health checks).
type IMoversProvider interface {
	Latest() *MoversResult
}

// IExecutor owns live exchange state (balances, positions, symbol filters)
// and is the single writer for it. All mutating operations are no-ops when
// credentials are absent; order failures surface as errors the strategy
// reads as "no action taken".
type IExecutor interface {
	Initialize(ctx context.Context) error
	RefreshState(ctx context.Context) error

	TradingEnabled() bool
	CanOpenPosition(symbol string) bool
	WalletBalance() float64
	AvailableBalance() float64
	UnrealizedPnl() float64
	Position(symbol string) (PositionSummary, bool)
	OpenPositionCount() int

	CreateMarketOrder(ctx context.Context, symbol, direction string, sizeScale float64) (*OrderResult, error)
	PlaceStopLoss(ctx context.Context, symbol, direction string, quantity, stopPrice float64) (*OrderResult, error)
	ReplaceStopLoss(ctx context.Context, symbol, direction string, quantity, stopPrice float64) (*OrderResult, error)
	ReducePosition(ctx context.Context, symbol, direction string, quantity float64) (*OrderResult, error)
	IncreasePosition(ctx context.Context, symbol, direction string, quantity float64) (*OrderResult, error)
	FlattenResiduals(ctx context.Context) error
	CancelAllOrders(ctx context.Context, symbol string) error

	SubscribePriceStream(ctx context.Context, symbol string, callback func(MarkPriceTick)) (func(), error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
