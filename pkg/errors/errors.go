package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Scanner and trading flow errors
var (
	ErrNoMarginTypeChange   = errors.New("no need to change margin type")
	ErrNoPositionSideChange = errors.New("no need to change position side")
	ErrTradingDisabled      = errors.New("trading disabled, missing credentials")
	ErrMaxPositions         = errors.New("maximum concurrent positions reached")
	ErrBelowMinNotional     = errors.New("order below minimum notional")
	ErrUniverseEmpty        = errors.New("universe resolved to zero symbols")
	ErrStaleSnapshot        = errors.New("no movers snapshot produced yet")
)
