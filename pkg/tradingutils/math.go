package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// FloorToStep floors a quantity to an exact multiple of the exchange step
// size. A zero step returns the quantity unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// CeilToStep rounds a quantity up to the next multiple of the step size.
func CeilToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

// MinNotionalQty returns the smallest step multiple whose notional value at
// the given price satisfies minNotional. Returns zero when price is zero.
func MinNotionalQty(price, minNotional, step decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	raw := minNotional.Div(price)
	return CeilToStep(raw, step)
}

// FormatQuantity renders a quantity with at most the given precision and no
// trailing zeros. Exchanges reject values with excess precision.
func FormatQuantity(qty decimal.Decimal, precision int) string {
	return qty.Truncate(int32(precision)).String()
}

// FormatPrice renders a price rounded to the given precision with no
// trailing zeros.
func FormatPrice(price decimal.Decimal, precision int) string {
	return price.Round(int32(precision)).String()
}
