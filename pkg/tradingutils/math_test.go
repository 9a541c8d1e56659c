package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(d("0.1234"), d("0.01")).Equal(d("0.12")))
	assert.True(t, FloorToStep(d("5.999"), d("0.5")).Equal(d("5.5")))
	assert.True(t, FloorToStep(d("3"), d("1")).Equal(d("3")))
	// Zero step passes through untouched
	assert.True(t, FloorToStep(d("0.1234"), decimal.Zero).Equal(d("0.1234")))
}

func TestCeilToStep(t *testing.T) {
	assert.True(t, CeilToStep(d("0.1201"), d("0.01")).Equal(d("0.13")))
	assert.True(t, CeilToStep(d("0.12"), d("0.01")).Equal(d("0.12")))
}

func TestMinNotionalQty(t *testing.T) {
	// 5 USDT at price 2.5 needs 2.0 base units
	got := MinNotionalQty(d("2.5"), d("5"), d("0.1"))
	assert.True(t, got.Equal(d("2")), "got %s", got)

	// Step forces rounding up: 5/3 = 1.666... -> 1.7
	got = MinNotionalQty(d("3"), d("5"), d("0.1"))
	assert.True(t, got.Equal(d("1.7")), "got %s", got)

	assert.True(t, MinNotionalQty(decimal.Zero, d("5"), d("0.1")).IsZero())
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.12", FormatQuantity(d("0.129"), 2))
	assert.Equal(t, "12", FormatQuantity(d("12.00"), 2))
	assert.Equal(t, "0.5", FormatQuantity(d("0.50"), 3))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "104.35", FormatPrice(d("104.349"), 2))
	assert.Equal(t, "104", FormatPrice(d("104.000"), 2))
}
