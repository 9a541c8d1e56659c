package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKlines_OrdersAndMapsFields(t *testing.T) {
	body := `[
		[1700000060000,"100.5","101.0","100.0","100.8","1200","1700000119999","120000","350","60000","61000","0"],
		[1700000000000,"100.0","100.6","99.9","100.5","1000","1700000059999","100000","300","50000","52000","0"]
	]`

	candles, err := parseKlines([]byte(body))
	require.NoError(t, err)
	require.Len(t, candles, 2)

	// Sorted ascending by open time regardless of response order
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
	assert.Equal(t, int64(1700000060000), candles[1].OpenTime)

	first := candles[0]
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 100.6, first.High)
	assert.Equal(t, 99.9, first.Low)
	assert.Equal(t, 100.5, first.Close)
	assert.Equal(t, 1000.0, first.Volume)
	assert.Equal(t, int64(1700000059999), first.CloseTime)
	assert.Equal(t, 100000.0, first.QuoteVolume)
	assert.Equal(t, 52000.0, first.TakerBuyQuoteVolume)
}

func TestParseKlines_DuplicateOpenTimeKeepsLater(t *testing.T) {
	body := `[
		[1700000000000,"100.0","100.6","99.9","100.5","1000","1700000059999","100000","300","50000","52000","0"],
		[1700000000000,"100.1","100.7","99.8","100.6","1100","1700000059999","110000","310","51000","53000","0"]
	]`

	candles, err := parseKlines([]byte(body))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 100.6, candles[0].Close)
	assert.Equal(t, 1100.0, candles[0].Volume)
}

func TestParseKlines_DropsMalformedRows(t *testing.T) {
	body := `[
		[1700000000000,"100.0","100.6","99.9","100.5","1000","1700000059999","100000","300","50000","52000","0"],
		[1700000060000,"not-a-number","101.0","100.0","100.8","1200","1700000119999","120000","350","60000","61000","0"],
		[1700000120000,"100.8","101.2"],
		[0,"100.0","100.6","99.9","100.5","1000","1700000059999","100000","300","50000","52000","0"]
	]`

	candles, err := parseKlines([]byte(body))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
}

func TestParseKlines_RejectsGarbage(t *testing.T) {
	_, err := parseKlines([]byte(`{"not":"an array"}`))
	assert.Error(t, err)
}

func TestParseKlines_EmptyResponse(t *testing.T) {
	candles, err := parseKlines([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, candles)
}
