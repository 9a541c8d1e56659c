package binance

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"market_scanner/internal/core"
)

// Kline rows arrive as mixed-type JSON arrays:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
//  trades, takerBuyBase, takerBuyQuote, ignore]
const (
	klineIdxOpenTime      = 0
	klineIdxOpen          = 1
	klineIdxHigh          = 2
	klineIdxLow           = 3
	klineIdxClose         = 4
	klineIdxVolume        = 5
	klineIdxCloseTime     = 6
	klineIdxQuoteVolume   = 7
	klineIdxTakerBuyQuote = 10
)

// parseKlines decodes a kline response into candles ordered by strictly
// increasing open time. Duplicate open times keep the later row; rows with
// missing or non-finite fields are dropped, never zero-filled.
func parseKlines(body []byte) ([]core.Candle, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) <= klineIdxTakerBuyQuote {
			continue
		}

		c := core.Candle{
			OpenTime:            asInt64(row[klineIdxOpenTime]),
			Open:                asFloat(row[klineIdxOpen]),
			High:                asFloat(row[klineIdxHigh]),
			Low:                 asFloat(row[klineIdxLow]),
			Close:               asFloat(row[klineIdxClose]),
			Volume:              asFloat(row[klineIdxVolume]),
			CloseTime:           asInt64(row[klineIdxCloseTime]),
			QuoteVolume:         asFloat(row[klineIdxQuoteVolume]),
			TakerBuyQuoteVolume: asFloat(row[klineIdxTakerBuyQuote]),
		}

		if c.OpenTime <= 0 || !candleFinite(c) {
			continue
		}
		candles = append(candles, c)
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})

	// Later rows win on duplicate open times.
	deduped := candles[:0]
	for _, c := range candles {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime == c.OpenTime {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}

	return deduped, nil
}

func candleFinite(c core.Candle) bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.TakerBuyQuoteVolume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
