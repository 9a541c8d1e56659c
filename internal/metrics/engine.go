// Package metrics derives movement-quality metrics from 1-minute candle
// windows and fuses them into cross-symbol scores.
package metrics

import (
	"math"

	"market_scanner/internal/core"
)

// Engine computes per-symbol, per-timeframe window metrics over a 1m candle
// buffer. Candles must be ordered by openTime and deduped; the exchange
// facade guarantees both. Cross-symbol fields (align, volume z-score, MTF,
// final score) are left zero here and filled in by the Fuser.
type Engine struct {
	timeframes []core.Timeframe
	history    *HistoryStore
}

func NewEngine() *Engine {
	return &Engine{
		timeframes: core.DefaultTimeframes,
		history:    NewHistoryStore(core.HistoryCap),
	}
}

// Compute evaluates every configured timeframe for one symbol. A timeframe
// is skipped when its reference candle is missing or the window between the
// reference and the latest candle is not exactly minutes long. Returns nil
// when nothing could be computed.
func (e *Engine) Compute(symbol string, candles []core.Candle) map[string]*core.TimeframeMetric {
	if len(candles) == 0 {
		return nil
	}
	latest := candles[len(candles)-1]

	byOpen := make(map[int64]int, len(candles))
	for i, c := range candles {
		byOpen[c.OpenTime] = i
	}

	out := make(map[string]*core.TimeframeMetric, len(e.timeframes))
	for _, tf := range e.timeframes {
		refIdx, ok := byOpen[latest.OpenTime-int64(tf.Minutes)*60_000]
		if !ok {
			continue
		}
		window := candles[refIdx+1:]
		if len(window) != tf.Minutes {
			continue
		}
		m := computeWindow(symbol, tf, candles[refIdx], window)
		if m == nil {
			continue
		}
		m.CloseHistory, m.EfficiencyHistory, m.MomentumHistory =
			e.history.Append(symbol, tf.Label, m.LatestClose, m.Efficiency, m.MomentumAtr)
		out[tf.Label] = m
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func computeWindow(symbol string, tf core.Timeframe, reference core.Candle, window []core.Candle) *core.TimeframeMetric {
	first, last := window[0], window[len(window)-1]
	if first.Open <= 0 || last.Close <= 0 || !isFinite(last.Close) {
		return nil
	}

	netChange := (last.Close - first.Open) / first.Open
	if !isFinite(netChange) {
		return nil
	}

	var (
		logNet, logGross   float64
		inc                float64
		trSum              float64
		takerSum, quoteSum float64
	)
	flows := make([]float64, 0, len(window))
	returns := make([]float64, 0, len(window))
	highest, lowest := first.Close, first.Close

	prevClose := reference.Close
	for _, c := range window {
		ret := 0.0
		if c.Open > 0 && c.Close > 0 {
			lr := math.Log(c.Close / c.Open)
			logNet += lr
			logGross += math.Abs(lr)
			ret = (c.Close - c.Open) / c.Open
			inc += ret
		}
		returns = append(returns, ret)

		tr := c.High - c.Low
		if prevClose > 0 {
			tr = math.Max(tr, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		}
		trSum += tr
		prevClose = c.Close

		flow := 0.5
		if c.QuoteVolume > 0 {
			quoteSum += c.QuoteVolume
			takerSum += c.TakerBuyQuoteVolume
			if r := c.TakerBuyQuoteVolume / c.QuoteVolume; isFinite(r) && r >= 0 && r <= 1 {
				flow = r
			}
		}
		flows = append(flows, flow)

		if c.Close > highest {
			highest = c.Close
		}
		if c.Close < lowest {
			lowest = c.Close
		}
	}

	efficiency := 0.0
	if logGross > 0 {
		efficiency = clamp01(math.Abs(logNet) / logGross)
	}

	waste := math.Max(0, inc-netChange)
	chop := 0.0
	if d := waste + math.Abs(netChange); d > 1e-12 {
		chop = clamp01(waste / d)
	}

	atr := trSum / float64(len(window))
	atrPct := atr / last.Close

	momentumAtr := 0.0
	if atrPct > 0 {
		momentumAtr = clamp01(math.Abs(netChange) / (2 * atrPct))
	}

	smallMoveGate := clamp01(math.Abs(netChange) / 0.03)

	m := &core.TimeframeMetric{
		Symbol:    symbol,
		Timeframe: tf.Label,
		Minutes:   tf.Minutes,
		Window: core.TimeWindow{
			Start: first.OpenTime,
			End:   last.OpenTime,
		},
		NetChange:         netChange,
		ChangePercent:     netChange * 100,
		Efficiency:        efficiency,
		Chop:              chop,
		MomentumAtr:       momentumAtr,
		SmallMoveGate:     smallMoveGate,
		AtrValue:          atr,
		AtrPct:            atrPct,
		TotalQuoteVolume:  quoteSum,
		FlowImmediateBase: 0.5,
		FlowPersistence:   flowPersistence(flows, returns),
		LatestClose:       last.Close,
		HighestClose:      highest,
		LowestClose:       lowest,
	}

	if quoteSum > 0 {
		m.HasFlow = true
		m.FlowRatio = takerSum / quoteSum
		m.FlowImmediateBase = (math.Tanh((m.FlowRatio-0.5)/0.2) + 1) / 2
		switch {
		case m.FlowRatio >= 0.62:
			m.FlowLabel = core.FlowBuyStrong
		case m.FlowRatio <= 0.38:
			m.FlowLabel = core.FlowSellStrong
		default:
			m.FlowLabel = core.FlowBalanced
		}
	}

	return m
}

// flowPersistence correlates minute flow (centered at 0.5) with minute
// returns and scales by the directional agreement ratio.
func flowPersistence(flows, returns []float64) float64 {
	if len(flows) == 0 || len(flows) != len(returns) {
		return 0
	}

	centered := make([]float64, len(flows))
	for i, f := range flows {
		centered[i] = f - 0.5
	}
	corr := clampRange(meanProduct(zscore(centered), zscore(returns)), -1, 1)

	agree, considered := 0, 0
	for i := range centered {
		sf, sr := sign(centered[i]), sign(returns[i])
		if sf == 0 || sr == 0 {
			continue
		}
		considered++
		if sf == sr {
			agree++
		}
	}
	ratio := 0.0
	if considered > 0 {
		ratio = float64(agree) / float64(considered)
	}

	return clamp01((corr + 1) / 2 * ratio)
}

func zscore(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance / float64(len(xs)))
	if std <= 0 {
		return out
	}
	for i, x := range xs {
		out[i] = (x - mean) / std
	}
	return out
}

func meanProduct(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum / float64(len(a))
}

func clamp01(x float64) float64 {
	return clampRange(x, 0, 1)
}

func clampRange(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
