package metrics

import (
	"math"
	"sort"
	"time"

	"market_scanner/internal/core"
)

// SymbolData is one surviving symbol's per-timeframe metrics plus the
// liquidity penalty attached by the probe, as collected by the pipeline.
type SymbolData struct {
	Symbol           string
	Metrics          map[string]*core.TimeframeMetric
	LiquidityPenalty float64
	LastClose        float64
}

// mtfWeights weight the other timeframes when judging multi-timeframe
// consistency. Longer windows count more.
var mtfWeights = map[string]float64{
	"10m": 1,
	"30m": 1,
	"1h":  1.5,
	"2h":  1.5,
}

const (
	boardSize      = 10
	aggregatedSize = 20
)

// Fuser normalizes volume across symbols, fills in the cross-timeframe
// score fields, and assembles the ranked gainer/loser boards.
type Fuser struct {
	timeframes []core.Timeframe
}

func NewFuser() *Fuser {
	return &Fuser{timeframes: core.DefaultTimeframes}
}

// Fuse scores every (symbol, timeframe) metric in place and builds the
// cycle's MoversResult.
func (f *Fuser) Fuse(data []SymbolData, generatedAt time.Time) *core.MoversResult {
	f.applyVolumeScores(data)

	for _, sd := range data {
		for _, m := range sd.Metrics {
			m.Align = alignment(m, sd.Metrics)
			m.MTFConsistency = mtfConsistency(m, sd.Metrics)
			m.LiquidityPenalty = clamp01(sd.LiquidityPenalty)

			m.CoreScore = m.SmallMoveGate * weightedAvg(
				[]float64{m.Efficiency, 1 - m.Chop, m.MomentumAtr, m.Align, m.MTFConsistency},
				[]float64{1, 1, 1, 1, 0.8},
			)
			m.ConfirmScore = weightedAvg(
				[]float64{m.VolumeBoost, m.ActiveFlow, m.FlowPersistence},
				[]float64{0.5, 0.3, 0.2},
			)
			m.FinalScore = clamp01(0.67*m.CoreScore + 0.33*m.ConfirmScore - m.LiquidityPenalty)
		}
	}

	result := &core.MoversResult{
		Snapshots:   make(map[string]*core.MoversSnapshot, len(f.timeframes)),
		Metrics:     make(map[string]map[string]*core.TimeframeMetric, len(data)),
		GeneratedAt: generatedAt,
	}
	for _, sd := range data {
		result.Metrics[sd.Symbol] = sd.Metrics
	}

	for _, tf := range f.timeframes {
		if snap := f.buildSnapshot(tf.Label, data); snap != nil {
			result.Snapshots[tf.Label] = snap
		}
	}
	result.AggregatedTop = f.buildAggregated(data)

	return result
}

// applyVolumeScores computes per-timeframe volume statistics across symbols
// and derives volZ, volumeBoost, and activeFlow for every metric.
func (f *Fuser) applyVolumeScores(data []SymbolData) {
	for _, tf := range f.timeframes {
		var volumes []float64
		for _, sd := range data {
			if m, ok := sd.Metrics[tf.Label]; ok {
				volumes = append(volumes, m.TotalQuoteVolume)
			}
		}
		if len(volumes) == 0 {
			continue
		}

		mean, std := meanSampleStd(volumes)
		if std < 1e-9 {
			std = 1
		}

		for _, sd := range data {
			m, ok := sd.Metrics[tf.Label]
			if !ok {
				continue
			}
			volZ := clampRange((m.TotalQuoteVolume-mean)/std, -3, 3)
			m.VolumeBoost = sigmoid(volZ)
			gVol := clamp01(volZ / 3)
			m.ActiveFlow = clamp01(m.FlowImmediateBase * gVol)
		}
	}
}

// alignment scores directional agreement with the symbol's other
// timeframes: +1 per same-direction window, -0.5 otherwise, normalized to
// [0,1]. Timeframes with a zero-sign net change do not vote. 0.5 when
// nothing is comparable.
func alignment(m *core.TimeframeMetric, all map[string]*core.TimeframeMetric) float64 {
	base := sign(m.NetChange)
	sum, n := 0.0, 0
	for label, other := range all {
		if label == m.Timeframe {
			continue
		}
		s := sign(other.NetChange)
		if s == 0 {
			continue
		}
		n++
		if s == base {
			sum++
		} else {
			sum -= 0.5
		}
	}
	if n == 0 {
		return 0.5
	}
	return clamp01((sum + 0.5*float64(n)) / (1.5 * float64(n)))
}

// mtfConsistency multiplies the weighted sign-agreement of the other
// timeframes by their mean momentum. 0.5 when the symbol has no others.
func mtfConsistency(m *core.TimeframeMetric, all map[string]*core.TimeframeMetric) float64 {
	base := sign(m.NetChange)

	var agreeSum, weightSum, momSum float64
	n := 0
	for label, other := range all {
		if label == m.Timeframe {
			continue
		}
		w, ok := mtfWeights[label]
		if !ok {
			w = 1
		}
		weightSum += w
		s := sign(other.NetChange)
		if s != 0 && s == base {
			agreeSum += w
		}
		momSum += other.MomentumAtr
		n++
	}
	if n == 0 || weightSum <= 0 {
		return 0.5
	}

	agreement := clamp01(agreeSum / weightSum)
	meanMomentum := clamp01(momSum / float64(n))
	return clamp01(agreement * meanMomentum)
}

func (f *Fuser) buildSnapshot(label string, data []SymbolData) *core.MoversSnapshot {
	type scored struct {
		sd SymbolData
		m  *core.TimeframeMetric
	}
	var rows []scored
	for _, sd := range data {
		if m, ok := sd.Metrics[label]; ok {
			rows = append(rows, scored{sd: sd, m: m})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	snap := &core.MoversSnapshot{
		Timeframe: label,
		Changes:   make(map[string]float64, len(rows)),
	}
	for _, r := range rows {
		snap.Changes[r.m.Symbol] = r.m.ChangePercent
		if r.m.Window.End > snap.Window.End {
			snap.Window = r.m.Window
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].m.ChangePercent != rows[j].m.ChangePercent {
			return rows[i].m.ChangePercent > rows[j].m.ChangePercent
		}
		return rows[i].m.Symbol < rows[j].m.Symbol
	})
	for i := 0; i < len(rows) && i < boardSize; i++ {
		snap.TopGainers = append(snap.TopGainers, buildEntry(rows[i].m))
	}
	for i := len(rows) - 1; i >= 0 && len(snap.TopLosers) < boardSize; i-- {
		snap.TopLosers = append(snap.TopLosers, buildEntry(rows[i].m))
	}

	return snap
}

// buildAggregated keeps each symbol's best-scoring timeframe and ranks the
// survivors by final score.
func (f *Fuser) buildAggregated(data []SymbolData) []core.AggregatedMoversEntry {
	var entries []core.AggregatedMoversEntry
	for _, sd := range data {
		var best *core.TimeframeMetric
		for _, tf := range f.timeframes {
			m, ok := sd.Metrics[tf.Label]
			if !ok {
				continue
			}
			if best == nil || m.FinalScore > best.FinalScore {
				best = m
			}
		}
		if best == nil {
			continue
		}

		changes := make(map[string]float64, len(sd.Metrics))
		for label, m := range sd.Metrics {
			changes[label] = m.ChangePercent
		}
		entries = append(entries, core.AggregatedMoversEntry{
			Entry:     buildEntry(best),
			Timeframe: best.Timeframe,
			Window:    best.Window,
			Changes:   changes,
			Metric:    best,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Entry.Scores.Final != entries[j].Entry.Scores.Final {
			return entries[i].Entry.Scores.Final > entries[j].Entry.Scores.Final
		}
		return entries[i].Entry.Symbol < entries[j].Entry.Symbol
	})
	if len(entries) > aggregatedSize {
		entries = entries[:aggregatedSize]
	}
	return entries
}

func buildEntry(m *core.TimeframeMetric) core.MoversEntry {
	entry := core.MoversEntry{
		Symbol:        m.Symbol,
		LastPrice:     m.LatestClose,
		ChangePercent: m.ChangePercent,
		FlowLabel:     m.FlowLabel,
		Scores: core.ScoreSet{
			Final:            m.FinalScore,
			Core:             m.CoreScore,
			Confirm:          m.ConfirmScore,
			Efficiency:       m.Efficiency,
			Chop:             m.Chop,
			MomentumAtr:      m.MomentumAtr,
			Align:            m.Align,
			MTFConsistency:   m.MTFConsistency,
			VolumeBoost:      m.VolumeBoost,
			ActiveFlow:       m.ActiveFlow,
			FlowPersistence:  m.FlowPersistence,
			LiquidityPenalty: m.LiquidityPenalty,
		},
	}
	if m.HasFlow {
		pct := m.FlowRatio * 100
		entry.FlowPercent = &pct
	}
	return entry
}

func weightedAvg(values, weights []float64) float64 {
	var sum, wsum float64
	for i := range values {
		sum += values[i] * weights[i]
		wsum += weights[i]
	}
	if wsum <= 0 {
		return 0
	}
	return sum / wsum
}

func meanSampleStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	if len(xs) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(variance / float64(len(xs)-1))
}
