package metrics

import (
	"fmt"
	"math"
	"testing"
	"time"

	"market_scanner/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tfMetric(symbol, label string, minutes int, net float64) *core.TimeframeMetric {
	return &core.TimeframeMetric{
		Symbol:        symbol,
		Timeframe:     label,
		Minutes:       minutes,
		NetChange:     net,
		ChangePercent: net * 100,
		LatestClose:   100,
	}
}

func TestFuser_AlignmentIsNeutralWithoutComparableOthers(t *testing.T) {
	onlyMover := tfMetric("AAAUSDT", "1h", 60, 0.02)
	data := []SymbolData{{
		Symbol: "AAAUSDT",
		Metrics: map[string]*core.TimeframeMetric{
			"10m": tfMetric("AAAUSDT", "10m", 10, 0),
			"30m": tfMetric("AAAUSDT", "30m", 30, 0),
			"1h":  onlyMover,
			"2h":  tfMetric("AAAUSDT", "2h", 120, 0),
		},
	}}

	NewFuser().Fuse(data, time.Now())

	// The only timeframe with a non-zero sign sees nothing comparable.
	assert.Equal(t, 0.5, onlyMover.Align)
	// A zero-sign timeframe disagrees with the mover: (-0.5+0.5)/1.5 = 0.
	assert.Equal(t, 0.0, data[0].Metrics["10m"].Align)
}

func TestFuser_AlignmentFullAgreement(t *testing.T) {
	data := []SymbolData{{
		Symbol: "AAAUSDT",
		Metrics: map[string]*core.TimeframeMetric{
			"10m": tfMetric("AAAUSDT", "10m", 10, 0.01),
			"30m": tfMetric("AAAUSDT", "30m", 30, 0.02),
			"1h":  tfMetric("AAAUSDT", "1h", 60, 0.03),
			"2h":  tfMetric("AAAUSDT", "2h", 120, 0.04),
		},
	}}

	NewFuser().Fuse(data, time.Now())

	for label, m := range data[0].Metrics {
		assert.Equal(t, 1.0, m.Align, "timeframe %s", label)
	}
}

func TestFuser_VolumeBoostAtMeanIsHalf(t *testing.T) {
	mk := func(symbol string, volume float64) SymbolData {
		m := tfMetric(symbol, "1h", 60, 0.01)
		m.TotalQuoteVolume = volume
		m.FlowImmediateBase = 0.9
		return SymbolData{Symbol: symbol, Metrics: map[string]*core.TimeframeMetric{"1h": m}}
	}
	data := []SymbolData{mk("AAAUSDT", 100), mk("BBBUSDT", 200), mk("CCCUSDT", 300)}

	NewFuser().Fuse(data, time.Now())

	a := data[0].Metrics["1h"]
	b := data[1].Metrics["1h"]
	c := data[2].Metrics["1h"]

	// Sample std of {100,200,300} is 100, so z-scores are -1, 0, +1.
	assert.InDelta(t, 0.5, b.VolumeBoost, 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(1)), a.VolumeBoost, 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(-1)), c.VolumeBoost, 1e-12)

	// Below-mean volume zeroes the active-flow channel entirely.
	assert.Zero(t, a.ActiveFlow)
	assert.Zero(t, b.ActiveFlow)
	assert.InDelta(t, 0.9*(1.0/3.0), c.ActiveFlow, 1e-12)
}

func TestFuser_SingleSymbolScoreComposition(t *testing.T) {
	m := tfMetric("AAAUSDT", "1h", 60, 0.024)
	m.Efficiency = 0.8
	m.Chop = 0.1
	m.MomentumAtr = 0.7
	m.SmallMoveGate = 0.8
	m.FlowImmediateBase = 0.88
	m.FlowPersistence = 0.5
	m.TotalQuoteVolume = 100

	data := []SymbolData{{Symbol: "AAAUSDT", LiquidityPenalty: 0.1,
		Metrics: map[string]*core.TimeframeMetric{"1h": m}}}

	result := NewFuser().Fuse(data, time.Now())

	// Lone symbol: volZ=0 so volumeBoost=0.5 and activeFlow=0; no other
	// timeframes so align and MTF sit at 0.5.
	core_ := 0.8 * (0.8 + 0.9 + 0.7 + 0.5 + 0.5*0.8) / 4.8
	confirm := 0.5*0.5 + 0.3*0 + 0.2*0.5
	final := 0.67*core_ + 0.33*confirm - 0.1

	assert.InDelta(t, core_, m.CoreScore, 1e-12)
	assert.InDelta(t, confirm, m.ConfirmScore, 1e-12)
	assert.InDelta(t, final, m.FinalScore, 1e-12)
	assert.Equal(t, 0.1, m.LiquidityPenalty)

	require.Len(t, result.AggregatedTop, 1)
	assert.Equal(t, "1h", result.AggregatedTop[0].Timeframe)
}

func TestFuser_MTFConsistencyWeighting(t *testing.T) {
	base := tfMetric("AAAUSDT", "1h", 60, 0.02)
	m30 := tfMetric("AAAUSDT", "30m", 30, 0.01)
	m30.MomentumAtr = 0.6
	m10 := tfMetric("AAAUSDT", "10m", 10, -0.01)
	m10.MomentumAtr = 0.4
	m2h := tfMetric("AAAUSDT", "2h", 120, 0.03)
	m2h.MomentumAtr = 0.8

	data := []SymbolData{{Symbol: "AAAUSDT", Metrics: map[string]*core.TimeframeMetric{
		"1h": base, "30m": m30, "10m": m10, "2h": m2h,
	}}}

	NewFuser().Fuse(data, time.Now())

	// Others of 1h: 30m agrees (w=1), 10m disagrees (w=1), 2h agrees
	// (w=1.5). Agreement 2.5/3.5, mean momentum 0.6.
	assert.InDelta(t, (2.5/3.5)*0.6, base.MTFConsistency, 1e-12)
}

func TestFuser_BoardsSortedAndCapped(t *testing.T) {
	var data []SymbolData
	for i := 0; i < 12; i++ {
		symbol := fmt.Sprintf("S%02dUSDT", i)
		net := float64(i-6) * 0.01
		m := tfMetric(symbol, "10m", 10, net)
		m.HasFlow = true
		m.FlowRatio = 0.7
		m.FlowLabel = core.FlowBuyStrong
		data = append(data, SymbolData{Symbol: symbol,
			Metrics: map[string]*core.TimeframeMetric{"10m": m}})
	}

	result := NewFuser().Fuse(data, time.Now())
	snap := result.Snapshots["10m"]
	require.NotNil(t, snap)

	require.Len(t, snap.TopGainers, 10)
	require.Len(t, snap.TopLosers, 10)
	assert.Len(t, snap.Changes, 12)

	for i := 1; i < len(snap.TopGainers); i++ {
		assert.GreaterOrEqual(t, snap.TopGainers[i-1].ChangePercent, snap.TopGainers[i].ChangePercent)
	}
	for i := 1; i < len(snap.TopLosers); i++ {
		assert.LessOrEqual(t, snap.TopLosers[i-1].ChangePercent, snap.TopLosers[i].ChangePercent)
	}
	assert.Equal(t, "S11USDT", snap.TopGainers[0].Symbol)
	assert.Equal(t, "S00USDT", snap.TopLosers[0].Symbol)

	require.NotNil(t, snap.TopGainers[0].FlowPercent)
	assert.InDelta(t, 70.0, *snap.TopGainers[0].FlowPercent, 1e-12)

	for _, entry := range append(append([]core.MoversEntry{}, snap.TopGainers...), snap.TopLosers...) {
		assertScoresInRange(t, entry.Scores)
	}
}

func TestFuser_AggregatedPicksBestTimeframePerSymbol(t *testing.T) {
	weak := tfMetric("AAAUSDT", "10m", 10, 0.001)
	weak.SmallMoveGate = 0.05
	strong := tfMetric("AAAUSDT", "30m", 30, 0.02)
	strong.SmallMoveGate = 1
	strong.Efficiency = 0.9
	strong.MomentumAtr = 0.9

	other := tfMetric("BBBUSDT", "1h", 60, 0.01)
	other.SmallMoveGate = 0.3

	data := []SymbolData{
		{Symbol: "AAAUSDT", Metrics: map[string]*core.TimeframeMetric{"10m": weak, "30m": strong}},
		{Symbol: "BBBUSDT", Metrics: map[string]*core.TimeframeMetric{"1h": other}},
	}

	result := NewFuser().Fuse(data, time.Now())
	require.Len(t, result.AggregatedTop, 2)

	top := result.AggregatedTop[0]
	assert.Equal(t, "AAAUSDT", top.Entry.Symbol)
	assert.Equal(t, "30m", top.Timeframe)
	assert.Same(t, strong, top.Metric)
	assert.Len(t, top.Changes, 2)

	for i := 1; i < len(result.AggregatedTop); i++ {
		assert.GreaterOrEqual(t,
			result.AggregatedTop[i-1].Entry.Scores.Final,
			result.AggregatedTop[i].Entry.Scores.Final)
	}
}

func TestFuser_AggregatedCappedAtTwenty(t *testing.T) {
	var data []SymbolData
	for i := 0; i < 25; i++ {
		symbol := fmt.Sprintf("S%02dUSDT", i)
		m := tfMetric(symbol, "10m", 10, 0.01+float64(i)*0.001)
		m.SmallMoveGate = 1
		m.Efficiency = 0.5
		data = append(data, SymbolData{Symbol: symbol,
			Metrics: map[string]*core.TimeframeMetric{"10m": m}})
	}

	result := NewFuser().Fuse(data, time.Now())
	assert.Len(t, result.AggregatedTop, 20)
}

func assertScoresInRange(t *testing.T, s core.ScoreSet) {
	t.Helper()
	for name, v := range map[string]float64{
		"final": s.Final, "core": s.Core, "confirm": s.Confirm,
		"efficiency": s.Efficiency, "chop": s.Chop, "momentumAtr": s.MomentumAtr,
		"align": s.Align, "mtf": s.MTFConsistency, "volumeBoost": s.VolumeBoost,
		"activeFlow": s.ActiveFlow, "flowPersistence": s.FlowPersistence,
		"liquidityPenalty": s.LiquidityPenalty,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
}
