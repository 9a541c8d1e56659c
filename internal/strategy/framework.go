package strategy

import (
	"math"

	"market_scanner/internal/core"
)

// Timeframe labels the engine pairs into trading frameworks.
const (
	label10m = "10m"
	label30m = "30m"
	label1h  = "1h"
)

// Framework is the parent/child timeframe pair a candidate is judged on.
// The parent carries the trend, the child times the entry and the stop.
type Framework struct {
	Parent *core.TimeframeMetric
	Child  *core.TimeframeMetric
}

// ParentMinutes and ChildMinutes expose the candle spans of the pair.
func (f Framework) ParentMinutes() int { return f.Parent.Minutes }
func (f Framework) ChildMinutes() int  { return f.Child.Minutes }

// Scores is a metric re-expressed on the 0..100 scale the gates use.
type Scores struct {
	SignedTrend float64
	Trend       float64
	Efficiency  float64
	Align       float64
	Volume      float64
	Flow        float64
}

// signedTrend folds chop and direction into one value: +100 is a perfectly
// clean up-move, -100 a perfectly clean down-move.
func signedTrend(m *core.TimeframeMetric) float64 {
	return (1 - m.Chop) * 100 * core.Sign(m.NetChange)
}

// scoresFor rescales a metric's unit-interval fields to percent. Flow takes
// the volume-gated active flow when it fired, otherwise the raw immediate
// base, so quiet symbols still carry a usable flow reading.
func scoresFor(m *core.TimeframeMetric) Scores {
	st := signedTrend(m)
	flow := m.ActiveFlow
	if flow <= 0 {
		flow = m.FlowImmediateBase
	}
	return Scores{
		SignedTrend: st,
		Trend:       math.Abs(st),
		Efficiency:  m.Efficiency * 100,
		Align:       m.Align * 100,
		Volume:      m.VolumeBoost * 100,
		Flow:        flow * 100,
	}
}

// selectFramework picks the timeframe pair for a candidate. A strong clean
// 1h trend is traded off the 30m child; otherwise the faster 30m/10m pair;
// a 1h/30m pair is the last resort when 10m data is missing.
func selectFramework(metrics map[string]*core.TimeframeMetric) (Framework, bool) {
	h1 := metrics[label1h]
	m30 := metrics[label30m]
	m10 := metrics[label10m]

	if h1 != nil && m30 != nil {
		s := scoresFor(h1)
		if s.SignedTrend >= 70 && s.Efficiency >= 55 {
			return Framework{Parent: h1, Child: m30}, true
		}
	}
	if m30 != nil && m10 != nil {
		return Framework{Parent: m30, Child: m10}, true
	}
	if h1 != nil && m30 != nil {
		return Framework{Parent: h1, Child: m30}, true
	}
	return Framework{}, false
}

// directionFor derives the trade direction from the parent timeframe. Both
// gates demand a decisive signed trend and cross-timeframe agreement; the
// net change sign must match so a stale align reading cannot flip a trade.
func directionFor(parent *core.TimeframeMetric) (string, bool) {
	s := scoresFor(parent)
	switch {
	case s.SignedTrend >= 65 && s.Align >= 60 && parent.NetChange >= 0:
		return core.DirectionLong, true
	case s.SignedTrend <= -65 && s.Align >= 60 && parent.NetChange <= 0:
		return core.DirectionShort, true
	}
	return "", false
}

// cleanScore condenses the parent's trend quality into [0,1]. It drives the
// stop multiple, the trailing multiple, and the partial/add paths.
func cleanScore(parent *core.TimeframeMetric) float64 {
	s := scoresFor(parent)
	return (s.Trend + s.Efficiency + s.Align) / 300
}

// stopMultiple is the ATR multiple for the initial stop: cleaner trends and
// stronger child gates afford wider stops.
func stopMultiple(cleanP, gateC float64) float64 {
	return core.Clamp(1.2+0.9*cleanP+0.3*gateC, 1.2, 2.8)
}

// trailMultiple is the base ATR multiple for the trailing stop.
func trailMultiple(cleanP, gateC float64) float64 {
	return core.Clamp(2.0+1.2*cleanP-0.6*(1-gateC), 1.6, 3.2)
}

// trailDecay reports whether the child timeframe shows fading strength:
// efficiency monotonically non-increasing across the last ten samples, or
// momentum net-decreasing across the last three.
func trailDecay(child *core.TimeframeMetric) bool {
	if child == nil {
		return false
	}
	if effs := child.EfficiencyHistory; len(effs) >= 10 {
		window := effs[len(effs)-10:]
		nonIncreasing := true
		for i := 1; i < len(window); i++ {
			if window[i] > window[i-1] {
				nonIncreasing = false
				break
			}
		}
		if nonIncreasing {
			return true
		}
	}
	if moms := child.MomentumHistory; len(moms) >= 3 {
		if moms[len(moms)-1] < moms[len(moms)-3] {
			return true
		}
	}
	return false
}

// entryTrigger is the final child-timeframe confirmation. Either the move
// itself qualifies (gate and ATR momentum in the trade direction), or the
// child shows an efficient move backed by volume or order flow.
func entryTrigger(child *core.TimeframeMetric, direction string) bool {
	momentumPath := child.SmallMoveGate >= 0.65 &&
		child.MomentumAtr >= 0.5 &&
		core.Sign(child.NetChange) == directionSign(direction)
	if momentumPath {
		return true
	}
	s := scoresFor(child)
	return s.Efficiency >= 55 && (s.Volume >= 55 || s.Flow >= 55)
}

// entrySizeScale maps the liquidity penalty (percent) to a position size
// fraction. Quadratic so thin books shrink fast, floored at 0.2.
func entrySizeScale(liqPenaltyPct float64) float64 {
	f := (100 - liqPenaltyPct) / 100
	return core.Clamp(f*f, 0.2, 1)
}

func directionSign(direction string) float64 {
	if direction == core.DirectionShort {
		return -1
	}
	return 1
}
