package strategy

import (
	"sync"
	"time"

	"market_scanner/internal/core"
)

// ManagedPosition is the strategy's record of one open leveraged position.
// It lives from entry fill to close and is only touched under the engine
// mutex. The exchange stays authoritative: reconciliation syncs or drops
// this record whenever the two disagree.
type ManagedPosition struct {
	Symbol    string
	Direction string

	ParentTimeframe string
	ChildTimeframe  string
	ParentMinutes   int
	ChildMinutes    int

	EntryPrice    float64
	BaseQuantity  float64
	TotalQuantity float64

	// InitialSlDistance is fixed at entry and anchors every R computation.
	// SlDistance follows the live stop as it trails.
	InitialSlDistance float64
	SlDistance        float64
	StopPrice         float64
	TrailPrice        float64
	TrailBaseMultiple float64

	CleanScore float64
	GateScore  float64

	ParentAtr float64
	ChildAtr  float64

	OpenedAt     time.Time
	LastPrice    float64
	HighestPrice float64
	LowestPrice  float64
	MaxR         float64

	BeMoved         bool
	AddCount        int
	PartialOneTaken bool
	PartialTwoTaken bool

	TimeStopStage int
	TimeStopAt    time.Time

	StructureBreakCount int

	// Snapshots are this position's private copies of the parent and child
	// metrics, refreshed each cycle and mutated in place by live ticks.
	Snapshots map[string]*core.TimeframeMetric

	unsubscribe func()
}

// dirSign is +1 for longs, -1 for shorts.
func (p *ManagedPosition) dirSign() float64 {
	return directionSign(p.Direction)
}

// rMultiple is the favorable excursion at price in units of the original
// stop distance.
func (p *ManagedPosition) rMultiple(price float64) float64 {
	if p.InitialSlDistance <= 0 {
		return 0
	}
	return p.dirSign() * (price - p.EntryPrice) / p.InitialSlDistance
}

// observePrice folds a fresh price into the live extremes and the running
// maximum R.
func (p *ManagedPosition) observePrice(price float64) {
	p.LastPrice = price
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	if price < p.LowestPrice {
		p.LowestPrice = price
	}
	if r := p.rMultiple(price); r > p.MaxR {
		p.MaxR = r
	}
}

// parent and child return the position's metric snapshots, nil when a cycle
// has not provided them yet.
func (p *ManagedPosition) parent() *core.TimeframeMetric {
	return p.Snapshots[p.ParentTimeframe]
}

func (p *ManagedPosition) child() *core.TimeframeMetric {
	return p.Snapshots[p.ChildTimeframe]
}

// tickMailbox is a single-slot replace-newest buffer for live price ticks.
// A tick landing while one is being processed overwrites the waiting slot,
// so the drain loop always applies the freshest price and never queues up.
type tickMailbox struct {
	mu      sync.Mutex
	pending *core.MarkPriceTick
	active  bool
}

// cloneMetric deep-copies a metric so live ticks can mutate a position's
// snapshot without bleeding into the pipeline's immutable cycle result.
func cloneMetric(m *core.TimeframeMetric) *core.TimeframeMetric {
	if m == nil {
		return nil
	}
	c := *m
	c.CloseHistory = append([]float64(nil), m.CloseHistory...)
	c.EfficiencyHistory = append([]float64(nil), m.EfficiencyHistory...)
	c.MomentumHistory = append([]float64(nil), m.MomentumHistory...)
	return &c
}
