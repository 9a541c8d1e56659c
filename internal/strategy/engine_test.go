package strategy

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"market_scanner/internal/alert"
	"market_scanner/internal/config"
	"market_scanner/internal/core"
	"market_scanner/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor is a scripted core.IExecutor. Market fills land at fillPrice
// for fillQty contracts and are folded into the position map, so the
// engine's reconciliation sees what it just did.
type stubExecutor struct {
	mu sync.Mutex

	enabled      bool
	wallet       float64
	available    float64
	maxPositions int
	fillPrice    float64
	fillQty      float64

	failCreate  error
	failStop    error
	failRefresh error

	positions map[string]core.PositionSummary

	marketOrders []string
	stopCalls    []stopCall
	reduceCalls  []adjustCall
	addCalls     []adjustCall
	cancelAll    []string
	unsubscribed []string
	subscribers  map[string]func(core.MarkPriceTick)

	refreshCount int
	flattenCount int
}

type stopCall struct {
	symbol    string
	direction string
	quantity  float64
	stopPrice float64
	replace   bool
}

type adjustCall struct {
	symbol    string
	direction string
	quantity  float64
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		enabled:      true,
		wallet:       1000,
		available:    900,
		maxPositions: 5,
		fillPrice:    100,
		fillQty:      1,
		positions:    make(map[string]core.PositionSummary),
		subscribers:  make(map[string]func(core.MarkPriceTick)),
	}
}

func (s *stubExecutor) Initialize(ctx context.Context) error { return nil }

func (s *stubExecutor) RefreshState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCount++
	return s.failRefresh
}

func (s *stubExecutor) TradingEnabled() bool { return s.enabled }

func (s *stubExecutor) CanOpenPosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	if _, held := s.positions[symbol]; held {
		return false
	}
	return len(s.positions) < s.maxPositions
}

func (s *stubExecutor) WalletBalance() float64    { return s.wallet }
func (s *stubExecutor) AvailableBalance() float64 { return s.available }
func (s *stubExecutor) UnrealizedPnl() float64    { return 0 }

func (s *stubExecutor) Position(symbol string) (core.PositionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	return p, ok
}

func (s *stubExecutor) OpenPositionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

func (s *stubExecutor) setLeg(symbol, direction string, qty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLegLocked(symbol, direction, qty)
}

func (s *stubExecutor) setLegLocked(symbol, direction string, qty float64) {
	p := s.positions[symbol]
	p.Symbol = symbol
	if direction == core.DirectionLong {
		p.Long = qty
	} else {
		p.Short = qty
	}
	p.Net = p.Long - p.Short
	if p.Long <= core.QuantityEpsilon && p.Short <= core.QuantityEpsilon {
		delete(s.positions, symbol)
		return
	}
	s.positions[symbol] = p
}

func (s *stubExecutor) legQty(symbol, direction string) float64 {
	p := s.positions[symbol]
	if direction == core.DirectionLong {
		return p.Long
	}
	return p.Short
}

func (s *stubExecutor) CreateMarketOrder(ctx context.Context, symbol, direction string, sizeScale float64) (*core.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	s.marketOrders = append(s.marketOrders, symbol+" "+direction)
	s.setLegLocked(symbol, direction, s.legQty(symbol, direction)+s.fillQty)
	return &core.OrderResult{
		Symbol:      symbol,
		Status:      "FILLED",
		AvgPrice:    s.fillPrice,
		ExecutedQty: s.fillQty,
	}, nil
}

func (s *stubExecutor) PlaceStopLoss(ctx context.Context, symbol, direction string, quantity, stopPrice float64) (*core.OrderResult, error) {
	return s.recordStop(symbol, direction, quantity, stopPrice, false)
}

func (s *stubExecutor) ReplaceStopLoss(ctx context.Context, symbol, direction string, quantity, stopPrice float64) (*core.OrderResult, error) {
	return s.recordStop(symbol, direction, quantity, stopPrice, true)
}

func (s *stubExecutor) recordStop(symbol, direction string, quantity, stopPrice float64, replace bool) (*core.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStop != nil {
		return nil, s.failStop
	}
	s.stopCalls = append(s.stopCalls, stopCall{symbol, direction, quantity, stopPrice, replace})
	return &core.OrderResult{Symbol: symbol, Status: "NEW"}, nil
}

func (s *stubExecutor) ReducePosition(ctx context.Context, symbol, direction string, quantity float64) (*core.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reduceCalls = append(s.reduceCalls, adjustCall{symbol, direction, quantity})
	s.setLegLocked(symbol, direction, math.Max(0, s.legQty(symbol, direction)-quantity))
	return &core.OrderResult{Symbol: symbol, Status: "FILLED", ExecutedQty: quantity}, nil
}

func (s *stubExecutor) IncreasePosition(ctx context.Context, symbol, direction string, quantity float64) (*core.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls = append(s.addCalls, adjustCall{symbol, direction, quantity})
	s.setLegLocked(symbol, direction, s.legQty(symbol, direction)+quantity)
	return &core.OrderResult{Symbol: symbol, Status: "FILLED", ExecutedQty: quantity}, nil
}

func (s *stubExecutor) FlattenResiduals(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flattenCount++
	return nil
}

func (s *stubExecutor) CancelAllOrders(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAll = append(s.cancelAll, symbol)
	return nil
}

func (s *stubExecutor) SubscribePriceStream(ctx context.Context, symbol string, callback func(core.MarkPriceTick)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[symbol] = callback
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubscribed = append(s.unsubscribed, symbol)
	}, nil
}

func (s *stubExecutor) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return s.fillPrice, nil
}

func (s *stubExecutor) lastStop() stopCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stopCalls) == 0 {
		return stopCall{}
	}
	return s.stopCalls[len(s.stopCalls)-1]
}

// allowAll is an EntryGate that never blocks.
type allowAll struct{}

func (allowAll) AllowEntry(wallet, available float64) error { return nil }

// denyAll blocks every entry.
type denyAll struct{ reason error }

func (d denyAll) AllowEntry(wallet, available float64) error { return d.reason }

func newEngine(t *testing.T, exec core.IExecutor, gate EntryGate) *Engine {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := &config.TradingConfig{Leverage: 5, MaxPositions: 5, KslBuffer: 1.0}
	return NewEngine(exec, gate, alert.NewAlertManager(logger), cfg, logger)
}

// strongParent models a clean established up-trend on the 1h window.
func strongParent(symbol string) *core.TimeframeMetric {
	return &core.TimeframeMetric{
		Symbol:           symbol,
		Timeframe:        "1h",
		Minutes:          60,
		NetChange:        0.05,
		Chop:             0.1, // signedTrend 90
		Efficiency:       0.8,
		Align:            0.8,
		AtrValue:         0.5,
		LatestClose:      100,
		HighestClose:     100.2,
		LowestClose:      99.0,
		LiquidityPenalty: 0.1,
	}
}

// confirmingChild passes the momentum trigger for a long.
func confirmingChild(symbol string) *core.TimeframeMetric {
	return &core.TimeframeMetric{
		Symbol:        symbol,
		Timeframe:     "30m",
		Minutes:       30,
		NetChange:     0.01,
		Chop:          0.2,
		Efficiency:    0.8,
		Align:         0.7,
		SmallMoveGate: 0.8,
		MomentumAtr:   0.7,
		AtrValue:      0.05,
		LatestClose:   100,
		HighestClose:  100.1,
		LowestClose:   99.8,
	}
}

func cycleResult(symbol string, parent, child *core.TimeframeMetric) *core.MoversResult {
	metrics := map[string]*core.TimeframeMetric{}
	if parent != nil {
		metrics[parent.Timeframe] = parent
	}
	if child != nil {
		metrics[child.Timeframe] = child
	}
	return &core.MoversResult{
		Snapshots: map[string]*core.MoversSnapshot{},
		AggregatedTop: []core.AggregatedMoversEntry{{
			Entry:     core.MoversEntry{Symbol: symbol, LastPrice: 100},
			Timeframe: parent.Timeframe,
			Metric:    parent,
		}},
		Metrics:     map[string]map[string]*core.TimeframeMetric{symbol: metrics},
		GeneratedAt: time.Now(),
	}
}

// openTestPosition drives a full entry through OnCycle and returns the state.
func openTestPosition(t *testing.T, e *Engine, exec *stubExecutor, symbol string) *ManagedPosition {
	t.Helper()
	result := cycleResult(symbol, strongParent(symbol), confirmingChild(symbol))
	e.OnCycle(context.Background(), result)
	e.mu.Lock()
	st := e.managed[symbol]
	e.mu.Unlock()
	require.NotNil(t, st, "entry expected to open")
	return st
}

func TestEngine_OpensLongWithInitialStop(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	st := openTestPosition(t, e, exec, "BTCUSDT")

	require.Equal(t, []string{"BTCUSDT LONG"}, exec.marketOrders)
	assert.Equal(t, core.DirectionLong, st.Direction)
	assert.Equal(t, "1h", st.ParentTimeframe)
	assert.Equal(t, "30m", st.ChildTimeframe)
	assert.Equal(t, 100.0, st.EntryPrice)
	assert.Equal(t, 1.0, st.BaseQuantity)

	// cleanP = (90+80+80)/300, kSl = 1.2+0.9*cleanP+0.3*0.8 = 2.19,
	// slDistance = 2.19 * 0.05 = 0.1095.
	assert.InDelta(t, 0.1095, st.InitialSlDistance, 1e-9)
	assert.InDelta(t, 100-0.1095, st.StopPrice, 1e-9)

	require.Len(t, exec.stopCalls, 1)
	stop := exec.stopCalls[0]
	assert.Equal(t, core.DirectionLong, stop.direction)
	assert.InDelta(t, 99.8905, stop.stopPrice, 1e-9)
	assert.Equal(t, 1.0, stop.quantity)
	assert.False(t, stop.replace)

	_, subscribed := exec.subscribers["BTCUSDT"]
	assert.True(t, subscribed, "price stream attached")
	assert.Equal(t, 1, e.ManagedCount())
}

func TestEngine_OpensShortOnDownTrend(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	parent := strongParent("ETHUSDT")
	parent.NetChange = -0.05 // signedTrend -90
	child := confirmingChild("ETHUSDT")
	child.NetChange = -0.01

	e.OnCycle(context.Background(), cycleResult("ETHUSDT", parent, child))

	require.Equal(t, []string{"ETHUSDT SHORT"}, exec.marketOrders)
	stop := exec.stopCalls[0]
	assert.InDelta(t, 100+0.1095, stop.stopPrice, 1e-9, "short stop sits above entry")
}

func TestEngine_EntryGates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(parent, child *core.TimeframeMetric)
	}{
		{"parent efficiency under 45", func(p, c *core.TimeframeMetric) { p.Efficiency = 0.40 }},
		{"parent align under 50", func(p, c *core.TimeframeMetric) { p.Align = 0.45 }},
		{"liquidity penalty at 40", func(p, c *core.TimeframeMetric) { p.LiquidityPenalty = 0.40 }},
		{"child ATR missing", func(p, c *core.TimeframeMetric) { c.AtrValue = 0 }},
		{"no trigger", func(p, c *core.TimeframeMetric) {
			c.SmallMoveGate = 0.3
			c.Efficiency = 0.4
		}},
		{"trend too weak for direction", func(p, c *core.TimeframeMetric) { p.Chop = 0.4 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := newStubExecutor()
			e := newEngine(t, exec, allowAll{})

			parent := strongParent("BTCUSDT")
			child := confirmingChild("BTCUSDT")
			tc.mutate(parent, child)

			e.OnCycle(context.Background(), cycleResult("BTCUSDT", parent, child))

			assert.Empty(t, exec.marketOrders)
			assert.Zero(t, e.ManagedCount())
		})
	}
}

func TestEngine_ParentAlignGateNotDirectionAlign(t *testing.T) {
	// Align 0.55 passes the 50 entry gate but fails the 60 direction gate.
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	parent := strongParent("BTCUSDT")
	parent.Align = 0.55
	e.OnCycle(context.Background(), cycleResult("BTCUSDT", parent, confirmingChild("BTCUSDT")))

	assert.Empty(t, exec.marketOrders)
}

func TestEngine_SafetyGateBlocksEntriesOnly(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, denyAll{reason: errors.New("drawdown limit")})

	e.OnCycle(context.Background(), cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT")))

	assert.Empty(t, exec.marketOrders)
	assert.Zero(t, e.ManagedCount())
}

func TestEngine_EntryOrderFailureMeansNoState(t *testing.T) {
	exec := newStubExecutor()
	exec.failCreate = errors.New("margin is insufficient")
	e := newEngine(t, exec, allowAll{})

	e.OnCycle(context.Background(), cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT")))

	assert.Zero(t, e.ManagedCount())
	assert.Empty(t, exec.stopCalls)
}

func TestEngine_SkipsSymbolsAlreadyManaged(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	openTestPosition(t, e, exec, "BTCUSDT")
	require.Len(t, exec.marketOrders, 1)

	// Same candidate again: reconciliation keeps the position, no re-entry.
	e.OnCycle(context.Background(), cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT")))
	assert.Len(t, exec.marketOrders, 1)
	assert.Equal(t, 1, e.ManagedCount())
}

func TestEngine_ReconciliationDropsExternallyClosed(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	openTestPosition(t, e, exec, "BTCUSDT")

	// The stop filled on the exchange: leg disappears.
	exec.setLeg("BTCUSDT", core.DirectionLong, 0)

	e.OnCycle(context.Background(), cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT")))

	// State was dropped, stray orders cleaned, stream released. The same
	// cycle may legitimately re-enter, so assert on the drop effects.
	assert.Contains(t, exec.cancelAll, "BTCUSDT")
	assert.Contains(t, exec.unsubscribed, "BTCUSDT")
}

func TestEngine_ReconciliationSyncsQuantity(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	st := openTestPosition(t, e, exec, "BTCUSDT")
	require.Equal(t, 1.0, st.TotalQuantity)

	// A partial fill elsewhere shrank the leg.
	exec.setLeg("BTCUSDT", core.DirectionLong, 0.7)

	e.OnCycle(context.Background(), cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT")))
	assert.InDelta(t, 0.7, st.TotalQuantity, 1e-12)
}

func TestEngine_CycleRefreshesAccountAndResiduals(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	e.OnCycle(context.Background(), cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT")))

	assert.GreaterOrEqual(t, exec.refreshCount, 1)
	assert.Equal(t, 1, exec.flattenCount)
}

func TestEngine_NilResultIsIgnored(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})
	e.OnCycle(context.Background(), nil)
	assert.Zero(t, exec.refreshCount)
}

func TestEngine_TracksConsecutiveRefreshFailures(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})
	result := cycleResult("BTCUSDT", strongParent("BTCUSDT"), confirmingChild("BTCUSDT"))

	exec.failRefresh = errors.New("account endpoint down")
	e.OnCycle(context.Background(), result)
	e.OnCycle(context.Background(), result)
	assert.Equal(t, 2, e.ConsecutiveRefreshFailures())

	exec.failRefresh = nil
	e.OnCycle(context.Background(), result)
	assert.Zero(t, e.ConsecutiveRefreshFailures())
}

func TestEngine_TickMailboxAppliesFreshestPrice(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	st := openTestPosition(t, e, exec, "BTCUSDT")

	exec.mu.Lock()
	cb := exec.subscribers["BTCUSDT"]
	exec.mu.Unlock()
	require.NotNil(t, cb)

	// A burst of ticks: the mailbox keeps only the newest while one is in
	// flight; the final price must always win.
	for i := 0; i < 50; i++ {
		cb(core.MarkPriceTick{Symbol: "BTCUSDT", Price: 100 + float64(i)*0.0005, Time: time.Now()})
	}
	final := 100 + float64(49)*0.0005

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return st.LastPrice == final
	}, 2*time.Second, 5*time.Millisecond)

	e.mu.Lock()
	snapshot := st.Snapshots[st.ChildTimeframe]
	e.mu.Unlock()
	assert.Equal(t, final, snapshot.LatestClose)
	assert.GreaterOrEqual(t, snapshot.HighestClose, final)
}

func TestEngine_TickForUnmanagedSymbolIsDropped(t *testing.T) {
	exec := newStubExecutor()
	e := newEngine(t, exec, allowAll{})

	e.onTick(core.MarkPriceTick{Symbol: "NOPEUSDT", Price: 5, Time: time.Now()})

	assert.Eventually(t, func() bool {
		e.mbMu.Lock()
		defer e.mbMu.Unlock()
		mb := e.mailboxes["NOPEUSDT"]
		if mb == nil {
			return false
		}
		mb.mu.Lock()
		defer mb.mu.Unlock()
		return !mb.active && mb.pending == nil
	}, time.Second, 5*time.Millisecond)
}
