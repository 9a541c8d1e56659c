// Package strategy turns ranked movers into managed leveraged positions.
// Each cycle it reconciles its records against the exchange, runs the
// lifecycle state machine over every open position, and evaluates the
// aggregated board for fresh entries. Between cycles, live mark-price ticks
// re-run the same state machine on mutated metric snapshots.
package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"market_scanner/internal/alert"
	"market_scanner/internal/config"
	"market_scanner/internal/core"
	"market_scanner/pkg/telemetry"
)

// EntryGate vets the account before a new position may be opened. Failing
// the gate blocks entries only; open positions are still managed.
type EntryGate interface {
	AllowEntry(wallet, available float64) error
}

// Engine drives the position lifecycle against an executor.
type Engine struct {
	executor core.IExecutor
	gate     EntryGate
	alerts   *alert.AlertManager
	logger   core.ILogger

	kslBuffer float64

	mu              sync.Mutex
	managed         map[string]*ManagedPosition
	runCtx          context.Context
	refreshFailures int

	mbMu      sync.Mutex
	mailboxes map[string]*tickMailbox

	nowFn func() time.Time
}

// NewEngine wires the strategy. gate may be nil to disable the account
// check (tests); alerts may be a manager with no channels.
func NewEngine(executor core.IExecutor, gate EntryGate, alerts *alert.AlertManager, cfg *config.TradingConfig, logger core.ILogger) *Engine {
	return &Engine{
		executor:  executor,
		gate:      gate,
		alerts:    alerts,
		logger:    logger.WithField("component", "strategy"),
		kslBuffer: cfg.KslBuffer,
		managed:   make(map[string]*ManagedPosition),
		mailboxes: make(map[string]*tickMailbox),
		runCtx:    context.Background(),
		nowFn:     time.Now,
	}
}

// ManagedCount reports the number of positions under management.
func (e *Engine) ManagedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.managed)
}

// ConsecutiveRefreshFailures reports how many cycles in a row the account
// refresh has failed. The health manager turns a streak into an unhealthy
// strategy component.
func (e *Engine) ConsecutiveRefreshFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshFailures
}

// ManagedSymbols lists the symbols under management.
func (e *Engine) ManagedSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.managed))
	for sym := range e.managed {
		out = append(out, sym)
	}
	return out
}

// OnCycle processes one completed scan cycle: refresh account state,
// reconcile against the exchange, manage open positions, evaluate new
// candidates, then manage again so fresh entries get an immediate pass.
func (e *Engine) OnCycle(ctx context.Context, result *core.MoversResult) {
	if result == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCtx = ctx

	if err := e.executor.RefreshState(ctx); err != nil {
		e.refreshFailures++
		e.logger.Warn("Account state refresh failed, managing on last snapshot",
			"error", err,
			"consecutive_failures", e.refreshFailures)
	} else {
		e.refreshFailures = 0
	}
	if err := e.executor.FlattenResiduals(ctx); err != nil {
		e.logger.Warn("Residual flatten failed", "error", err)
	}

	e.reconcile(ctx)
	e.refreshSnapshots(result)

	e.managePassLocked(ctx)
	e.evaluateCandidates(ctx, result)
	e.managePassLocked(ctx)
}

// reconcile syncs managed records with the exchange. A missing or dusted
// leg means the position exited outside the strategy (stop fill, manual
// close); its record and stray orders are dropped.
func (e *Engine) reconcile(ctx context.Context) {
	for sym, st := range e.managed {
		summary, ok := e.executor.Position(sym)
		qty := summary.Long
		if st.Direction == core.DirectionShort {
			qty = summary.Short
		}
		if !ok || qty < core.QuantityEpsilon {
			e.logger.Info("Position exited externally, dropping state",
				"symbol", sym,
				"direction", st.Direction,
				"max_r", st.MaxR)
			if err := e.executor.CancelAllOrders(ctx, sym); err != nil {
				e.logger.Warn("Stray order cleanup failed", "symbol", sym, "error", err)
			}
			e.forgetLocked(sym)
			continue
		}
		if math.Abs(qty-st.TotalQuantity) > core.QuantityEpsilon {
			e.logger.Info("Syncing quantity from exchange",
				"symbol", sym,
				"recorded", st.TotalQuantity,
				"exchange", qty)
			st.TotalQuantity = qty
		}
	}
}

// refreshSnapshots replaces each position's metric snapshots with deep
// copies from the new cycle and refreshes the ATR anchors.
func (e *Engine) refreshSnapshots(result *core.MoversResult) {
	for sym, st := range e.managed {
		bySymbol := result.Metrics[sym]
		if bySymbol == nil {
			continue
		}
		if parent := bySymbol[st.ParentTimeframe]; parent != nil {
			st.Snapshots[st.ParentTimeframe] = cloneMetric(parent)
			if parent.AtrValue > 0 {
				st.ParentAtr = parent.AtrValue
			}
		}
		if child := bySymbol[st.ChildTimeframe]; child != nil {
			st.Snapshots[st.ChildTimeframe] = cloneMetric(child)
			if child.AtrValue > 0 {
				st.ChildAtr = child.AtrValue
			}
			if child.LatestClose > 0 {
				st.observePrice(child.LatestClose)
			}
		}
	}
}

// managePassLocked runs the state machine over every managed position at
// its last seen price. Callers hold e.mu.
func (e *Engine) managePassLocked(ctx context.Context) {
	symbols := make([]string, 0, len(e.managed))
	for sym := range e.managed {
		symbols = append(symbols, sym)
	}
	for _, sym := range symbols {
		st := e.managed[sym]
		if st == nil {
			continue
		}
		e.manage(ctx, st, st.LastPrice)
	}
}

// evaluateCandidates walks the aggregated board and opens positions for
// candidates that pass every gate.
func (e *Engine) evaluateCandidates(ctx context.Context, result *core.MoversResult) {
	for _, candidate := range result.AggregatedTop {
		sym := candidate.Entry.Symbol
		if _, held := e.managed[sym]; held {
			continue
		}
		if !e.executor.CanOpenPosition(sym) {
			continue
		}
		metrics := result.Metrics[sym]
		if metrics == nil {
			continue
		}
		e.tryOpen(ctx, sym, metrics, candidate.Entry.LastPrice)
	}
}

// tryOpen applies framework selection, direction and entry gates, then
// sizes and opens the position with its initial stop.
func (e *Engine) tryOpen(ctx context.Context, sym string, metrics map[string]*core.TimeframeMetric, lastPrice float64) {
	fw, ok := selectFramework(metrics)
	if !ok {
		return
	}
	direction, ok := directionFor(fw.Parent)
	if !ok {
		return
	}

	parentScores := scoresFor(fw.Parent)
	liqPenaltyPct := fw.Parent.LiquidityPenalty * 100
	if parentScores.Efficiency < 45 || parentScores.Align < 50 || liqPenaltyPct >= 40 {
		return
	}
	if !entryTrigger(fw.Child, direction) {
		return
	}
	if fw.Child.AtrValue <= 0 {
		return
	}

	if e.gate != nil {
		if err := e.gate.AllowEntry(e.executor.WalletBalance(), e.executor.AvailableBalance()); err != nil {
			e.logger.Debug("Entry blocked by safety gate", "symbol", sym, "error", err)
			return
		}
	}

	cleanP := cleanScore(fw.Parent)
	gateC := fw.Child.SmallMoveGate
	kSl := stopMultiple(cleanP, gateC)
	slDistance := kSl * fw.Child.AtrValue * e.kslBuffer
	sizeScale := entrySizeScale(liqPenaltyPct)

	res, err := e.executor.CreateMarketOrder(ctx, sym, direction, sizeScale)
	if err != nil {
		e.logger.Warn("Entry order failed",
			"symbol", sym,
			"direction", direction,
			"error", err)
		return
	}

	entryPrice := res.AvgPrice
	if entryPrice <= 0 {
		entryPrice = lastPrice
	}
	qty := res.ExecutedQty
	if qty <= core.QuantityEpsilon {
		if summary, held := e.executor.Position(sym); held {
			if direction == core.DirectionLong {
				qty = summary.Long
			} else {
				qty = summary.Short
			}
		}
	}
	if entryPrice <= 0 || qty <= core.QuantityEpsilon {
		e.logger.Warn("Entry fill unusable, leaving position to reconciliation",
			"symbol", sym,
			"avg_price", res.AvgPrice,
			"executed_qty", res.ExecutedQty)
		return
	}

	dir := directionSign(direction)
	stopPrice := math.Max(entryPrice-dir*slDistance, 0.0001)

	st := &ManagedPosition{
		Symbol:            sym,
		Direction:         direction,
		ParentTimeframe:   fw.Parent.Timeframe,
		ChildTimeframe:    fw.Child.Timeframe,
		ParentMinutes:     fw.ParentMinutes(),
		ChildMinutes:      fw.ChildMinutes(),
		EntryPrice:        entryPrice,
		BaseQuantity:      qty,
		TotalQuantity:     qty,
		InitialSlDistance: slDistance,
		SlDistance:        slDistance,
		StopPrice:         stopPrice,
		TrailBaseMultiple: trailMultiple(cleanP, gateC),
		CleanScore:        cleanP,
		GateScore:         gateC,
		ParentAtr:         fw.Parent.AtrValue,
		ChildAtr:          fw.Child.AtrValue,
		OpenedAt:          e.nowFn(),
		LastPrice:         entryPrice,
		HighestPrice:      entryPrice,
		LowestPrice:       entryPrice,
		Snapshots: map[string]*core.TimeframeMetric{
			fw.Parent.Timeframe: cloneMetric(fw.Parent),
			fw.Child.Timeframe:  cloneMetric(fw.Child),
		},
	}

	if _, err := e.executor.PlaceStopLoss(ctx, sym, direction, qty, stopPrice); err != nil {
		e.logger.Error("Initial stop placement failed, position unprotected until next pass",
			"symbol", sym,
			"stop_price", stopPrice,
			"error", err)
	}

	unsubscribe, err := e.executor.SubscribePriceStream(e.runCtx, sym, func(tick core.MarkPriceTick) {
		e.onTick(tick)
	})
	if err != nil {
		e.logger.Warn("Price stream unavailable, managing on cycle closes only",
			"symbol", sym,
			"error", err)
	} else {
		st.unsubscribe = unsubscribe
	}

	e.managed[sym] = st

	e.logger.Info("Position opened",
		"symbol", sym,
		"direction", direction,
		"entry_price", entryPrice,
		"quantity", qty,
		"stop_price", stopPrice,
		"k_sl", kSl,
		"size_scale", sizeScale,
		"framework", st.ParentTimeframe+"/"+st.ChildTimeframe)

	e.notify(ctx, "Position opened", alert.Info, map[string]string{
		"symbol":    sym,
		"direction": direction,
		"entry":     fmt.Sprintf("%.6f", entryPrice),
		"quantity":  fmt.Sprintf("%.6f", qty),
		"stop":      fmt.Sprintf("%.6f", stopPrice),
		"framework": st.ParentTimeframe + "/" + st.ChildTimeframe,
	})
}

// forgetLocked drops a managed record: unsubscribes the price stream,
// removes the mailbox, and clears per-symbol gauges. Callers hold e.mu.
func (e *Engine) forgetLocked(sym string) {
	if st := e.managed[sym]; st != nil && st.unsubscribe != nil {
		st.unsubscribe()
	}
	delete(e.managed, sym)

	e.mbMu.Lock()
	delete(e.mailboxes, sym)
	e.mbMu.Unlock()

	telemetry.GetGlobalMetrics().ClearSymbol(sym)
}

func (e *Engine) notify(ctx context.Context, title string, level alert.AlertLevel, fields map[string]string) {
	if e.alerts == nil {
		return
	}
	message := fields["symbol"]
	if d := fields["direction"]; d != "" {
		message += " " + d
	}
	e.alerts.Alert(ctx, title, message, level, fields)
}
