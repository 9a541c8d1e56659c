package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"market_scanner/internal/alert"
	"market_scanner/internal/core"
)

const (
	// breakEvenBuffer keeps the break-even stop a hair off the entry,
	// expressed as a fraction of the current price.
	breakEvenBuffer = 0.0005

	// partialFraction of the base quantity is taken on each partial exit.
	partialFraction = 0.3

	// structureBreakAtr pads the stop by this many child ATRs when testing
	// whether closes have broken the position's structure.
	structureBreakAtr = 0.3
)

// manage runs the state machine over one position at the given price.
// Callers hold e.mu. Any step that closes the position ends the pass.
func (e *Engine) manage(ctx context.Context, st *ManagedPosition, price float64) {
	if price <= 0 || !core.Finite(price) {
		return
	}
	st.observePrice(price)

	e.applyBreakEven(ctx, st, price)
	e.applyTrailing(ctx, st, price)
	if e.applyPartials(ctx, st, price) {
		return
	}
	e.applyAdds(ctx, st, price)
	if e.applyTimeStop(ctx, st) {
		return
	}
	e.applyStructureBreak(ctx, st)
}

// applyBreakEven moves the stop to entry once the trade has earned it. The
// R threshold relaxes to 1.0 when the child shows both strong volume and
// strong flow; otherwise 1.3. Once moved, the stop never returns to the
// adverse side of entry.
func (e *Engine) applyBreakEven(ctx context.Context, st *ManagedPosition, price float64) {
	if st.BeMoved {
		return
	}
	need := 1.3
	if child := st.child(); child != nil {
		s := scoresFor(child)
		if s.Volume >= 55 && s.Flow >= 55 {
			need = 1.0
		}
	}
	if st.MaxR < need {
		return
	}
	e.moveStopToBreakEven(ctx, st, price, "break-even threshold reached")
}

// moveStopToBreakEven replaces the stop at entry with a small buffer off
// the current price. Applied only when it tightens the stop.
func (e *Engine) moveStopToBreakEven(ctx context.Context, st *ManagedPosition, price float64, reason string) {
	dir := st.dirSign()
	buffer := price * breakEvenBuffer

	newStop := st.EntryPrice - dir*buffer
	// Keep the stop on the passive side of the current price so it cannot
	// trigger on placement.
	if dir*(price-newStop) <= 0 {
		newStop = price - dir*buffer
	}
	if dir*(newStop-st.StopPrice) <= 0 {
		// Already at or beyond break-even.
		st.BeMoved = true
		return
	}

	if _, err := e.executor.ReplaceStopLoss(ctx, st.Symbol, st.Direction, st.TotalQuantity, newStop); err != nil {
		e.logger.Warn("Break-even stop replace failed", "symbol", st.Symbol, "error", err)
		return
	}
	st.StopPrice = newStop
	st.BeMoved = true

	e.logger.Info("Stop moved to break-even",
		"symbol", st.Symbol,
		"stop_price", newStop,
		"max_r", st.MaxR,
		"reason", reason)
	e.notify(ctx, "Break-even set", alert.Info, map[string]string{
		"symbol":    st.Symbol,
		"direction": st.Direction,
		"stop":      fmt.Sprintf("%.6f", newStop),
		"max_r":     fmt.Sprintf("%.2f", st.MaxR),
	})
}

// applyTrailing ratchets the stop behind the best extreme seen by either
// the parent window or the live feed. The stop only ever tightens and never
// crosses the current price.
func (e *Engine) applyTrailing(ctx context.Context, st *ManagedPosition, price float64) {
	if st.ParentAtr <= 0 {
		return
	}
	dir := st.dirSign()

	multiple := st.TrailBaseMultiple
	if trailDecay(st.child()) {
		multiple = math.Max(multiple-0.4, 1.6)
	}

	var ref float64
	if parent := st.parent(); parent != nil {
		ref = parent.HighestClose
		if dir < 0 {
			ref = parent.LowestClose
		}
	}
	if dir > 0 {
		ref = math.Max(ref, st.HighestPrice)
	} else {
		if ref == 0 {
			ref = st.LowestPrice
		}
		ref = math.Min(ref, st.LowestPrice)
	}

	distance := multiple * st.ParentAtr
	newTrail := ref - dir*distance

	current := st.TrailPrice
	if current == 0 {
		current = st.StopPrice
	}
	tightens := dir*(newTrail-current) > 0
	safeSide := dir*(price-newTrail) > 0
	if !tightens || !safeSide {
		return
	}

	if _, err := e.executor.ReplaceStopLoss(ctx, st.Symbol, st.Direction, st.TotalQuantity, newTrail); err != nil {
		e.logger.Warn("Trailing stop replace failed", "symbol", st.Symbol, "error", err)
		return
	}
	st.TrailPrice = newTrail
	st.StopPrice = newTrail
	st.SlDistance = distance

	e.logger.Info("Trailing stop advanced",
		"symbol", st.Symbol,
		"stop_price", newTrail,
		"multiple", multiple,
		"ref", ref)
}

// applyPartials scales out. Clean trends hold for R 2; choppier trades bank
// at R 1.5 and move the stop to break-even in the same step. A second
// partial on non-clean trends fires at R 2. Returns true when the position
// closed out entirely through the reductions.
func (e *Engine) applyPartials(ctx context.Context, st *ManagedPosition, price float64) bool {
	if st.TotalQuantity <= core.QuantityEpsilon {
		return false
	}
	r := st.rMultiple(price)
	clean := st.CleanScore >= 0.6 && st.GateScore >= 0.7
	strongVolume := false
	if child := st.child(); child != nil {
		strongVolume = scoresFor(child).Volume >= 55
	}

	if !st.PartialOneTaken {
		cleanPath := clean && r >= 2
		generalPath := !clean && !strongVolume && r >= 1.5
		if cleanPath || generalPath {
			if closed := e.takePartial(ctx, st, "first partial"); closed {
				return true
			}
			st.PartialOneTaken = true
			if generalPath && !st.BeMoved {
				e.moveStopToBreakEven(ctx, st, price, "general partial taken")
			}
		}
	}

	if !st.PartialTwoTaken && !clean && r >= 2 {
		if closed := e.takePartial(ctx, st, "second partial"); closed {
			return true
		}
		st.PartialTwoTaken = true
	}
	return false
}

// takePartial reduces by min(30% of base, remaining) and re-syncs the stop
// quantity. Returns true when nothing of the position remains.
func (e *Engine) takePartial(ctx context.Context, st *ManagedPosition, label string) bool {
	partialQty := math.Min(partialFraction*st.BaseQuantity, st.TotalQuantity)
	if partialQty <= core.QuantityEpsilon {
		return false
	}

	res, err := e.executor.ReducePosition(ctx, st.Symbol, st.Direction, partialQty)
	if err != nil {
		e.logger.Warn("Partial exit failed", "symbol", st.Symbol, "label", label, "error", err)
		return false
	}
	reduced := res.ExecutedQty
	if reduced <= core.QuantityEpsilon {
		reduced = partialQty
	}
	st.TotalQuantity = math.Max(0, st.TotalQuantity-reduced)

	e.logger.Info("Partial exit",
		"symbol", st.Symbol,
		"label", label,
		"reduced", reduced,
		"remaining", st.TotalQuantity)
	e.notify(ctx, "Partial exit", alert.Info, map[string]string{
		"symbol":    st.Symbol,
		"direction": st.Direction,
		"label":     label,
		"reduced":   fmt.Sprintf("%.6f", reduced),
		"remaining": fmt.Sprintf("%.6f", st.TotalQuantity),
	})

	if st.TotalQuantity <= core.QuantityEpsilon {
		e.dropPosition(ctx, st, "fully scaled out")
		return true
	}
	if _, err := e.executor.ReplaceStopLoss(ctx, st.Symbol, st.Direction, st.TotalQuantity, st.StopPrice); err != nil {
		e.logger.Warn("Stop resync after partial failed", "symbol", st.Symbol, "error", err)
	}
	return false
}

// applyAdds pyramids a winning position. Only clean, efficient trends that
// already banked break-even may add, at most twice, with shrinking size.
func (e *Engine) applyAdds(ctx context.Context, st *ManagedPosition, price float64) {
	if !st.BeMoved || st.AddCount >= 2 {
		return
	}
	if st.CleanScore < 0.65 || st.GateScore < 0.7 {
		return
	}
	child := st.child()
	if child == nil || child.Efficiency*100 < 55 {
		return
	}

	r := st.rMultiple(price)
	var addQty float64
	switch {
	case st.AddCount == 0 && r >= 1:
		addQty = 0.5 * st.BaseQuantity
	case st.AddCount == 1 && r >= 2:
		addQty = 0.33 * st.BaseQuantity
	default:
		return
	}

	res, err := e.executor.IncreasePosition(ctx, st.Symbol, st.Direction, addQty)
	if err != nil {
		e.logger.Warn("Add failed", "symbol", st.Symbol, "error", err)
		return
	}
	added := res.ExecutedQty
	if added <= core.QuantityEpsilon {
		added = addQty
	}
	st.TotalQuantity += added
	st.AddCount++

	if _, err := e.executor.ReplaceStopLoss(ctx, st.Symbol, st.Direction, st.TotalQuantity, st.StopPrice); err != nil {
		e.logger.Warn("Stop resync after add failed", "symbol", st.Symbol, "error", err)
	}

	e.logger.Info("Position increased",
		"symbol", st.Symbol,
		"added", added,
		"total", st.TotalQuantity,
		"add_count", st.AddCount)
	e.notify(ctx, "Position increased", alert.Info, map[string]string{
		"symbol":    st.Symbol,
		"direction": st.Direction,
		"added":     fmt.Sprintf("%.6f", added),
		"total":     fmt.Sprintf("%.6f", st.TotalQuantity),
	})
}

// applyTimeStop handles stagnation. Once the position has sat through
// thresh child candles without reaching half an R, the stop tightens to
// half the initial distance; after the same span again with no progress,
// the position closes. Returns true when it closed.
func (e *Engine) applyTimeStop(ctx context.Context, st *ManagedPosition) bool {
	if st.ChildMinutes <= 0 {
		return false
	}
	thresh := timeStopThreshold(st.ParentMinutes, st.ChildMinutes)
	now := e.nowFn()

	switch st.TimeStopStage {
	case 0:
		elapsedCandles := int(now.Sub(st.OpenedAt).Minutes()) / st.ChildMinutes
		if elapsedCandles < thresh || st.MaxR >= 0.5 {
			return false
		}
		dir := st.dirSign()
		newStop := st.EntryPrice - dir*0.5*st.InitialSlDistance
		if dir*(newStop-st.StopPrice) > 0 {
			if _, err := e.executor.ReplaceStopLoss(ctx, st.Symbol, st.Direction, st.TotalQuantity, newStop); err != nil {
				e.logger.Warn("Time-stop tighten failed", "symbol", st.Symbol, "error", err)
				return false
			}
			st.StopPrice = newStop
		}
		st.TimeStopStage = 1
		st.TimeStopAt = now

		e.logger.Info("Time stop engaged",
			"symbol", st.Symbol,
			"stop_price", st.StopPrice,
			"max_r", st.MaxR,
			"threshold_candles", thresh)
		return false

	case 1:
		if st.MaxR >= 0.5 {
			return false
		}
		wait := time.Duration(thresh*st.ChildMinutes) * time.Minute
		if now.Sub(st.TimeStopAt) < wait {
			return false
		}
		e.closePosition(ctx, st, "time stop")
		return true
	}
	return false
}

// applyStructureBreak closes when two consecutive evaluations see both of
// the last two child closes on the wrong side of the padded stop level.
// Returns true when it closed.
func (e *Engine) applyStructureBreak(ctx context.Context, st *ManagedPosition) bool {
	child := st.child()
	if child == nil || len(child.CloseHistory) < 2 || st.ChildAtr <= 0 {
		return false
	}
	base := st.TrailPrice
	if base == 0 {
		base = st.StopPrice
	}
	dir := st.dirSign()
	threshold := base + dir*structureBreakAtr*st.ChildAtr

	closes := child.CloseHistory
	lastTwo := closes[len(closes)-2:]
	broken := dir*(lastTwo[0]-threshold) < 0 && dir*(lastTwo[1]-threshold) < 0
	if !broken {
		st.StructureBreakCount = 0
		return false
	}

	st.StructureBreakCount++
	if st.StructureBreakCount < 2 {
		return false
	}
	e.closePosition(ctx, st, "structure break")
	return true
}

// closePosition flattens and forgets a position: cancel resting orders,
// market-close whatever remains, drop state, unsubscribe.
func (e *Engine) closePosition(ctx context.Context, st *ManagedPosition, reason string) {
	if err := e.executor.CancelAllOrders(ctx, st.Symbol); err != nil {
		e.logger.Warn("Order cancel on close failed", "symbol", st.Symbol, "error", err)
	}
	if st.TotalQuantity > core.QuantityEpsilon {
		if _, err := e.executor.ReducePosition(ctx, st.Symbol, st.Direction, st.TotalQuantity); err != nil {
			e.logger.Error("Close reduce failed, reconciliation will retry",
				"symbol", st.Symbol,
				"quantity", st.TotalQuantity,
				"error", err)
		}
	}
	e.dropPosition(ctx, st, reason)
}

// dropPosition removes state for a position that no longer needs orders.
func (e *Engine) dropPosition(ctx context.Context, st *ManagedPosition, reason string) {
	e.logger.Info("Position closed",
		"symbol", st.Symbol,
		"direction", st.Direction,
		"reason", reason,
		"max_r", st.MaxR,
		"entry_price", st.EntryPrice,
		"last_price", st.LastPrice)
	e.notify(ctx, "Position closed", alert.Info, map[string]string{
		"symbol":    st.Symbol,
		"direction": st.Direction,
		"reason":    reason,
		"max_r":     fmt.Sprintf("%.2f", st.MaxR),
	})
	e.forgetLocked(st.Symbol)
}

// timeStopThreshold is the stagnation window in child candles: three parent
// candles expressed in child units, at least one.
func timeStopThreshold(parentMinutes, childMinutes int) int {
	if childMinutes <= 0 {
		return 1
	}
	thresh := int(math.Ceil(3 * float64(parentMinutes) / float64(childMinutes)))
	if thresh < 1 {
		thresh = 1
	}
	return thresh
}
