package strategy

import (
	"context"

	"market_scanner/internal/core"
)

// onTick is the mark-price stream callback. It never blocks the stream
// reader: the tick lands in the symbol's single-slot mailbox and a drain
// goroutine applies it. A newer tick arriving mid-processing overwrites the
// slot, so only the freshest price is ever applied.
func (e *Engine) onTick(tick core.MarkPriceTick) {
	if tick.Price <= 0 || !core.Finite(tick.Price) {
		return
	}

	mb := e.mailbox(tick.Symbol)
	mb.mu.Lock()
	mb.pending = &tick
	if mb.active {
		mb.mu.Unlock()
		return
	}
	mb.active = true
	mb.mu.Unlock()

	go e.drainTicks(tick.Symbol, mb)
}

func (e *Engine) mailbox(symbol string) *tickMailbox {
	e.mbMu.Lock()
	defer e.mbMu.Unlock()
	mb, ok := e.mailboxes[symbol]
	if !ok {
		mb = &tickMailbox{}
		e.mailboxes[symbol] = mb
	}
	return mb
}

// drainTicks applies mailbox ticks until the slot stays empty.
func (e *Engine) drainTicks(symbol string, mb *tickMailbox) {
	for {
		mb.mu.Lock()
		tick := mb.pending
		mb.pending = nil
		if tick == nil {
			mb.active = false
			mb.mu.Unlock()
			return
		}
		mb.mu.Unlock()
		e.handleTick(*tick)
	}
}

// handleTick folds a live price into the position's metric snapshots and
// re-runs the state machine. Snapshot mutation mirrors what the next cycle
// would compute: latest close, window extremes, bounded close history.
func (e *Engine) handleTick(tick core.MarkPriceTick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.managed[tick.Symbol]
	if !ok {
		return
	}

	for _, m := range st.Snapshots {
		if m == nil {
			continue
		}
		m.LatestClose = tick.Price
		if tick.Price > m.HighestClose {
			m.HighestClose = tick.Price
		}
		if tick.Price < m.LowestClose {
			m.LowestClose = tick.Price
		}
		m.CloseHistory = core.AppendBounded(m.CloseHistory, tick.Price, core.HistoryCap)
	}

	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	e.manage(ctx, st, tick.Price)
}
