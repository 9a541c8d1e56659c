package movers

import (
	"sync/atomic"

	"market_scanner/internal/core"
)

// Holder publishes the latest completed cycle result to concurrent readers.
// Results are immutable once stored; readers never block the pipeline.
type Holder struct {
	v atomic.Pointer[core.MoversResult]
}

func (h *Holder) Store(r *core.MoversResult) {
	h.v.Store(r)
}

// Latest returns the most recent result, nil before the first cycle.
func (h *Holder) Latest() *core.MoversResult {
	return h.v.Load()
}
