package metrics

import "sync"

// HistoryStore keeps bounded per-(symbol,timeframe) series across cycles.
// The strategy reads these to detect trend decay and structure breaks, so
// each series survives symbols dropping in and out of the ranked boards.
type HistoryStore struct {
	cap     int
	mu      sync.Mutex
	entries map[string]*historyEntry
}

type historyEntry struct {
	closes       []float64
	efficiencies []float64
	momenta      []float64
}

func NewHistoryStore(capacity int) *HistoryStore {
	return &HistoryStore{
		cap:     capacity,
		entries: make(map[string]*historyEntry),
	}
}

// Append records the latest cycle's values and returns independent copies
// of the updated series, oldest first. Copies keep live-tick mutation of an
// emitted metric from bleeding into the next cycle.
func (h *HistoryStore) Append(symbol, label string, close, efficiency, momentum float64) (closes, efficiencies, momenta []float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := symbol + "|" + label
	e, ok := h.entries[key]
	if !ok {
		e = &historyEntry{}
		h.entries[key] = e
	}

	e.closes = pushCapped(e.closes, close, h.cap)
	e.efficiencies = pushCapped(e.efficiencies, efficiency, h.cap)
	e.momenta = pushCapped(e.momenta, momentum, h.cap)

	return append([]float64(nil), e.closes...),
		append([]float64(nil), e.efficiencies...),
		append([]float64(nil), e.momenta...)
}

func pushCapped(series []float64, v float64, capacity int) []float64 {
	series = append(series, v)
	if len(series) > capacity {
		series = series[len(series)-capacity:]
	}
	return series
}
