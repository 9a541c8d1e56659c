// Package universe selects the tradable perpetual USDT symbols ranked by
// 24h quote volume and caches the selection on a TTL.
package universe

import (
	"context"
	"sort"
	"sync"
	"time"

	"market_scanner/internal/config"
	"market_scanner/internal/core"
	"market_scanner/pkg/telemetry"
)

// Selector resolves the volume-ranked symbol set. The selection is cached
// and only recomputed after the TTL elapses, so most scan cycles reuse the
// previous ranking. An empty eligible set is a valid selection and is
// cached like any other.
type Selector struct {
	exchange core.IExchange
	logger   core.ILogger

	ttl     time.Duration
	maxSize int

	mu          sync.RWMutex
	symbols     []string
	filters     map[string]core.SymbolFilters
	refreshedAt time.Time

	nowFn func() time.Time
}

// NewSelector builds a Selector over the exchange facade.
func NewSelector(exchange core.IExchange, cfg *config.ScannerConfig, logger core.ILogger) *Selector {
	return &Selector{
		exchange: exchange,
		logger:   logger.WithField("component", "universe"),
		ttl:      time.Duration(cfg.UniverseTTLHours) * time.Hour,
		maxSize:  cfg.UniverseMaxSize,
		filters:  make(map[string]core.SymbolFilters),
		nowFn:    time.Now,
	}
}

// Resolve returns the current universe, refreshing when the cache has
// expired. When a refresh fails mid-flight the previous selection is
// served instead, so one bad exchange call does not blank the scan.
func (s *Selector) Resolve(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	if !s.refreshedAt.IsZero() && s.nowFn().Sub(s.refreshedAt) < s.ttl {
		out := append([]string(nil), s.symbols...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	return s.refresh(ctx)
}

func (s *Selector) refresh(ctx context.Context) ([]string, error) {
	infos, err := s.exchange.ListPerpetuals(ctx)
	if err != nil {
		return s.stale(err)
	}
	volumes, err := s.exchange.QuoteVolumes24h(ctx)
	if err != nil {
		return s.stale(err)
	}

	type ranked struct {
		symbol string
		volume float64
	}

	eligible := make([]ranked, 0, len(infos))
	filters := make(map[string]core.SymbolFilters, len(infos))
	for _, info := range infos {
		if info.ContractType != "PERPETUAL" || info.QuoteAsset != "USDT" || info.Status != "TRADING" {
			continue
		}
		filters[info.Symbol] = info.Filters
		eligible = append(eligible, ranked{symbol: info.Symbol, volume: volumes[info.Symbol]})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].volume != eligible[j].volume {
			return eligible[i].volume > eligible[j].volume
		}
		return eligible[i].symbol < eligible[j].symbol
	})

	take := (len(eligible) + 1) / 2
	if take > s.maxSize {
		take = s.maxSize
	}
	symbols := make([]string, 0, take)
	for _, r := range eligible[:take] {
		symbols = append(symbols, r.symbol)
	}

	s.mu.Lock()
	s.symbols = symbols
	s.filters = filters
	s.refreshedAt = s.nowFn()
	s.mu.Unlock()

	telemetry.GetGlobalMetrics().SetUniverseSize(len(symbols))
	s.logger.Info("Universe refreshed", "eligible", len(eligible), "selected", len(symbols))

	return append([]string(nil), symbols...), nil
}

func (s *Selector) stale(err error) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.refreshedAt.IsZero() {
		return nil, err
	}
	s.logger.Warn("Universe refresh failed, serving previous selection", "error", err)
	return append([]string(nil), s.symbols...), nil
}

// Filters returns the cached order constraints for a symbol. ok is false
// for symbols outside the last refreshed listing. The map covers every
// eligible symbol, not just the selected ones, so position reconciliation
// can quantize symbols that have since dropped out of the scan set.
func (s *Selector) Filters(symbol string) (core.SymbolFilters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filters[symbol]
	return f, ok
}
