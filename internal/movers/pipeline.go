// Package movers runs the scan cycle: universe resolution, chunked fan-out
// fetch, metric computation, score fusion, and publication of the result.
package movers

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"market_scanner/internal/config"
	"market_scanner/internal/core"
	"market_scanner/internal/metrics"
	"market_scanner/pkg/concurrency"
	apperrors "market_scanner/pkg/errors"
	"market_scanner/pkg/telemetry"
)

// Pipeline owns one scan cycle end to end. Symbols are processed in chunks
// of cfg.Concurrency; a chunk is fully awaited before the next starts, so
// at most that many symbols are in flight. Per-symbol failures drop the
// symbol and never abort the cycle.
type Pipeline struct {
	exchange core.IExchange
	universe core.IUniverse
	probe    core.ILiquidityProbe
	engine   *metrics.Engine
	fuser    *metrics.Fuser
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	concurrency    int
	historyMinutes int

	holder Holder
	nowFn  func() time.Time
}

func NewPipeline(
	exchange core.IExchange,
	universe core.IUniverse,
	probe core.ILiquidityProbe,
	pool *concurrency.WorkerPool,
	cfg *config.ScannerConfig,
	logger core.ILogger,
) *Pipeline {
	return &Pipeline{
		exchange:       exchange,
		universe:       universe,
		probe:          probe,
		engine:         metrics.NewEngine(),
		fuser:          metrics.NewFuser(),
		pool:           pool,
		logger:         logger.WithField("component", "movers"),
		concurrency:    cfg.Concurrency,
		historyMinutes: cfg.HistoryMinutes,
		nowFn:          time.Now,
	}
}

// Latest exposes the last completed result for the HTTP surface.
func (p *Pipeline) Latest() *core.MoversResult {
	return p.holder.Latest()
}

// Run executes one full cycle and returns its result.
func (p *Pipeline) Run(ctx context.Context) (*core.MoversResult, error) {
	start := p.nowFn()

	symbols, err := p.universe.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve universe: %w", err)
	}
	if len(symbols) == 0 {
		return nil, apperrors.ErrUniverseEmpty
	}

	data := p.collect(ctx, symbols)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := p.fuser.Fuse(data, p.nowFn())
	p.holder.Store(result)

	scores := make(map[string]float64, len(result.AggregatedTop))
	for _, e := range result.AggregatedTop {
		scores[e.Entry.Symbol] = e.Entry.Scores.Final
	}
	tm := telemetry.GetGlobalMetrics()
	tm.ReplaceTopScores(scores)
	tm.AddSymbolsScanned(ctx, len(symbols))
	tm.ObserveScanCycleDuration(ctx, p.nowFn().Sub(start).Seconds())

	p.logger.Info("Scan cycle complete",
		"symbols", len(symbols),
		"survivors", len(data),
		"duration", p.nowFn().Sub(start).String(),
	)
	return result, nil
}

func (p *Pipeline) collect(ctx context.Context, symbols []string) []metrics.SymbolData {
	var (
		mu   sync.Mutex
		data []metrics.SymbolData
	)

	for start := 0; start < len(symbols); start += p.concurrency {
		if ctx.Err() != nil {
			break
		}
		end := start + p.concurrency
		if end > len(symbols) {
			end = len(symbols)
		}

		group, gctx := p.pool.Group(ctx)
		for _, symbol := range symbols[start:end] {
			symbol := symbol
			group.Submit(func() error {
				sd, ok := p.fetchSymbol(gctx, symbol)
				if !ok {
					return nil
				}
				mu.Lock()
				data = append(data, sd)
				mu.Unlock()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			p.logger.Warn("Symbol chunk interrupted", "error", err)
		}
	}

	return data
}

// fetchSymbol downloads the candle buffer and probes liquidity
// concurrently. ok is false when the symbol should be dropped this cycle.
func (p *Pipeline) fetchSymbol(ctx context.Context, symbol string) (metrics.SymbolData, bool) {
	var (
		candles []core.Candle
		penalty float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candles, err = p.exchange.Klines(gctx, symbol, "1m", p.historyMinutes)
		return err
	})
	g.Go(func() error {
		penalty = p.probe.Penalty(gctx, symbol)
		return nil
	})
	if err := g.Wait(); err != nil {
		p.logger.Warn("Symbol fetch failed", "symbol", symbol, "error", err)
		telemetry.GetGlobalMetrics().IncSymbolFetchErrors(ctx, symbol)
		return metrics.SymbolData{}, false
	}

	if len(candles) == 0 {
		p.logger.Debug("Empty candle buffer", "symbol", symbol)
		return metrics.SymbolData{}, false
	}
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 || math.IsNaN(lastClose) || math.IsInf(lastClose, 0) {
		p.logger.Debug("Unusable last close", "symbol", symbol, "close", lastClose)
		return metrics.SymbolData{}, false
	}

	tfMetrics := p.engine.Compute(symbol, candles)
	if tfMetrics == nil {
		p.logger.Debug("No computable timeframes", "symbol", symbol)
		return metrics.SymbolData{}, false
	}

	return metrics.SymbolData{
		Symbol:           symbol,
		Metrics:          tfMetrics,
		LiquidityPenalty: penalty,
		LastClose:        lastClose,
	}, true
}
