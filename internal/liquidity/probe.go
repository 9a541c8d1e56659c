// Package liquidity estimates how expensive a symbol is to trade right now
// by combining its quoted spread with simulated market-order slippage.
package liquidity

import (
	"context"
	"math"

	"market_scanner/internal/config"
	"market_scanner/internal/core"
)

// Probe walks the order book to price a round trip of targetQuote on each
// side. It is best-effort: any fetch failure or unusable book yields a zero
// penalty so the symbol stays in the scan.
type Probe struct {
	exchange    core.IExchange
	logger      core.ILogger
	depthLimit  int
	targetQuote float64
}

func NewProbe(exchange core.IExchange, cfg *config.ScannerConfig, logger core.ILogger) *Probe {
	return &Probe{
		exchange:    exchange,
		logger:      logger.WithField("component", "liquidity"),
		depthLimit:  cfg.DepthLimit,
		targetQuote: cfg.LiquidityTargetQuote,
	}
}

// Penalty returns a value in [0,1]. 0 means either excellent liquidity or
// no usable data.
func (p *Probe) Penalty(ctx context.Context, symbol string) float64 {
	ticker, err := p.exchange.GetBookTicker(ctx, symbol)
	if err != nil {
		p.logger.Debug("Book ticker unavailable", "symbol", symbol, "error", err)
		return 0
	}
	depth, err := p.exchange.GetDepth(ctx, symbol, p.depthLimit)
	if err != nil {
		p.logger.Debug("Depth unavailable", "symbol", symbol, "error", err)
		return 0
	}
	return p.computePenalty(ticker, depth)
}

func (p *Probe) computePenalty(ticker *core.BookTicker, depth *core.DepthSnapshot) float64 {
	bid, ask := ticker.BidPrice, ticker.AskPrice
	if bid <= 0 || ask <= 0 || ask <= bid {
		return 0
	}

	mid := (bid + ask) / 2
	spreadBps := (ask - bid) / mid * 10_000

	askAvg, askFilled := walkLadder(depth.Asks, p.targetQuote)
	bidAvg, bidFilled := walkLadder(depth.Bids, p.targetQuote)

	slippageBps := math.NaN()
	unfilled := math.Max(p.targetQuote-askFilled, p.targetQuote-bidFilled)
	if unfilled <= 0.05*p.targetQuote && askAvg > 0 && bidAvg > 0 {
		buy := (askAvg - mid) / mid * 10_000
		sell := (mid - bidAvg) / mid * 10_000
		slippageBps = math.Max(buy, sell)
	}

	if math.IsNaN(slippageBps) {
		// Book too shallow to fill the probe: assume the worst slippage
		// contribution and keep only the spread signal.
		return clamp01(spreadBps/10*0.6 + 0.4)
	}
	return clamp01(clamp01(spreadBps/10)*0.6 + clamp01(slippageBps/20)*0.4)
}

// walkLadder consumes up to targetQuote through the price levels and
// returns the volume-weighted average fill price and the quote actually
// filled.
func walkLadder(levels []core.DepthLevel, targetQuote float64) (avgFill, filled float64) {
	var base float64
	remaining := targetQuote
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Qty <= 0 {
			continue
		}
		take := math.Min(remaining, lvl.Price*lvl.Qty)
		base += take / lvl.Price
		filled += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if base <= 0 {
		return 0, 0
	}
	return filled / base, filled
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
