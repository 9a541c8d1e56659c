// Package safety provides the account-level risk gate consulted before any
// new position is opened. It never interferes with the management of
// positions that are already running.
package safety

import (
	"fmt"
	"sync"

	"market_scanner/internal/config"
	"market_scanner/internal/core"
)

// Checker tracks the session's wallet high-water mark and vets the account
// before an entry: there must be balance to commit, the drawdown from the
// high-water mark must stay inside the configured limit, and a minimum
// share of the wallet must remain free as margin.
type Checker struct {
	logger core.ILogger

	maxDrawdownPct     float64
	minFreeMarginRatio float64

	mu        sync.Mutex
	highWater float64
}

// NewChecker builds a gate from the trading limits. A zero limit disables
// the corresponding check.
func NewChecker(cfg *config.TradingConfig, logger core.ILogger) *Checker {
	return &Checker{
		logger:             logger.WithField("component", "safety"),
		maxDrawdownPct:     cfg.MaxDrawdownPct,
		minFreeMarginRatio: cfg.MinFreeMarginRatio,
	}
}

// AllowEntry returns nil when a new position may be opened given the
// current wallet and available balances. The wallet high-water mark is
// advanced as a side effect, so losses are always measured against the best
// balance this session has seen.
func (c *Checker) AllowEntry(wallet, available float64) error {
	if wallet <= 0 {
		return fmt.Errorf("wallet balance %.2f, nothing to commit", wallet)
	}
	if available <= 0 {
		return fmt.Errorf("no available balance (%.2f locked in margin)", wallet)
	}

	c.mu.Lock()
	if wallet > c.highWater {
		c.highWater = wallet
	}
	highWater := c.highWater
	c.mu.Unlock()

	if c.maxDrawdownPct > 0 && highWater > 0 {
		drawdownPct := (highWater - wallet) / highWater * 100
		if drawdownPct >= c.maxDrawdownPct {
			c.logger.Warn("Entries halted on drawdown",
				"wallet", wallet,
				"high_water", highWater,
				"drawdown_pct", drawdownPct,
				"limit_pct", c.maxDrawdownPct)
			return fmt.Errorf("drawdown %.1f%% exceeds limit %.1f%%", drawdownPct, c.maxDrawdownPct)
		}
	}

	if c.minFreeMarginRatio > 0 {
		ratio := available / wallet
		if ratio < c.minFreeMarginRatio {
			return fmt.Errorf("free margin ratio %.3f below minimum %.3f", ratio, c.minFreeMarginRatio)
		}
	}

	return nil
}

// HighWater exposes the session's best wallet balance, zero before the
// first check.
func (c *Checker) HighWater() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highWater
}
