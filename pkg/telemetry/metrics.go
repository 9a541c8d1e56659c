package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricScanCyclesTotal       = "market_scanner_scan_cycles_total"
	MetricScanCyclesDropped     = "market_scanner_scan_cycles_dropped_total"
	MetricScanCycleDuration     = "market_scanner_scan_cycle_duration_seconds"
	MetricSymbolsScannedTotal   = "market_scanner_symbols_scanned_total"
	MetricSymbolFetchErrors     = "market_scanner_symbol_fetch_errors_total"
	MetricOrdersPlacedTotal     = "market_scanner_orders_placed_total"
	MetricOrderFailuresTotal    = "market_scanner_order_failures_total"
	MetricAlertsSentTotal       = "market_scanner_alerts_sent_total"
	MetricUniverseSize          = "market_scanner_universe_size"
	MetricOpenPositions         = "market_scanner_open_positions"
	MetricWalletBalance         = "market_scanner_wallet_balance"
	MetricPnLUnrealized         = "market_scanner_pnl_unrealized"
	MetricPositionSize          = "market_scanner_position_size"
	MetricTopScore              = "market_scanner_top_score"
	MetricLatencyExchange       = "market_scanner_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ScanCyclesTotal     metric.Int64Counter
	ScanCyclesDropped   metric.Int64Counter
	ScanCycleDuration   metric.Float64Histogram
	SymbolsScannedTotal metric.Int64Counter
	SymbolFetchErrors   metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrderFailuresTotal  metric.Int64Counter
	AlertsSentTotal     metric.Int64Counter
	UniverseSize        metric.Int64ObservableGauge
	OpenPositions       metric.Int64ObservableGauge
	WalletBalance       metric.Float64ObservableGauge
	PnLUnrealized       metric.Float64ObservableGauge
	PositionSize        metric.Float64ObservableGauge
	TopScore            metric.Float64ObservableGauge
	LatencyExchange     metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	universeSize     int64
	openPositions    int64
	walletBalance    float64
	unrealizedPnLMap map[string]float64
	positionSizeMap  map[string]float64
	topScoreMap      map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			positionSizeMap:  make(map[string]float64),
			topScoreMap:      make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ScanCyclesTotal, err = meter.Int64Counter(MetricScanCyclesTotal, metric.WithDescription("Completed scan cycles"))
	if err != nil {
		return err
	}

	m.ScanCyclesDropped, err = meter.Int64Counter(MetricScanCyclesDropped, metric.WithDescription("Scheduler ticks dropped because a cycle was still running"))
	if err != nil {
		return err
	}

	m.ScanCycleDuration, err = meter.Float64Histogram(MetricScanCycleDuration, metric.WithDescription("Wall time of one scan cycle"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.SymbolsScannedTotal, err = meter.Int64Counter(MetricSymbolsScannedTotal, metric.WithDescription("Symbols processed across all cycles"))
	if err != nil {
		return err
	}

	m.SymbolFetchErrors, err = meter.Int64Counter(MetricSymbolFetchErrors, metric.WithDescription("Per-symbol fetch failures (symbol dropped from the cycle)"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Orders accepted by the exchange"))
	if err != nil {
		return err
	}

	m.OrderFailuresTotal, err = meter.Int64Counter(MetricOrderFailuresTotal, metric.WithDescription("Orders rejected or failed"))
	if err != nil {
		return err
	}

	m.AlertsSentTotal, err = meter.Int64Counter(MetricAlertsSentTotal, metric.WithDescription("Notifier messages sent"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.UniverseSize, err = meter.Int64ObservableGauge(MetricUniverseSize, metric.WithDescription("Symbols in the current universe"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.universeSize)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Symbols with an open position"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.WalletBalance, err = meter.Float64ObservableGauge(MetricWalletBalance, metric.WithDescription("Total wallet balance in USDT"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.walletBalance)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TopScore, err = meter.Float64ObservableGauge(MetricTopScore, metric.WithDescription("Best final score per symbol on the aggregated board"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.topScoreMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Counter helpers. All are safe to call before InitMetrics; recording is
// simply skipped until the instruments exist.

func (m *MetricsHolder) IncScanCycles(ctx context.Context) {
	if m.ScanCyclesTotal != nil {
		m.ScanCyclesTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncScanCyclesDropped(ctx context.Context) {
	if m.ScanCyclesDropped != nil {
		m.ScanCyclesDropped.Add(ctx, 1)
	}
}

func (m *MetricsHolder) ObserveScanCycleDuration(ctx context.Context, seconds float64) {
	if m.ScanCycleDuration != nil {
		m.ScanCycleDuration.Record(ctx, seconds)
	}
}

func (m *MetricsHolder) AddSymbolsScanned(ctx context.Context, n int) {
	if m.SymbolsScannedTotal != nil {
		m.SymbolsScannedTotal.Add(ctx, int64(n))
	}
}

func (m *MetricsHolder) IncSymbolFetchErrors(ctx context.Context, symbol string) {
	if m.SymbolFetchErrors != nil {
		m.SymbolFetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

func (m *MetricsHolder) IncOrdersPlaced(ctx context.Context, symbol, side string) {
	if m.OrdersPlacedTotal != nil {
		m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("side", side),
		))
	}
}

func (m *MetricsHolder) IncOrderFailures(ctx context.Context, symbol string) {
	if m.OrderFailuresTotal != nil {
		m.OrderFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

func (m *MetricsHolder) IncAlertsSent(ctx context.Context, channel string) {
	if m.AlertsSentTotal != nil {
		m.AlertsSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetUniverseSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.universeSize = int64(n)
}

func (m *MetricsHolder) SetOpenPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = int64(n)
}

func (m *MetricsHolder) SetWalletBalance(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletBalance = v
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) ClearSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unrealizedPnLMap, symbol)
	delete(m.positionSizeMap, symbol)
}

// ReplaceTopScores swaps the aggregated-board score map wholesale each cycle.
func (m *MetricsHolder) ReplaceTopScores(scores map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topScoreMap = make(map[string]float64, len(scores))
	for k, v := range scores {
		m.topScoreMap[k] = v
	}
}

func (m *MetricsHolder) GetOpenPositions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openPositions
}

func (m *MetricsHolder) GetWalletBalance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.walletBalance
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetUniverseSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.universeSize
}
