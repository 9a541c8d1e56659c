// Package bootstrap wires the scanner's component graph and owns the
// process lifecycle: one signal-scoped context, an errgroup of runners, and
// ordered shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"market_scanner/internal/alert"
	"market_scanner/internal/config"
	"market_scanner/internal/core"
	"market_scanner/internal/exchange/binance"
	"market_scanner/internal/infrastructure/health"
	"market_scanner/internal/infrastructure/server"
	"market_scanner/internal/liquidity"
	"market_scanner/internal/movers"
	"market_scanner/internal/safety"
	"market_scanner/internal/strategy"
	"market_scanner/internal/trading/executor"
	"market_scanner/internal/universe"
	"market_scanner/pkg/concurrency"
	apperrors "market_scanner/pkg/errors"
	"market_scanner/pkg/retry"
	"market_scanner/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Runner is a long-lived component driven by the app lifecycle. Run blocks
// until ctx is done or the component fails.
type Runner interface {
	Run(ctx context.Context) error
}

// App holds the wired component graph. Construction does no I/O; the first
// network calls happen in Run.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	exchange  *binance.Exchange
	pool      *concurrency.WorkerPool
	pipeline  *movers.Pipeline
	executor  *executor.Executor
	engine    *strategy.Engine
	alerts    *alert.AlertManager
	health    *health.Manager
	server    *server.Server
	live      *server.LiveFeed
	scheduler *Scheduler

	otel *telemetry.Telemetry
}

func NewApp(cfg *config.Config, logger core.ILogger) *App {
	a := &App{cfg: cfg, logger: logger.WithField("component", "app")}

	// Observability first so every later constructor registers its
	// instruments against the live provider.
	if cfg.Telemetry.EnableTracing || cfg.Telemetry.EnableMetrics {
		handle, err := telemetry.Setup(telemetry.Config{
			ServiceName:   "market_scanner",
			EnableTracing: cfg.Telemetry.EnableTracing,
			EnableMetrics: cfg.Telemetry.EnableMetrics,
		})
		if err != nil {
			logger.Warn("Telemetry setup failed, continuing without exporters", "error", err)
		} else {
			a.otel = handle
		}
	}

	a.exchange = binance.New(&cfg.Exchange, logger)
	a.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "scan",
		MaxWorkers:  cfg.Scanner.Concurrency,
		MaxCapacity: cfg.Scanner.Concurrency * 4,
	}, logger)

	universeSel := universe.NewSelector(a.exchange, &cfg.Scanner, logger)
	probe := liquidity.NewProbe(a.exchange, &cfg.Scanner, logger)
	a.pipeline = movers.NewPipeline(a.exchange, universeSel, probe, a.pool, &cfg.Scanner, logger)

	a.alerts = alert.NewAlertManager(logger)
	if tg := alert.NewTelegramChannel(cfg.Notifier.TelegramBotToken.Reveal(), cfg.Notifier.TelegramChatID); tg.Enabled() {
		a.alerts.AddChannel(tg)
	}
	if sl := alert.NewSlackChannel(cfg.Notifier.SlackWebhookURL.Reveal()); sl.Enabled() {
		a.alerts.AddChannel(sl)
	}

	a.executor = executor.New(a.exchange, &cfg.Trading, cfg.TradingEnabled(), logger)
	gate := safety.NewChecker(&cfg.Trading, logger)
	a.engine = strategy.NewEngine(a.executor, gate, a.alerts, &cfg.Trading, logger)

	interval := time.Duration(cfg.Scanner.RefreshIntervalMinutes) * time.Minute
	cycleBeat := &health.Heartbeat{}

	a.health = health.NewManager(logger)
	a.health.Register("exchange", health.StalenessCheck(a.exchange.LastSuccess, 3*interval))
	a.health.Register("pipeline", cycleBeat.StaleAfter(3*interval))
	a.health.Register("strategy", func() error {
		if n := a.engine.ConsecutiveRefreshFailures(); n >= 3 {
			return fmt.Errorf("account refresh failing for %d cycles", n)
		}
		return nil
	})

	a.live = server.NewLiveFeed(logger)
	a.server = server.New(strconv.Itoa(cfg.Server.Port), a.pipeline, a.health, logger)
	a.server.AttachLiveFeed(a.live)

	var renderer *movers.Renderer
	if cfg.Scanner.PrintTables {
		renderer = movers.NewRenderer(os.Stdout)
	}

	a.scheduler = NewScheduler(SchedulerDeps{
		Pipeline: a.pipeline,
		Engine:   a.engine,
		Alerts:   a.alerts,
		Renderer: renderer,
		Live:     a.live,
		Beat:     cycleBeat,
	}, interval, logger)

	return a
}

// Run brings the process up, drives the scan loop until a termination
// signal or a fatal runner error, then shuts everything down in order.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range []Runner{a.scheduler} {
		runner := r
		g.Go(func() error { return runner.Run(gctx) })
	}

	err := g.Wait()
	a.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Stopped on error", "error", err)
		return err
	}
	a.logger.Info("Stopped cleanly")
	return nil
}

// startup performs the one-time I/O: exchange reachability, account
// initialization, HTTP surface.
func (a *App) startup(ctx context.Context) error {
	if err := a.exchange.CheckHealth(ctx); err != nil {
		a.logger.Warn("Exchange ping failed, continuing; cycles will retry", "error", err)
	}

	// Dual-side mode and the first account snapshot must land before the
	// first cycle can trade. Startup blips are retried, auth failures are
	// final.
	policy := retry.StartupPolicy
	policy.OnRetry = func(attempt int, err error, sleep time.Duration) {
		a.logger.Warn("Executor initialization failed, retrying",
			"attempt", attempt, "backoff", sleep.String(), "error", err)
	}
	err := retry.Do(ctx, policy, transientStartupError, func() error {
		return a.executor.Initialize(ctx)
	})
	if err != nil {
		return fmt.Errorf("executor initialization: %w", err)
	}

	mode := "observe"
	if a.executor.TradingEnabled() {
		mode = "trade"
	}
	a.server.UpdateStatus("mode", mode)
	a.server.UpdateStatus("exchange", a.exchange.GetName())
	a.server.Start()

	a.logger.Info("Scanner started",
		"mode", mode,
		"interval_minutes", a.cfg.Scanner.RefreshIntervalMinutes,
		"universe_max", a.cfg.Scanner.UniverseMaxSize,
		"port", a.cfg.Server.Port,
		"alert_channels", a.alerts.ChannelCount())
	return nil
}

// shutdown closes collaborators in dependency order: no new cycles, then
// outstanding orders, then the HTTP surface and the pool, telemetry last.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.cfg.System.CancelOnExit && a.executor.TradingEnabled() {
		for _, sym := range a.engine.ManagedSymbols() {
			if err := a.executor.CancelAllOrders(ctx, sym); err != nil {
				a.logger.Warn("Exit order cleanup failed", "symbol", sym, "error", err)
			}
		}
	}

	if err := a.server.Stop(ctx); err != nil {
		a.logger.Warn("HTTP server shutdown failed", "error", err)
	}
	a.pool.Stop()

	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}

// transientStartupError reports whether an initialization failure is worth
// retrying. Bad credentials never heal on their own.
func transientStartupError(err error) bool {
	return !errors.Is(err, apperrors.ErrAuthenticationFailed)
}
