package bootstrap

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"market_scanner/internal/alert"
	"market_scanner/internal/core"
	"market_scanner/internal/infrastructure/health"
	"market_scanner/internal/infrastructure/server"
	"market_scanner/internal/movers"
	"market_scanner/pkg/telemetry"
)

// cyclePipeline is the slice of the movers pipeline the scheduler drives.
type cyclePipeline interface {
	Run(ctx context.Context) (*core.MoversResult, error)
}

// cycleConsumer reacts to a completed scan. The strategy engine is the one
// production implementation.
type cycleConsumer interface {
	OnCycle(ctx context.Context, result *core.MoversResult)
}

// SchedulerDeps collects the scheduler's collaborators. Everything except
// Pipeline may be nil; the scheduler skips what is missing.
type SchedulerDeps struct {
	Pipeline cyclePipeline
	Engine   cycleConsumer
	Alerts   *alert.AlertManager
	Renderer *movers.Renderer
	Live     *server.LiveFeed
	Beat     *health.Heartbeat
}

// Scheduler runs one scan cycle immediately, then one per interval. A tick
// that lands while the previous cycle is still in flight is dropped rather
// than queued, so a slow exchange cannot build a backlog.
type Scheduler struct {
	deps     SchedulerDeps
	interval time.Duration
	logger   core.ILogger
	busy     atomic.Bool
}

func NewScheduler(deps SchedulerDeps, interval time.Duration, logger core.ILogger) *Scheduler {
	return &Scheduler{
		deps:     deps,
		interval: interval,
		logger:   logger.WithField("component", "scheduler"),
	}
}

// Run blocks until ctx is done, then drains the in-flight cycle before
// returning.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	launch := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx)
		}()
	}

	s.logger.Info("Scan loop started", "interval", s.interval.String())
	launch()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			launch()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Warn("Scan cycle still running, dropping tick")
		telemetry.GetGlobalMetrics().IncScanCyclesDropped(ctx)
		return
	}
	defer s.busy.Store(false)
	s.runCycle(ctx)
}

// runCycle executes one full scan and fans the result out. A panic in any
// stage is contained here so the loop survives to the next tick.
func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scan cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	result, err := s.deps.Pipeline.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Error("Scan cycle failed", "error", err)
		return
	}

	telemetry.GetGlobalMetrics().IncScanCycles(ctx)

	if s.deps.Beat != nil {
		s.deps.Beat.BeatAt(result.GeneratedAt)
	}
	if s.deps.Renderer != nil {
		s.deps.Renderer.Render(result)
	}
	if s.deps.Live != nil {
		s.deps.Live.Publish(result)
	}
	if s.deps.Engine != nil {
		s.deps.Engine.OnCycle(ctx, result)
	}
	s.notify(ctx, result)
}

func (s *Scheduler) notify(ctx context.Context, result *core.MoversResult) {
	if s.deps.Alerts == nil || s.deps.Alerts.ChannelCount() == 0 {
		return
	}
	text := movers.SummaryText(result)
	if text == "" {
		return
	}
	s.deps.Alerts.SendText(ctx, text)
}
