// Package health aggregates named liveness checks behind the /health
// endpoint. Components register a check once at wiring time; evaluation
// happens on demand when the endpoint is hit.
package health

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"market_scanner/internal/core"
)

// Manager holds the registered checks. Implements core.IHealthMonitor.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus evaluates every check and reports "ok" or the failure text.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes. A manager with
// no checks is healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Component unhealthy", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}

// Heartbeat records when a component last made progress. The zero value is
// ready to use; until the first beat a staleness check passes, so slow
// starters do not flap the process unhealthy.
type Heartbeat struct {
	last atomic.Int64
}

func (h *Heartbeat) Beat() {
	h.BeatAt(time.Now())
}

func (h *Heartbeat) BeatAt(t time.Time) {
	h.last.Store(t.UnixNano())
}

func (h *Heartbeat) Last() time.Time {
	ns := h.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// StaleAfter turns the heartbeat into a check failing once the last beat is
// older than max.
func (h *Heartbeat) StaleAfter(max time.Duration) func() error {
	return StalenessCheck(h.Last, max)
}

// StalenessCheck adapts any last-success timestamp source into a check. A
// zero timestamp passes: the source has not been exercised yet.
func StalenessCheck(last func() time.Time, max time.Duration) func() error {
	return func() error {
		t := last()
		if t.IsZero() {
			return nil
		}
		if age := time.Since(t); age > max {
			return fmt.Errorf("no progress for %s (max %s)", age.Round(time.Second), max)
		}
		return nil
	}
}
