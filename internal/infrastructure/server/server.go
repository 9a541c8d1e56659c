// Package server exposes the scanner's HTTP surface: the movers boards,
// process health, a status document, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market_scanner/internal/core"
	"market_scanner/pkg/telemetry"
)

// Server serves read-only views over the latest completed scan cycle. It
// never touches pipeline internals: everything flows through the movers
// provider and the telemetry gauges.
type Server struct {
	port   string
	logger core.ILogger
	movers core.IMoversProvider
	hm     core.IHealthMonitor

	srv       *http.Server
	startedAt time.Time
	live      *LiveFeed

	mu     sync.RWMutex
	status map[string]string
}

func New(port string, movers core.IMoversProvider, hm core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		port:      port,
		logger:    logger.WithField("component", "http_server"),
		movers:    movers,
		hm:        hm,
		status:    make(map[string]string),
		startedAt: time.Now(),
	}
}

// AttachLiveFeed mounts the websocket feed on /ws/movers. Call before Start.
func (s *Server) AttachLiveFeed(feed *LiveFeed) {
	s.live = feed
}

// Handler builds the route table. Separate from Start so tests can drive
// the handlers through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/futures/movers", s.handleMovers)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	if s.live != nil {
		mux.Handle("/ws/movers", s.live)
	}
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Stop drops live subscribers and drains in-flight requests until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.live != nil {
		s.live.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// UpdateStatus publishes a key on the /status document.
func (s *Server) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

// handleMovers serves the latest boards. No timeframe parameter returns the
// whole label-to-snapshot map, a valid one returns that single snapshot, an
// unknown one is a 400. Before the first completed cycle both forms answer
// 200 with a null body.
func (s *Server) handleMovers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := s.movers.Latest()
	label := r.URL.Query().Get("timeframe")

	if label == "" {
		var snapshots map[string]*core.MoversSnapshot
		if result != nil {
			snapshots = result.Snapshots
		}
		s.writeJSON(w, http.StatusOK, snapshots)
		return
	}

	if _, ok := core.TimeframeByLabel(label); !ok {
		http.Error(w, "unknown timeframe "+label, http.StatusBadRequest)
		return
	}

	var snap *core.MoversSnapshot
	if result != nil {
		snap = result.Snapshots[label]
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tm := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"metrics": map[string]interface{}{
			"open_positions": tm.GetOpenPositions(),
			"wallet_balance": tm.GetWalletBalance(),
			"unrealized_pnl": tm.GetUnrealizedPnL(),
			"universe_size":  tm.GetUniverseSize(),
		},
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, code, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}

	s.mu.RLock()
	fields := make(map[string]string, len(s.status))
	for k, v := range s.status {
		fields[k] = v
	}
	s.mu.RUnlock()
	if len(fields) > 0 {
		doc["state"] = fields
	}

	if s.hm != nil {
		doc["components"] = s.hm.GetStatus()
	}
	if result := s.movers.Latest(); result != nil {
		doc["last_cycle"] = result.GeneratedAt.UTC()
		doc["aggregated_entries"] = len(result.AggregatedTop)
	}

	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Response encoding failed", "error", err)
	}
}
