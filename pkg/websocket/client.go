// Package websocket provides the reconnecting client behind the exchange
// market streams.
package websocket

import (
	"context"
	"market_scanner/internal/core"
	"market_scanner/pkg/telemetry"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler receives every raw frame from the stream.
type MessageHandler func(message []byte)

// Config describes one market stream connection. The stream is addressed
// entirely by URL; exchange market streams take no subscribe frames.
type Config struct {
	URL  string
	Name string // short stream label carried on metrics, e.g. "markprice"

	// Zero values fall back to defaults suited to exchange market streams.
	ReconnectWait time.Duration // initial redial wait, doubles up to maxReconnectWait
	PingInterval  time.Duration
	PingWait      time.Duration
	PongWait      time.Duration
}

const (
	defaultReconnectWait = 2 * time.Second
	maxReconnectWait     = 30 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultPingWait      = 10 * time.Second
	defaultPongWait      = 60 * time.Second
	stopDrainTimeout     = 5 * time.Second
)

// Client keeps one stream connected, redialing with exponential backoff
// until Stop is called.
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  core.ILogger

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	handleHist  metric.Float64Histogram
	streamAttr  metric.MeasurementOption
}

// NewClient builds a client for one stream. Start must be called to connect.
func NewClient(cfg Config, handler MessageHandler, logger core.ILogger) *Client {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingWait <= 0 {
		cfg.PingWait = defaultPingWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}

	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("ws-stream")
	msgCounter, _ := meter.Int64Counter("ws_stream_messages_total",
		metric.WithDescription("Frames received per stream"))
	connCounter, _ := meter.Int64Counter("ws_stream_connects_total",
		metric.WithDescription("Dial attempts per stream"))
	handleHist, _ := meter.Float64Histogram("ws_stream_handler_seconds",
		metric.WithDescription("Handler time per frame in seconds"))

	return &Client{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		tracer:      telemetry.GetTracer("ws-stream"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
		handleHist:  handleHist,
		streamAttr:  metric.WithAttributes(attribute.String("stream", cfg.Name)),
	}
}

// Start connects and keeps reading until Stop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop tears the connection down and waits for the read and heartbeat
// goroutines to exit. Closing the connection first unblocks a pending read.
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		if c.logger != nil {
			c.logger.Warn("Stream goroutines did not exit before timeout", "stream", c.cfg.Name)
		}
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	wait := c.cfg.ReconnectWait
	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.connect(); err != nil {
			if c.logger != nil {
				c.logger.Error("Stream dial failed",
					"stream", c.cfg.Name, "url", c.cfg.URL, "error", err)
			}
			if !c.sleep(wait) {
				return
			}
			wait = min(wait*2, maxReconnectWait)
			continue
		}
		wait = c.cfg.ReconnectWait

		heartbeatCtx, stopHeartbeat := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.heartbeat(heartbeatCtx)

		c.readLoop()
		stopHeartbeat()

		if !c.sleep(wait) {
			return
		}
	}
}

// sleep waits for d unless the client is stopped first.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(c.cfg.PingWait)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Dead connection; close it so readLoop returns and redials.
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(
			attribute.String("ws.url", c.cfg.URL),
			attribute.String("ws.stream", c.cfg.Name),
		),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1, c.streamAttr)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Both server pings and our ping replies refresh the read deadline, so
	// a connection counts as dead only after PongWait of total silence.
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.PingWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil || c.ctx.Err() != nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		start := time.Now()
		c.msgCounter.Add(c.ctx, 1, c.streamAttr)
		if c.handler != nil {
			c.handler(message)
		}
		c.handleHist.Record(c.ctx, time.Since(start).Seconds(), c.streamAttr)
	}
}
