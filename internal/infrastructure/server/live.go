package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"market_scanner/internal/core"
)

const (
	liveWriteWait    = 10 * time.Second
	livePingInterval = 30 * time.Second
	livePongWait     = 75 * time.Second
	liveSendBuffer   = 8
)

// liveClient is one subscribed websocket connection. The send channel is
// closed exactly once, under the feed mutex, when the client is dropped.
type liveClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// LiveFeed pushes every completed cycle result to websocket subscribers on
// /ws/movers. The feed is one-way: inbound frames are discarded. A client
// that cannot keep up with the cycle rate is dropped rather than allowed to
// stall the broadcast.
type LiveFeed struct {
	logger   core.ILogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*liveClient
}

func NewLiveFeed(logger core.ILogger) *LiveFeed {
	return &LiveFeed{
		logger: logger.WithField("component", "live_feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*liveClient),
	}
}

// Publish fans one cycle result out to every subscriber. The payload is
// marshaled once and shared.
func (f *LiveFeed) Publish(result *core.MoversResult) {
	if result == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		f.logger.Warn("Cycle payload marshal failed", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.clients {
		select {
		case c.send <- payload:
		default:
			f.logger.Warn("Dropping slow live client", "client_id", id)
			f.removeLocked(id)
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (f *LiveFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close drops every subscriber. Called on shutdown.
func (f *LiveFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.clients {
		f.removeLocked(id)
	}
}

// ServeHTTP upgrades the connection and starts the read and write pumps.
func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &liveClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, liveSendBuffer),
	}

	f.mu.Lock()
	f.clients[client.id] = client
	total := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("Live client connected", "client_id", client.id, "total", total)

	go f.writePump(client)
	go f.readPump(client)
}

// writePump owns all writes on the connection: cycle payloads and keepalive
// pings. A closed send channel means the client was dropped; the pump sends
// a close frame and releases the connection.
func (f *LiveFeed) writePump(c *liveClient) {
	ticker := time.NewTicker(livePingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				deadline := time.Now().Add(liveWriteWait)
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				f.remove(c.id)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.remove(c.id)
				return
			}
		}
	}
}

// readPump consumes control frames and notices disconnects.
func (f *LiveFeed) readPump(c *liveClient) {
	defer f.remove(c.id)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *LiveFeed) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *LiveFeed) removeLocked(id string) {
	if c, ok := f.clients[id]; ok {
		delete(f.clients, id)
		close(c.send)
	}
}
