package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	sendBuffer = 256
	// maxDropped consecutive full-buffer drops evict a client.
	maxDropped   = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Client is one stream subscriber.
type Client struct {
	conn    *websocket.Conn
	subject string
	filter  filter
	send    chan Message
	logger  *zap.Logger

	dropped int // guarded by Hub.mu
	evicted atomic.Bool
}

// Hub fans stream messages out to clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	seq     uint64
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected",
		zap.String("subject", c.subject),
		zap.String("device_id", c.filter.device),
		zap.Int("clients", n))
}

// Unregister removes a client and closes its send channel. It is a no-op
// for a client that was already removed or evicted.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := h.remove(c)
	h.mu.Unlock()
	if removed {
		h.logger.Debug("stream client disconnected", zap.String("subject", c.subject))
	}
}

// remove deletes c and closes its channel. Caller holds h.mu.
func (h *Hub) remove(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// Broadcast stamps msg with the next sequence number and queues it for every
// matching client without blocking. A client that keeps its buffer full for
// maxDropped messages in a row is evicted. Returns the assigned sequence.
func (h *Hub) Broadcast(msg Message) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	msg.Seq = h.seq
	for c := range h.clients {
		if !c.filter.match(msg) {
			continue
		}
		select {
		case c.send <- msg:
			c.dropped = 0
		default:
			c.dropped++
			if c.dropped < maxDropped {
				continue
			}
			c.evicted.Store(true)
			h.remove(c)
			h.logger.Warn("evicting slow stream client",
				zap.String("subject", c.subject),
				zap.Uint64("seq", msg.Seq))
		}
	}
	return msg.Seq
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// writePump drains the send channel to the connection and pings on idle.
// It returns when ctx ends, the channel is closed or a write fails.
func (c *Client) writePump(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug("stream ping failed", zap.String("subject", c.subject), zap.Error(err))
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("stream write failed", zap.String("subject", c.subject), zap.Error(err))
				return
			}
		}
	}
}

// readPump blocks until the peer disconnects. Reading is also what
// delivers pong frames to Ping.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
