// ABOUTME: WebSocket observers of per-tenant session changes
// ABOUTME: Each connection gets a broadcaster subscription plus read and write pumps

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4 * 1024            // observers only send control frames
)

// Hub upgrades HTTP requests to websocket observers and tracks them.
type Hub struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates a hub fed by broadcaster. checkOrigin may be nil to accept any origin.
func NewHub(broadcaster *Broadcaster, checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger.With("component", "ws-hub"),
		clients: make(map[*Client]struct{}),
	}
}

// Client is one websocket observer.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	observer Observer
	changes  <-chan Change
	ctx      context.Context
	cancel   context.CancelFunc
}

// Done is closed once the observer has gone away.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ServeWS upgrades the request and streams the changes obs may see until
// either side closes. It returns once the pumps are started.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, obs Observer) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading connection: %w", err)
	}

	// the request context ends when the handler returns, so the subscription
	// gets its own lifetime tied to the read pump
	ctx, cancel := context.WithCancel(context.Background())
	changes, _ := h.broadcaster.Subscribe(ctx, obs.TenantID)

	c := &Client{
		hub:      h,
		conn:     conn,
		observer: obs,
		changes:  changes,
		ctx:      ctx,
		cancel:   cancel,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("observer connected", "tenant_id", obs.TenantID, "user_id", obs.UserID, "remote", r.RemoteAddr)

	go c.WritePump()
	go c.ReadPump()
	return c, nil
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		c.conn.Close()
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.logger.Info("observer disconnected", "tenant_id", c.observer.TenantID)
	}
}

// ReadPump drains inbound frames so pongs and close frames are processed.
// Observers have nothing to say; any data frame is ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "tenant_id", c.observer.TenantID, "error", err)
			}
			return
		}
	}
}

// WritePump forwards the changes the observer may see and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case change, ok := <-c.changes:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !c.observer.Sees(change) {
				continue
			}

			data, err := json.Marshal(change)
			if err != nil {
				c.hub.logger.Error("encoding change", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
