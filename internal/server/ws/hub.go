// Package ws exposes the MessageBus over WebSocket: a connection to
// /subscribe?topics=A,B becomes one bus sink subscribed to A and B.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketapi/internal/bus"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

var (
	errSlowClient   = errors.New("ws: client send buffer full")
	errClientClosed = errors.New("ws: client closed")
)

// subscribeMsg lets a connected client change its topics:
// {"action":"subscribe","topics":["EURUSD"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Hub upgrades subscriber connections and registers them with the bus.
type Hub struct {
	bus      *bus.MessageBus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a Hub. allowedOrigins restricts the Origin header on
// upgrade; an empty list allows every origin.
func NewHub(b *bus.MessageBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		bus:     b,
		logger:  logger.With(slog.String("component", "ws")),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleSubscribe upgrades the request and subscribes the connection to the
// comma-separated topics query parameter.
// GET /subscribe?topics=EURUSD,TSLA
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	topics := ParseTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		http.Error(w, `{"error":"topics query parameter required"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan string, sendBufferSize),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.bus.SubscribeTopics(topics, c)
	h.logger.Info("client connected",
		slog.Any("topics", topics),
		slog.Int("total_clients", total),
	)

	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}

// ParseTopics splits a comma-separated topic list, dropping blanks and
// duplicates.
func ParseTopics(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ----- client -----

// client is one WebSocket connection acting as a bus.Sink. Messages are
// queued in send and written by writePump in order.
type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan string
	closed bool
}

// Send queues msg for delivery. A full buffer drops the message rather than
// stalling the broadcaster.
func (c *client) Send(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSlowClient
	}
}

// close unsubscribes the client and stops its pumps. Safe to call more than
// once.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.hub.bus.UnsubscribeAll(c)
	c.hub.mu.Lock()
	delete(c.hub.clients, c)
	total := len(c.hub.clients)
	c.hub.mu.Unlock()
	c.hub.logger.Info("client disconnected", slog.Int("total_clients", total))
}

// readPump handles topic changes from the client and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil || len(msg.Topics) == 0 {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.hub.bus.SubscribeTopics(msg.Topics, c)
		case "unsubscribe":
			for _, t := range msg.Topics {
				c.hub.bus.Unsubscribe(t, c)
			}
		}
	}
}

// writePump writes queued messages as text frames and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
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

// Compile-time interface check.
var _ bus.Sink = (*client)(nil)
