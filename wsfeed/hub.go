// Package wsfeed streams scheduler events to WebSocket clients.
package wsfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/gorilla/websocket"

	"github.com/azargarov/jobsched"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// Message is the JSON frame sent to clients. Snapshot frames carry the
// scheduler status; event frames carry one scheduler event.
type Message struct {
	Kind   string                    `json:"kind"`
	Event  *jobsched.Event           `json:"event,omitempty"`
	Status *jobsched.SchedulerStatus `json:"status,omitempty"`
}

// StatusFunc supplies the snapshot sent to a client when it connects.
type StatusFunc func() jobsched.SchedulerStatus

type client struct {
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub manages WebSocket connections and fans scheduler events out to
// them. A client that cannot keep up is disconnected.
type Hub struct {
	ctx      context.Context
	status   StatusFunc
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. ctx carries the logger. status may be nil.
func NewHub(ctx context.Context, status StatusFunc) *Hub {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Hub{
		ctx:     ctx,
		status:  status,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish is a jobsched.Listener.
func (h *Hub) Publish(ev jobsched.Event) {
	msg := Message{Kind: "event", Event: &ev}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			c.close()
			lg.FromContext(h.ctx).Warn("websocket client too slow; dropped",
				lg.String("remote", c.conn.RemoteAddr().String()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := lg.FromContext(h.ctx)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", lg.Any("error", err))
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	if h.status != nil {
		st := h.status()
		c.send <- Message{Kind: "snapshot", Status: &st}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Info("websocket client connected", lg.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			lg.FromContext(h.ctx).Warn("websocket write failed", lg.Any("error", err))
			h.remove(c)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok {
		lg.FromContext(h.ctx).Info("websocket client disconnected", lg.Int("clients", n))
	}
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	cs := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range cs {
		c.close()
	}
}
