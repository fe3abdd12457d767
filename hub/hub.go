// Package hub pushes device status updates to browser views over websockets.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ilievs/devsync/core"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

// Message is one update as views receive it.
type Message struct {
	DeviceID string            `json:"deviceId"`
	Status   core.DeviceStatus `json:"status"`
}

// SnapshotFunc returns the statuses a new view starts from.
type SnapshotFunc func() map[string]core.DeviceStatus

type Hub struct {
	upgrader websocket.Upgrader
	snapshot SnapshotFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func New(snapshot SnapshotFunc, logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams updates until the view goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	if h.snapshot != nil {
		for id, status := range h.snapshot() {
			if b, err := json.Marshal(Message{DeviceID: id, Status: status}); err == nil {
				h.mu.Lock()
				h.enqueue(c, b)
				h.mu.Unlock()
			}
		}
	}

	h.readLoop(c)
}

// readLoop only watches for the view closing the connection.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Broadcast queues an update for every connected view. Views that fall too
// far behind are dropped.
func (h *Hub) Broadcast(deviceID string, status core.DeviceStatus) {
	b, err := json.Marshal(Message{DeviceID: deviceID, Status: status})
	if err != nil {
		h.logger.Error().Err(err).Str("device", deviceID).Msg("failed to encode update")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueue(c, b)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *client, b []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
		h.logger.Warn().Msg("dropping slow view")
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every view.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
