package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/pulselink/internal/ble"
)

// WebSocket message types.
const (
	WSTypeFrame  = "frame"
	WSTypeState  = "state"
	WSTypeDevice = "device"

	wsSendBufferSize = 64
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

// WSMessage is one server-to-client message.
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// WSFrame is the payload of a frame message.
type WSFrame struct {
	Channel ble.ChannelID `json:"channel"`
	Payload string        `json:"payload"` // hex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub fans frames and states out to connected WebSocket clients.
type Hub struct {
	log     *slog.Logger
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	closed  bool
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*WSClient]struct{})}
}

// Run broadcasts frames and states until ctx is done or both inputs close,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context, frames <-chan ble.Message, states <-chan ble.State) {
	defer h.closeAll()
	for frames != nil || states != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			h.Broadcast(WSTypeFrame, WSFrame{Channel: msg.Channel, Payload: hex.EncodeToString(msg.Payload)})
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			h.Broadcast(WSTypeState, st)
		}
	}
}

// RunDevices broadcasts scan discoveries until ctx is done or devices closes.
func (h *Hub) RunDevices(ctx context.Context, devices <-chan ble.DeviceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-devices:
			if !ok {
				return
			}
			h.Broadcast(WSTypeDevice, ev)
		}
	}
}

func encodeMessage(kind string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// Broadcast sends a message to every client. Slow clients drop messages
// rather than block the hub.
func (h *Hub) Broadcast(kind string, payload any) {
	data, err := encodeMessage(kind, payload)
	if err != nil {
		h.log.Error("[API] encoding websocket message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds c. It reports false once the hub has shut down.
func (h *Hub) register(c *WSClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("[API] websocket client connected", "client", c.id, "clients", n)
	return true
}

// unregister removes c. Only the caller that removes the client closes its
// send channel.
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
		h.log.Debug("[API] websocket client disconnected", "client", c.id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// trySend must be called with the hub lock held so send is not closed
// underneath it.
func (c *WSClient) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.log.Debug("[API] websocket client slow, message dropped", "client", c.id)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("[API] websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	// New clients start with the current state.
	if data, err := encodeMessage(WSTypeState, s.ctrl.Snapshot()); err == nil {
		c.send <- data
	}
	if !s.hub.register(c) {
		//nolint:errcheck // best-effort close message
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and watches for the close.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	//nolint:errcheck // best-effort deadline
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("[API] websocket read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			//nolint:errcheck // best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				//nolint:errcheck // best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
