package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"plugboard/registry"
	"plugboard/types"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 90 * time.Second
)

const (
	envelopeSnapshot      = "snapshot"
	envelopeDevice        = "device"
	envelopePassFailed    = "pass_failed"
	envelopeCommandFailed = "command_failed"
)

// wsEnvelope is the one message shape panels receive. A snapshot carries
// the whole registry; a device envelope carries one changed row; the two
// failure types are transient notices, never registry state.
type wsEnvelope struct {
	Type          string       `json:"type"`
	Event         string       `json:"event,omitempty"`
	Address       string       `json:"address,omitempty"`
	Device        *deviceJson  `json:"device,omitempty"`
	Devices       []deviceJson `json:"devices,omitempty"`
	Error         string       `json:"error,omitempty"`
	CorrelationId string       `json:"correlationId,omitempty"`
	Timestamp     string       `json:"ts"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// LAN-scoped service; the panel is served from this same listener.
		return true
	},
}

// Hub fans change events out to every connected panel. It satisfies the
// monitor's device and trouble sink contracts.
type Hub struct {
	store       *registry.Store
	logger      *zap.Logger
	showAddress bool

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(store *registry.Store, showAddress bool, logger *zap.Logger) *Hub {
	return &Hub{
		store:       store,
		logger:      logger,
		showAddress: showAddress,
		clients:     map[*client]struct{}{},
	}
}

func (h *Hub) DeviceChanged(event types.ChangeEvent) {
	var row = renderDevice(event.Device, h.showAddress)
	h.broadcast(wsEnvelope{
		Type:          envelopeDevice,
		Event:         string(event.Kind),
		Address:       row.Address,
		Device:        &row,
		CorrelationId: event.CorrelationId,
	})
}

func (h *Hub) PassFailed(correlationId string, err error) {
	h.broadcast(wsEnvelope{
		Type:          envelopePassFailed,
		Error:         err.Error(),
		CorrelationId: correlationId,
	})
}

func (h *Hub) CommandFailed(correlationId string, addr types.Address, err error) {
	h.broadcast(wsEnvelope{
		Type:          envelopeCommandFailed,
		Address:       addr.String(),
		Error:         err.Error(),
		CorrelationId: correlationId,
	})
}

func (h *Hub) broadcast(envelope wsEnvelope) {
	data, err := stamped(envelope)
	if err != nil {
		h.logger.Error("could not marshal websocket envelope", zap.Error(err))
		return
	}

	h.mu.Lock()
	var clients = make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.trySend(data)
	}
}

// ServeWs upgrades one panel connection. The client is sent a full
// snapshot immediately; any event racing the connect is superseded by it.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	var c = &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register(c)

	if data, err := stamped(wsEnvelope{
		Type:    envelopeSnapshot,
		Devices: renderSnapshot(h.store.Snapshot(), h.showAddress),
	}); err == nil {
		c.trySend(data)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	var count = len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("panel connected", zap.Int("clients", count))
}

// unregister removes the client; only the goroutine that removes it from
// the map closes the send channel.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	var count = len(h.clients)
	h.mu.Unlock()
	if present {
		close(c.send)
	}
	h.logger.Debug("panel disconnected", zap.Int("clients", count))
}

// Close disconnects every panel, for shutdown. Websocket connections are
// hijacked, so http.Server.Shutdown never closes them itself.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

func stamped(envelope wsEnvelope) ([]byte, error) {
	envelope.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(envelope)
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// trySend drops the message when the client's buffer is full or its
// channel has already been closed; a slow panel never blocks a broadcast.
func (c *client) trySend(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
	}
}

// readPump drains the connection; panels never send, so reads only
// surface pongs and closure.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	var ticker = time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
