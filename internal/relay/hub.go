// Package relay implements the development push server: per-namespace
// WebSocket fan-out, the device lifecycle service behind the REST
// collaborator endpoints, and telemetry relaying.
//
// ==============================================================================
// RELAY HUB - internal/relay/hub.go
// ==============================================================================
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fleetsync/internal/transport"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Envelope is one event addressed to the subscribers of a vessel.
type Envelope struct {
	ID        string          `json:"id"`
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	VesselID  string          `json:"vesselId"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope encodes payload into an Envelope with a fresh ID.
func NewEnvelope(ns domain.Namespace, event, vesselID string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.NewString(),
		Namespace: ns.Name,
		Event:     event,
		VesselID:  vesselID,
		Data:      data,
	}, nil
}

type client struct {
	id   string
	ns   domain.Namespace
	conn *websocket.Conn
	send chan []byte
	subs map[string]struct{}
	once sync.Once
}

// Hub tracks the WebSocket clients of every namespace and their vessel
// subscriptions.
type Hub struct {
	logger       logger.Logger
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader
	broadcastAll bool

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. With broadcastAll every event reaches every client
// of its namespace regardless of subscriptions.
func NewHub(log logger.Logger, m *metrics.Metrics, broadcastAll bool) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		logger:  log.With(map[string]interface{}{"component": "relay_hub"}),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for the dev relay
			},
		},
		broadcastAll: broadcastAll,
		clients:      make(map[string]map[*client]struct{}),
	}
}

// ServeNamespace upgrades requests to push connections for ns.
func (h *Hub) ServeNamespace(ns domain.Namespace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:   uuid.NewString(),
			ns:   ns,
			conn: conn,
			send: make(chan []byte, sendBuffer),
			subs: make(map[string]struct{}),
		}
		if !h.register(c) {
			_ = conn.Close()
			return
		}

		h.logger.Info("WebSocket client connected", map[string]interface{}{
			"namespace": ns.Name,
			"client_id": c.id,
		})

		go h.writePump(c)
		h.readPump(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.ns.Name]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.ns.Name] = set
	}
	set[c] = struct{}{}
	h.metrics.RelayClients(c.ns.Name, len(set))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.ns.Name]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			h.metrics.RelayClients(c.ns.Name, len(set))
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.logger.Info("WebSocket client disconnected", map[string]interface{}{
			"namespace": c.ns.Name,
			"client_id": c.id,
		})
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Debug("Discarding malformed client frame", map[string]interface{}{"client_id": c.id})
			continue
		}
		h.handleCommand(c, f)
	}
}

func (h *Hub) handleCommand(c *client, f transport.Frame) {
	var subscribe bool
	switch f.Event {
	case c.ns.SubscribeEvent:
		subscribe = true
	case c.ns.UnsubscribeEvent:
	default:
		h.logger.Debug("Ignoring client event", map[string]interface{}{
			"namespace": c.ns.Name,
			"event":     f.Event,
		})
		return
	}

	var cmd domain.SubscriptionCommand
	if err := json.Unmarshal(f.Data, &cmd); err != nil || cmd.VesselID == "" {
		h.logger.Debug("Discarding invalid subscription command", map[string]interface{}{
			"namespace": c.ns.Name,
			"event":     f.Event,
		})
		return
	}

	h.mu.Lock()
	if subscribe {
		c.subs[cmd.VesselID] = struct{}{}
	} else {
		delete(c.subs, cmd.VesselID)
	}
	h.mu.Unlock()

	h.logger.Debug("Subscription updated", map[string]interface{}{
		"namespace": c.ns.Name,
		"client_id": c.id,
		"vessel_id": cmd.VesselID,
		"subscribe": subscribe,
	})
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Deliver fans env out to the local clients of its namespace. Clients whose
// send buffer is full are disconnected.
func (h *Hub) Deliver(env Envelope) {
	msg, err := json.Marshal(transport.Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		h.logger.Error("Failed to encode frame", map[string]interface{}{"error": err.Error()})
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients[env.Namespace] {
		if !h.broadcastAll {
			if _, ok := c.subs[env.VesselID]; !ok {
				continue
			}
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow client", map[string]interface{}{
			"namespace": c.ns.Name,
			"client_id": c.id,
		})
		h.unregister(c)
	}
	h.metrics.RelayPublished(env.Namespace, env.Event)
}

// Clients returns the number of connected clients in namespace.
func (h *Hub) Clients(namespace string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[namespace])
}

// Subscribers returns how many clients of namespace subscribed to vesselID.
func (h *Hub) Subscribers(namespace, vesselID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients[namespace] {
		if _, ok := c.subs[vesselID]; ok {
			n++
		}
	}
	return n
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.unregister(c)
	}
}
