// Package clienthub implements the Client Hub: the registry of admitted
// automation WebSocket connections and their per-connection event
// subscriptions (spec.md §4.7).
package clienthub

import (
	"sync"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
)

// Sender is the narrow interface a Gateway WS Front End connection must
// satisfy to be admitted into the hub, mirroring internal/exthub's
// decoupling from the concrete connection type.
type Sender interface {
	Send(data []byte) error
}

// Connection is one admitted automation connection's metadata, send
// handle, and subscribed event set.
type Connection struct {
	ID           string
	RemoteAddr   string
	SessionID    string
	CreatedAt    time.Time
	LastActivity time.Time
	LastPong     time.Time
	MsgCount     int64

	mu     sync.Mutex
	events map[string]bool
	sender Sender
}

// Hub is a thread-safe registry of admitted automation connections.
// Unlike the Extension Hub, automation connections are not bounded by a
// maxClients setting and are never dispatch targets; they are only ever
// pushed to.
type Hub struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{byID: make(map[string]*Connection)}
}

// Add admits a new automation connection.
func (h *Hub) Add(id, remoteAddr, sessionID string, sender Sender, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[id] = &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActivity: now,
		events:       make(map[string]bool),
		sender:       sender,
	}
}

// Remove drops a connection from the hub. Returns whether it was present.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[id]; !ok {
		return false
	}
	delete(h.byID, id)
	return true
}

// Get returns the connection metadata for id, if admitted.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[id]
	return c, ok
}

// Count returns the number of admitted automation connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Touch refreshes last-activity for id.
func (h *Hub) Touch(id string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.byID[id]; ok {
		c.LastActivity = now
		c.MsgCount++
	}
}

// TouchPong refreshes last-pong for id.
func (h *Hub) TouchPong(id string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.byID[id]; ok {
		c.LastPong = now
	}
}

// Subscribe adds names to conn's subscribed event set, silently ignoring
// any name outside the fixed set gwtypes.EventNames defines (spec.md
// §4.7).
func (c *Connection) Subscribe(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if gwtypes.EventNames[name] {
			c.events[name] = true
		}
	}
}

// Unsubscribe removes names from conn's subscribed event set.
func (c *Connection) Unsubscribe(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		delete(c.events, name)
	}
}

// subscribed reports whether conn is currently subscribed to name.
func (c *Connection) subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[name]
}

// Subscriptions returns a snapshot of conn's subscribed event names.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for name := range c.events {
		names = append(names, name)
	}
	return names
}

// Publish pushes {type: event, event, data} (protocol.EventMsg) to every
// admitted automation connection subscribed to eventName (spec.md §4.7).
// callback_result is delivered separately by the Correlator's direct-WS
// push path, not through this fan-out.
func (h *Hub) Publish(eventName string, data interface{}) {
	payload, err := protocol.NewMessage(protocol.TypeEvent, protocol.EventMsg{
		Type:  protocol.TypeEvent,
		Event: eventName,
		Data:  data,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.byID))
	for _, conn := range h.byID {
		if conn.subscribed(eventName) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.sender.Send(payload)
	}
}

// All returns a snapshot of admitted connections.
func (h *Hub) All() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.byID))
	for _, c := range h.byID {
		conns = append(conns, c)
	}
	return conns
}
