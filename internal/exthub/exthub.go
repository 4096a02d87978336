// Package exthub implements the Extension Hub: the registry of admitted
// browser-extension WebSocket connections and deterministic round-robin
// command dispatch across them (spec.md §4.6).
package exthub

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNoExtensions is returned by SendToExtensions when no admitted
// extension connection accepted the envelope.
var ErrNoExtensions = errors.New("exthub: no active browser extension connections")

// Sender is the narrow interface a Gateway WS Front End connection must
// satisfy to be admitted into the hub. Decoupling from a concrete
// connection type lets this package stay independent of internal/gwws.
type Sender interface {
	// Send writes data as a single WS text frame. A non-nil error means
	// the connection is no longer usable and should be dropped.
	Send(data []byte) error
}

// Connection is one admitted extension connection's metadata plus its
// send handle.
type Connection struct {
	ID           string
	RemoteAddr   string
	SessionID    string
	CreatedAt    time.Time
	LastActivity time.Time
	LastPong     time.Time
	MsgCount     int64

	sender Sender
}

// Hub is a thread-safe registry of admitted extension connections with
// round-robin dispatch, mirroring the teacher's ConnectionManager shape
// (internal/ws/connection.go) generalized from a flat broadcast target to
// an ordered dispatch ring.
type Hub struct {
	mu      sync.RWMutex
	byID    map[string]*Connection
	order   []string // insertion order, used as the round-robin ring
	nextIdx int

	maxClients int
}

// NewHub creates an empty Hub admitting at most maxClients extensions at
// once (spec.md §5's maxClients, default 4).
func NewHub(maxClients int) *Hub {
	return &Hub{
		byID:       make(map[string]*Connection),
		maxClients: maxClients,
	}
}

// Count returns the number of currently admitted extension connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// AtCapacity reports whether the hub has reached maxClients, used by the
// Gateway WS Front End's admission check (spec.md §4.1 step 4).
func (h *Hub) AtCapacity() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID) >= h.maxClients
}

// Add admits a new extension connection, rejecting it if the hub is
// already at capacity.
func (h *Hub) Add(id, remoteAddr, sessionID string, sender Sender, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.byID) >= h.maxClients {
		return false
	}
	h.byID[id] = &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActivity: now,
		sender:       sender,
	}
	h.order = append(h.order, id)
	return true
}

// Remove drops a connection from the hub, e.g. on socket close or
// heartbeat timeout (spec.md §4.1). Returns whether it was present.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byID[id]; !ok {
		return false
	}
	delete(h.byID, id)
	for i, existing := range h.order {
		if existing == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	if h.nextIdx >= len(h.order) {
		h.nextIdx = 0
	}
	return true
}

// Get returns the connection metadata for id, if admitted.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[id]
	return c, ok
}

// Touch refreshes last-activity for id, called whenever any message is
// received from it (spec.md §4.1).
func (h *Hub) Touch(id string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.byID[id]; ok {
		c.LastActivity = now
		c.MsgCount++
	}
}

// TouchPong refreshes last-pong for id, called on receipt of a WS pong
// frame (spec.md §4.1).
func (h *Hub) TouchPong(id string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.byID[id]; ok {
		c.LastPong = now
	}
}

// SendToExtensions implements deterministic round-robin dispatch
// (spec.md §4.6): starting from a rolling index, it attempts a send to
// each admitted connection in turn, returning on the first success and
// advancing the index past that slot. Connections whose Send fails are
// skipped for this attempt but left registered — the heartbeat sweep,
// not this method, is responsible for evicting a dead connection.
func (h *Hub) SendToExtensions(envelope []byte) error {
	h.mu.Lock()
	if len(h.order) == 0 {
		h.mu.Unlock()
		return ErrNoExtensions
	}
	ring := make([]string, len(h.order))
	copy(ring, h.order)
	start := h.nextIdx % len(ring)
	h.mu.Unlock()

	for i := 0; i < len(ring); i++ {
		idx := (start + i) % len(ring)
		id := ring[idx]

		h.mu.RLock()
		conn, ok := h.byID[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		if err := conn.sender.Send(envelope); err != nil {
			log.Printf("exthub: send to %s failed, trying next: %v", id, err)
			continue
		}

		h.mu.Lock()
		for pos, existing := range h.order {
			if existing == id {
				h.nextIdx = (pos + 1) % len(h.order)
				break
			}
		}
		h.mu.Unlock()
		return nil
	}

	return ErrNoExtensions
}

// All returns a snapshot of admitted connections, used by the heartbeat
// sweep and /api/status.
func (h *Hub) All() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.byID))
	for _, id := range h.order {
		conns = append(conns, h.byID[id])
	}
	return conns
}
