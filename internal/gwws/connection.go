// Package gwws is the Gateway WS Front End: accepts WebSocket connections
// on gobwas/ws + epoll, runs the auth handshake, and dispatches admitted
// connections by role to the Extension Hub or Client Hub (spec.md §4.1).
package gwws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
)

// Connection represents a single WebSocket client connection, pre- or
// post-authentication. This is the gateway's sole owner of the socket
// (spec.md §3's Connection invariant): exthub/clienthub hold only
// metadata plus this type as their Sender, never a second handle to the
// same net.Conn.
type Connection struct {
	ID         string
	Conn       net.Conn
	Fd         int
	RemoteAddr string

	Role      gwtypes.Role
	SessionID string // empty until the auth handshake admits this connection

	// SessionWarningSent guards spec.md §4.1's single session_expiring
	// warning: set once checkSessionExpiry has sent it for this
	// connection's session, so later heartbeat ticks don't resend it.
	SessionWarningSent bool

	CreatedAt    time.Time
	LastActivity time.Time
	LastPong     time.Time
	MsgCount     int64

	// Challenge is set while this connection is in the pre-auth handshake
	// and cleared once it resolves (spec.md §4.2).
	Challenge *gwtypes.Challenge

	writeMu    sync.Mutex
	processing int32 // atomic: 0 idle, 1 being read by handleConn
}

// Send writes data as a single WebSocket text frame. Implements
// exthub.Sender and clienthub.Sender.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is the thread-safe registry of every live connection,
// pre- or post-auth, keyed by both ID and fd, mirroring the teacher's
// internal/ws/connection.go ConnectionManager.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byFd[c.Fd] = c
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closing the socket. Returns whether
// it was found.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, c.Fd)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByFd returns the connection for fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byFd[fd]
}

// GetByConn resolves a net.Conn to its Connection via its file descriptor.
func (cm *ConnectionManager) GetByConn(nc net.Conn) *Connection {
	return cm.GetByFd(socketFD(nc))
}

// Count returns the number of live connections (pre- and post-auth).
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every live connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	return conns
}

func touchActivity(c *Connection, now time.Time) {
	c.MsgCount++
	c.LastActivity = now
}
