package gwws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/brwsrgw/browser-control-gateway/internal/audit"
	"github.com/brwsrgw/browser-control-gateway/internal/auth"
	"github.com/brwsrgw/browser-control-gateway/internal/clienthub"
	"github.com/brwsrgw/browser-control-gateway/internal/exthub"
	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
)

// Config holds tunable parameters for the Gateway WS Front End, adapted
// from the teacher's ServerConfig/DefaultServerConfig
// (internal/ws/server.go).
type Config struct {
	WorkerPoolSize  int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxFrameSize    int64
	RequireAuth     bool
	OriginWhitelist []string // prefix match; empty means no restriction
	AllowNullOrigin bool
	ServerVersion   string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ChallengeTimeout  time.Duration

	SessionExpiringWindow time.Duration // warn this long before expiry
	SessionExpiredGrace   time.Duration // grace period before closing an expired session
}

// DefaultConfig returns the spec's literal defaults (SPEC_FULL.md §3).
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:        256,
		MaxConnections:        10000,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		MaxFrameSize:          1 << 20,
		RequireAuth:           true,
		AllowNullOrigin:       false,
		ServerVersion:         "1.0.0",
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		ChallengeTimeout:      10 * time.Second,
		SessionExpiringWindow: 5 * time.Minute,
		SessionExpiredGrace:   5 * time.Second,
	}
}

// Server is the WS front end: accepts connections, runs the auth
// handshake, and dispatches admitted connections by role, adapted from
// the teacher's internal/ws.Server.
type Server struct {
	config Config
	epoll  *Epoll
	conns  *ConnectionManager

	authMgr   *auth.Manager
	limiter   *ratelimit.Limiter
	extHub    *exthub.Hub
	clientHub *clienthub.Hub
	auditSink *audit.Sink
	clock     gwclock.Clock

	workerPool chan struct{}
	done       chan struct{}
	draining   atomic.Bool
	startedAt  time.Time

	// OnAutomationRequest handles a parsed automation request once the
	// WS front end has done connection-level bookkeeping (activity
	// touch) and the global/sensitive rate-limit checks. Business
	// processing (dedup, admission, dispatch to the Correlator) lives
	// outside this package.
	OnAutomationRequest func(conn *Connection, req protocol.AutomationRequest)

	// OnExtensionMessage handles a parsed extension-origin message
	// (tab_html_chunk, *_complete, error, data) once this package has
	// unwrapped the wire envelope.
	OnExtensionMessage func(conn *Connection, msgType string, msg interface{}, requestID string)
}

// New creates a Server. authMgr, limiter, extHub, clientHub and auditSink
// must be non-nil; the caller wires OnAutomationRequest and
// OnExtensionMessage afterward.
func New(config Config, authMgr *auth.Manager, limiter *ratelimit.Limiter, extHub *exthub.Hub, clientHub *clienthub.Hub, auditSink *audit.Sink, clock gwclock.Clock) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		authMgr:   authMgr,
		limiter:   limiter,
		extHub:    extHub,
		clientHub: clientHub,
		auditSink: auditSink,
		clock:     clock,

		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes epoll and launches the event loop and heartbeat
// monitor in the background. It does not own an http.Server; the caller
// mounts HandleUpgrade on its own mux (spec.md §6's single mirrored
// HTTP surface).
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("gwws: failed to create epoll: %w", err)
	}
	s.startedAt = s.clock.Now()

	go s.startEventLoop()
	StartHeartbeat(s)

	log.Printf("gwws: front end ready (workers=%d, max_conns=%d)", s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// Connections exposes the connection registry for /api/status and the
// Resource Monitor.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// checkOrigin applies the origin whitelist (spec.md §4.1 step 1).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return s.config.AllowNullOrigin
	}
	if len(s.config.OriginWhitelist) == 0 {
		return true
	}
	for _, allowed := range s.config.OriginWhitelist {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleUpgrade implements spec.md §4.1 steps 1-3: origin check, lockout
// check, and issuing the auth challenge (or immediate admission if auth
// is disabled). Role assignment and hub registration happen later, once
// the handshake resolves in handleAuthResponse.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !s.checkOrigin(r) {
		s.recordAudit("auth_failure", "", "", r.RemoteAddr, "", "", "origin rejected")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	remoteIP := remoteIPFromAddr(r.RemoteAddr)
	if locked, retryAfter := s.authMgr.IsLockedOut(remoteIP); locked {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err == nil {
			closeWithReason(conn, 1008, fmt.Sprintf("locked out, retry after %ds", int(retryAfter.Seconds())))
		}
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gwws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(netConn)
	connID := gwclock.NewID()
	roleHint := gwtypes.RoleExtension
	if r.URL.Query().Get("role") == string(gwtypes.RoleAutomation) {
		roleHint = gwtypes.RoleAutomation
	}

	c := &Connection{
		ID:           connID,
		Conn:         netConn,
		Fd:           fd,
		RemoteAddr:   remoteIP,
		Role:         roleHint,
		CreatedAt:    s.clock.Now(),
		LastActivity: s.clock.Now(),
	}
	s.conns.Add(c)
	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("gwws: epoll add failed for %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	if !s.config.RequireAuth {
		s.admit(c, "", nil)
		return
	}

	challenge, err := s.authMgr.IssueChallenge(connID)
	if err != nil {
		log.Printf("gwws: failed to issue challenge for %s: %v", connID, err)
		s.RemoveConnection(c)
		return
	}
	c.Challenge = challenge

	msg, err := protocol.NewMessage(protocol.TypeAuthChallenge, protocol.AuthChallengeMsg{
		Challenge:     challenge.Token,
		Timestamp:     s.clock.Now().Unix(),
		ServerVersion: s.config.ServerVersion,
	})
	if err != nil || c.Send(msg) != nil {
		log.Printf("gwws: failed to send auth_challenge to %s", connID)
		s.RemoveConnection(c)
	}
}

// handleAuthResponse completes the handshake for a pre-auth connection
// (spec.md §4.2).
func (s *Server) handleAuthResponse(c *Connection, resp protocol.AuthResponseMsg) {
	permissions := defaultPermissions(c.Role)
	session, err := s.authMgr.VerifyAndCreateSession(c.Challenge.Token, resp.Response, c.ID, c.RemoteAddr, c.Role, permissions)
	if err != nil {
		s.recordAudit("auth_failure", c.ID, "", c.RemoteAddr, "", "", err.Error())
		result, _ := protocol.NewMessage(protocol.TypeAuthResult, protocol.AuthResultMsg{
			Success: false,
			Error:   err.Error(),
		})
		if result != nil {
			_ = c.Send(result)
		}
		s.RemoveConnection(c)
		return
	}

	s.admit(c, session.ID, session)
}

// admit finalizes admission: registers c with the role-appropriate hub
// (with the extension capacity check) and sends auth_result (spec.md
// §4.1 step 4, §4.2).
func (s *Server) admit(c *Connection, sessionID string, session *gwtypes.Session) {
	if c.Role == gwtypes.RoleExtension {
		if !s.extHub.Add(c.ID, c.RemoteAddr, sessionID, c, c.CreatedAt) {
			result, _ := protocol.NewMessage(protocol.TypeAuthResult, protocol.AuthResultMsg{
				Success: false,
				Error:   "extension connection limit reached",
			})
			if result != nil {
				_ = c.Send(result)
			}
			closeWithReason(c.Conn, 1013, "extension connection limit reached")
			s.RemoveConnection(c)
			return
		}
	} else {
		s.clientHub.Add(c.ID, c.RemoteAddr, sessionID, c, c.CreatedAt)
	}

	c.SessionID = sessionID
	c.Challenge = nil
	s.recordAudit("auth_success", c.ID, sessionID, c.RemoteAddr, "", "", "")

	var expiresIn int
	var perms []string
	if session != nil {
		expiresIn = int(session.ExpiresAt.Sub(s.clock.Now()).Seconds())
		perms = session.Permissions
	}
	result, err := protocol.NewMessage(protocol.TypeAuthResult, protocol.AuthResultMsg{
		Success:     true,
		SessionID:   sessionID,
		ExpiresIn:   expiresIn,
		Permissions: perms,
	})
	if err == nil {
		_ = c.Send(result)
	}
}

func (s *Server) recordAudit(kind, connID, sessionID, remoteIP, action, requestID, detail string) {
	if s.auditSink == nil {
		return
	}
	s.auditSink.Record(gwtypes.AuditRecord{
		Kind:      kind,
		ConnID:    connID,
		SessionID: sessionID,
		RemoteIP:  remoteIP,
		Action:    gwtypes.Action(action),
		RequestID: requestID,
		Detail:    detail,
	})
}

func defaultPermissions(role gwtypes.Role) []string {
	if role == gwtypes.RoleExtension {
		return []string{"extension"}
	}
	return []string{"automation"}
}

// startEventLoop runs the epoll wait loop, dispatching ready connections
// to a bounded worker pool, exactly as the teacher's startEventLoop does.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("gwws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection and routes it.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		} else if header.OpCode == ws.OpPong {
			now := s.clock.Now()
			c.LastPong = now
			if c.Role == gwtypes.RoleExtension {
				s.extHub.TouchPong(c.ID, now)
			} else if c.SessionID != "" {
				s.clientHub.TouchPong(c.ID, now)
			}
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		_, _ = io.Copy(io.Discard, reader)
		log.Printf("gwws: frame too large from %s: %d bytes", c.ID, header.Length)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	now := s.clock.Now()
	touchActivity(c, now)
	if c.Role == gwtypes.RoleExtension {
		s.extHub.Touch(c.ID, now)
	} else if c.SessionID != "" {
		s.clientHub.Touch(c.ID, now)
	}

	s.dispatch(c, data)
}

// RemoveConnection tears a connection down from epoll, the connection
// registry, and whichever hub it was admitted to.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	if c.SessionID != "" {
		if c.Role == gwtypes.RoleExtension {
			s.extHub.Remove(c.ID)
		} else {
			s.clientHub.Remove(c.ID)
		}
	}
	log.Printf("gwws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Shutdown drains connections and stops the event loop, mirroring the
// teacher's phased Shutdown (internal/ws/server.go).
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("gwws: initiating graceful shutdown...")
	s.draining.Store(true)

	deadline, hasDeadline := ctx.Deadline()
	drainDeadline := 30 * time.Second
	if hasDeadline {
		drainDeadline = time.Until(deadline)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	drainTimer := time.NewTimer(drainDeadline)
	defer drainTimer.Stop()

drainLoop:
	for {
		select {
		case <-drainTimer.C:
			break drainLoop
		case <-ticker.C:
			if s.conns.Count() == 0 {
				break drainLoop
			}
		}
	}

	close(s.done)
	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		closeWithReason(c.Conn, ws.StatusNormalClosure, "Server shutting down")
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	log.Printf("gwws: front end stopped")
	return nil
}

func closeWithReason(conn net.Conn, code ws.StatusCode, reason string) {
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	_ = conn.Close()
}

func remoteIPFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
