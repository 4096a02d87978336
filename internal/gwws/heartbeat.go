package gwws

import (
	"log"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
)

// StartHeartbeat begins a background goroutine that periodically pings
// every admitted connection, closes stale ones, and runs session-expiry
// surveillance on the same tick (spec.md §4.1).
func StartHeartbeat(s *Server) {
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections()
			}
		}
	}()
}

// checkConnections evicts connections that have gone stale and pings the
// rest, then runs session-expiry surveillance (spec.md §4.1).
func (s *Server) checkConnections() {
	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout
	now := s.clock.Now()

	for _, c := range s.conns.All() {
		lastSeen := c.LastActivity
		if c.LastPong.After(lastSeen) {
			lastSeen = c.LastPong
		}
		if now.Sub(lastSeen) > deadline {
			log.Printf("gwws: heartbeat timeout id=%s last_seen=%s ago", c.ID, now.Sub(lastSeen).Round(time.Second))
			closeWithReason(c.Conn, 1001, "Heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("gwws: heartbeat ping failed id=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			continue
		}

		s.checkSessionExpiry(c, now)
	}
}

// checkSessionExpiry implements spec.md §4.1's session-expiry
// surveillance: an expired session gets session_expired and a grace
// period before closing; a soon-to-expire session gets a single
// session_expiring warning.
func (s *Server) checkSessionExpiry(c *Connection, now time.Time) {
	if c.SessionID == "" {
		return
	}
	session, err := s.authMgr.GetSession(c.SessionID)
	if err != nil {
		return
	}

	if session.Expired(now) {
		msg, merr := protocol.NewMessage(protocol.TypeSessionExpired, protocol.SessionExpiredMsg{})
		if merr == nil {
			_ = c.Send(msg)
		}
		go func(conn *Connection) {
			time.Sleep(s.config.SessionExpiredGrace)
			s.RemoveConnection(conn)
		}(c)
		return
	}

	remaining := session.ExpiresAt.Sub(now)
	if remaining > 0 && remaining <= s.config.SessionExpiringWindow && !c.SessionWarningSent {
		msg, merr := protocol.NewMessage(protocol.TypeSessionExpiring, protocol.SessionExpiringMsg{
			ExpiresIn: int(remaining.Seconds()),
		})
		if merr == nil {
			_ = c.Send(msg)
		}
		c.SessionWarningSent = true
	}
}
