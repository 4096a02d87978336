package gwws

import (
	"encoding/json"
	"log"

	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
)

// dispatch routes one raw WS frame from an admitted or pre-auth
// connection, mirroring the teacher's MessageDispatcher.Dispatch
// (internal/ws/dispatcher.go) but split by connection phase and role
// instead of a single flat handler table.
func (s *Server) dispatch(c *Connection, data []byte) {
	if c.SessionID == "" {
		s.dispatchPreAuth(c, data)
		return
	}
	if c.Role == gwtypes.RoleExtension {
		s.dispatchExtension(c, data)
		return
	}
	s.dispatchAutomation(c, data)
}

// dispatchPreAuth accepts only the auth_response message from a
// connection still in the handshake (spec.md §4.2).
func (s *Server) dispatchPreAuth(c *Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("gwws: pre-auth parse error id=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}
	if env.Type != protocol.TypeAuthResponse {
		log.Printf("gwws: unexpected pre-auth message type=%q id=%s", env.Type, c.ID)
		return
	}

	var resp protocol.AuthResponseMsg
	if err := json.Unmarshal(env.Raw, &resp); err != nil {
		log.Printf("gwws: failed to decode auth_response id=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}
	s.handleAuthResponse(c, resp)
}

// dispatchExtension handles a message from an admitted extension
// connection: ping, or a command result/error forwarded to
// OnExtensionMessage (spec.md §4.5).
func (s *Server) dispatchExtension(c *Connection, data []byte) {
	msgType, msg, requestID, err := protocol.ParseExtensionMessage(data)
	if err != nil {
		log.Printf("gwws: extension parse error id=%s: %v", c.ID, err)
		return
	}
	if msgType == protocol.TypePing {
		s.sendPong(c)
		return
	}
	if s.OnExtensionMessage != nil {
		s.OnExtensionMessage(c, msgType, msg, requestID)
	}
}

// dispatchAutomation handles a message from an admitted automation
// connection: ping, subscribe/unsubscribe (handled directly since it's
// pure connection housekeeping), or a command forwarded to
// OnAutomationRequest (spec.md §4.7, §6).
func (s *Server) dispatchAutomation(c *Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type == protocol.TypePing {
		s.sendPong(c)
		return
	}

	req, err := protocol.ParseAutomationMessage(data)
	if err != nil {
		log.Printf("gwws: automation parse error id=%s: %v", c.ID, err)
		s.sendError(c, "parse_error", "invalid message format")
		return
	}

	if s.limiter != nil {
		sensitive := gwtypes.SensitiveActions[gwtypes.Action(req.Action)]
		if !s.limiter.CheckLimit(c.ID, ratelimit.RuleGlobal) {
			s.sendError(c, "rate_limited", "global request rate exceeded")
			return
		}
		if sensitive && !s.limiter.CheckLimit(c.ID+":sensitive", ratelimit.RuleSensitive) {
			s.sendError(c, "rate_limited", "sensitive action rate exceeded")
			return
		}
		s.limiter.Record(c.ID, ratelimit.RuleGlobal)
		if sensitive {
			s.limiter.Record(c.ID+":sensitive", ratelimit.RuleSensitive)
		}
	}

	switch req.Action {
	case "subscribe_events":
		if conn, ok := s.clientHub.Get(c.ID); ok {
			conn.Subscribe(req.Events)
		}
	case "unsubscribe_events":
		if conn, ok := s.clientHub.Get(c.ID); ok {
			conn.Unsubscribe(req.Events)
		}
	default:
		if s.OnAutomationRequest != nil {
			s.OnAutomationRequest(c, req)
		}
	}
}

func (s *Server) sendPong(c *Connection) {
	msg, err := protocol.NewMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return
	}
	_ = c.Send(msg)
}

func (s *Server) sendError(c *Connection, code, message string) {
	msg, err := protocol.NewMessage(protocol.TypeError, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.Send(msg)
}
