package gwws

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/clienthub"
	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
)

// newTestConnection returns a Connection backed by a net.Pipe whose peer
// end is drained in the background, so Send never blocks.
func newTestConnection(id string) (*Connection, net.Conn) {
	serverSide, clientSide := net.Pipe()
	go io.Copy(io.Discard, clientSide)
	return &Connection{ID: id, Conn: serverSide, CreatedAt: time.Now(), LastActivity: time.Now()}, clientSide
}

func newTestServer() *Server {
	return &Server{
		conns:     NewConnectionManager(),
		clientHub: clienthub.NewHub(),
		limiter:   ratelimit.NewLimiter(gwclock.Real{}),
		clock:     gwclock.Real{},
	}
}

func TestDispatchAutomation_SubscribeEvents(t *testing.T) {
	s := newTestServer()
	c, _ := newTestConnection("conn-1")
	c.Role = gwtypes.RoleAutomation
	c.SessionID = "sess-1"
	s.clientHub.Add(c.ID, c.RemoteAddr, c.SessionID, c, time.Now())

	req := map[string]interface{}{
		"sessionId": "sess-1",
		"requestId": "req-1",
		"action":    "subscribe_events",
		"events":    []string{"tabs_update", "bogus_event"},
	}
	data, _ := json.Marshal(req)

	s.dispatchAutomation(c, data)

	conn, ok := s.clientHub.Get(c.ID)
	if !ok {
		t.Fatal("expected connection to remain registered")
	}
	subs := conn.Subscriptions()
	if len(subs) != 1 || subs[0] != "tabs_update" {
		t.Errorf("expected only the known event name subscribed, got %v", subs)
	}
}

func TestDispatchAutomation_ForwardsUnknownActionToHook(t *testing.T) {
	s := newTestServer()
	c, _ := newTestConnection("conn-2")
	c.Role = gwtypes.RoleAutomation
	c.SessionID = "sess-2"
	s.clientHub.Add(c.ID, c.RemoteAddr, c.SessionID, c, time.Now())

	var gotAction string
	s.OnAutomationRequest = func(conn *Connection, req protocol.AutomationRequest) {
		gotAction = req.Action
	}

	req := map[string]interface{}{
		"sessionId": "sess-2",
		"requestId": "req-2",
		"action":    "get_tabs",
	}
	data, _ := json.Marshal(req)

	s.dispatchAutomation(c, data)

	if gotAction != "get_tabs" {
		t.Errorf("expected OnAutomationRequest to be invoked with action get_tabs, got %q", gotAction)
	}
}

func TestDispatchAutomation_RateLimitsGlobalRule(t *testing.T) {
	s := newTestServer()
	c, _ := newTestConnection("conn-3")
	c.Role = gwtypes.RoleAutomation
	c.SessionID = "sess-3"
	s.clientHub.Add(c.ID, c.RemoteAddr, c.SessionID, c, time.Now())

	req := map[string]interface{}{
		"sessionId": "sess-3",
		"requestId": "req-x",
		"action":    "get_tabs",
	}
	data, _ := json.Marshal(req)

	for i := 0; i < ratelimit.RuleGlobal.Limit; i++ {
		s.dispatchAutomation(c, data)
	}

	if s.limiter.CheckLimit(c.ID, ratelimit.RuleGlobal) {
		t.Fatal("expected the global rule budget to be exhausted after Limit calls")
	}
}

func TestDispatchExtension_PingRepliesWithPong(t *testing.T) {
	s := newTestServer()
	c, _ := newTestConnection("conn-4")
	c.Role = gwtypes.RoleExtension

	data, _ := json.Marshal(map[string]string{"type": "ping"})
	s.dispatchExtension(c, data)
}
