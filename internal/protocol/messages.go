// Package protocol defines the WebSocket and HTTP wire messages exchanged
// between the gateway and its two client classes (extension, automation).
// All messages are JSON objects with a "type" (or, for automation
// requests, "action") discriminator. This mirrors the envelope/dispatch
// style of a typical WS gateway: an Envelope captures the raw bytes and the
// discriminator so the concrete struct can be decoded once the type is
// known.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Handshake message types
// ---------------------------------------------------------------------------

const (
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResponse  = "auth_response"
	TypeAuthResult    = "auth_result"
)

// AuthChallengeMsg: server -> pre-auth connection.
type AuthChallengeMsg struct {
	Type          string `json:"type"`
	Challenge     string `json:"challenge"`
	Timestamp     int64  `json:"timestamp"`
	ServerVersion string `json:"serverVersion"`
}

// AuthResponseMsg: pre-auth connection -> server.
type AuthResponseMsg struct {
	Type     string `json:"type"`
	Response string `json:"response"`
	ClientID string `json:"clientId"`
}

// AuthResultMsg: server -> connection, terminal handshake outcome.
type AuthResultMsg struct {
	Type        string   `json:"type"`
	Success     bool     `json:"success"`
	SessionID   string   `json:"sessionId,omitempty"`
	ExpiresIn   int      `json:"expiresIn,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Error       string   `json:"error,omitempty"`
	RetryAfter  int      `json:"retryAfter,omitempty"`
}

// ---------------------------------------------------------------------------
// Session lifecycle, heartbeat and tab-snapshot messages
// ---------------------------------------------------------------------------

const (
	TypeSessionExpired  = "session_expired"
	TypeSessionExpiring = "session_expiring"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeInit            = "init"
	TypeInitAck         = "init_ack"
	TypeData            = "data"
)

type SessionExpiredMsg struct {
	Type string `json:"type"`
}

type SessionExpiringMsg struct {
	Type      string `json:"type"`
	ExpiresIn int    `json:"expiresIn"`
}

type PingMsg struct {
	Type string `json:"type"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// InitAckMsg carries the server-side tunables the extension needs to pace
// itself (spec.md §6, SPEC_FULL.md §4.14). The HTTP /config endpoint
// returns it; no WebSocket path sends it.
type InitAckMsg struct {
	Type      string           `json:"type"`
	Request   InitAckRequest   `json:"request"`
	Heartbeat InitAckHeartbeat `json:"heartbeat"`
	RateLimit InitAckRateLimit `json:"rateLimit"`
}

type InitAckRequest struct {
	DefaultTimeout int `json:"defaultTimeout"`
}

type InitAckHeartbeat struct {
	Interval int `json:"interval"`
	Timeout  int `json:"timeout"`
}

type InitAckRateLimit struct {
	Global    int `json:"global"`
	Sensitive int `json:"sensitive"`
	WindowSec int `json:"windowSec"`
}

// DataMsg carries a tab snapshot pushed by the extension (spec.md §6).
type DataMsg struct {
	Type        string        `json:"type"`
	Tabs        []interface{} `json:"tabs"`
	ActiveTabID interface{}   `json:"active_tab_id"`
}

// ---------------------------------------------------------------------------
// Automation request / response envelope
// ---------------------------------------------------------------------------

// AutomationRequest is the envelope an automation client sends over its WS
// connection: {sessionId, requestId, action, ...action-specific fields}
// (spec.md §6). The same fields, flattened, are accepted by the HTTP POST
// handlers (spec.md §4.8).
type AutomationRequest struct {
	SessionID   string   `json:"sessionId"`
	RequestID   string   `json:"requestId"`
	Action      string   `json:"action"`
	TabID       *int     `json:"tabId,omitempty"`
	WindowID    *int     `json:"windowId,omitempty"`
	URL         string   `json:"url,omitempty"`
	Code        string   `json:"code,omitempty"`
	CSS         string   `json:"css,omitempty"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Name        string   `json:"name,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Offset      int      `json:"offset,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// AutomationResponse is the terminal/ack envelope returned to an automation
// caller: {type: "<action>_response", requestId, status, ...} (spec.md §6).
type AutomationResponse struct {
	Type              string      `json:"type"`
	RequestID         string      `json:"requestId"`
	Status            string      `json:"status"`
	Data              interface{} `json:"data,omitempty"`
	Message           string      `json:"message,omitempty"`
	Deduplicated      bool        `json:"deduplicated,omitempty"`
	ExistingRequestID string      `json:"existingRequestId,omitempty"`
	NeedsCallback     bool        `json:"needsCallback,omitempty"`
}

// ResponseTypeFor builds the "<action>_response" type discriminator.
func ResponseTypeFor(action string) string {
	return action + "_response"
}

// ---------------------------------------------------------------------------
// Client Hub events
// ---------------------------------------------------------------------------

const TypeEvent = "event"

// EventMsg is pushed to subscribed automation connections:
// {type: "event", event, data} (spec.md §4.7).
type EventMsg struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// SubscribeEventsMsg carries the event-name list for subscribe_events /
// unsubscribe_events actions (spec.md §4.7).
type SubscribeEventsMsg struct {
	Events []string `json:"events"`
}

// ---------------------------------------------------------------------------
// Extension-origin messages
// ---------------------------------------------------------------------------

const (
	TypeRequest      = "request"
	TypeNotification = "notification"

	TypeOpenURLComplete         = "open_url_complete"
	TypeCloseTabComplete        = "close_tab_complete"
	TypeTabHTMLChunk            = "tab_html_chunk"
	TypeTabHTMLComplete         = "tab_html_complete"
	TypeExecuteScriptComplete   = "execute_script_complete"
	TypeInjectCSSComplete       = "inject_css_complete"
	TypeGetCookiesComplete      = "get_cookies_complete"
	TypeUploadFileToTabComplete = "upload_file_to_tab_complete"
	TypeError                   = "error"
)

// WrappedExtensionMsg is the alternate carrier shape accepted from
// extensions: {type: "request"|"notification", action, requestId?,
// sessionId?, payload} (spec.md §6). ParseExtensionMessage unwraps it to
// the bare typed shape before decoding.
type WrappedExtensionMsg struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ExtCompleteMsg covers the terminal "<op>_complete" shapes an extension
// emits. Not every field is meaningful for every op; the Correlator reads
// only the fields relevant to the operation it dispatched.
type ExtCompleteMsg struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	TabID     interface{}   `json:"tabId,omitempty"`
	URL       string        `json:"url,omitempty"`
	Cookies   []interface{} `json:"cookies,omitempty"`
	Result    interface{}   `json:"result,omitempty"`
	HTML      string        `json:"html,omitempty"`
}

// ExtHTMLChunkMsg is an intermediate chunk of a streamed get_html reply
// (spec.md §4.5, §8 scenario E).
type ExtHTMLChunkMsg struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	ChunkIndex  int    `json:"chunk_index"`
	ChunkData   string `json:"chunk_data"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// ExtErrorMsg is a terminal error an extension reports for a requestId it
// was dispatched (spec.md §4.5 DISPATCHED -> ERROR).
type ExtErrorMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
}

// ---------------------------------------------------------------------------
// Command envelope sent TO an extension
// ---------------------------------------------------------------------------

// CommandEnvelope is what the Extension Hub serializes and sends to the
// chosen extension connection: {type, ...params, requestId} (spec.md §6).
type CommandEnvelope struct {
	Type      string
	RequestID string
	Params    map[string]interface{}
}

// MarshalJSON flattens Params alongside Type/RequestID into a single flat
// object, matching spec.md's "{type, ...params, requestId}" shape.
func (c CommandEnvelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(c.Params)+2)
	for k, v := range c.Params {
		m[k] = v
	}
	m["type"] = c.Type
	m["requestId"] = c.RequestID
	return json.Marshal(m)
}

// ---------------------------------------------------------------------------
// Generic envelope for type-sniffing (teacher's Envelope pattern)
// ---------------------------------------------------------------------------

// Envelope captures the raw bytes of an incoming message alongside its
// "type" discriminator, deferring full decode until the type is known.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// UnmarshalJSON extracts the "type" field and retains the raw bytes for
// deferred decoding into a concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ParseExtensionMessage decodes raw bytes received from an extension
// connection into its bare type, concrete struct, and requestId (when
// present), transparently unwrapping the {type:"request"|"notification",
// action, ...} carrier shape first (spec.md §6).
func ParseExtensionMessage(data []byte) (string, interface{}, string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, "", fmt.Errorf("protocol: failed to parse extension message: %w", err)
	}

	typ := env.Type
	raw := env.Raw
	requestID := ""

	if typ == TypeRequest || typ == TypeNotification {
		var wrapped WrappedExtensionMsg
		if err := json.Unmarshal(env.Raw, &wrapped); err != nil {
			return "", nil, "", fmt.Errorf("protocol: failed to unwrap extension carrier: %w", err)
		}
		typ = wrapped.Action
		requestID = wrapped.RequestID
		if len(wrapped.Payload) > 0 {
			raw = wrapped.Payload
		} else {
			raw = env.Raw
		}
	}

	var (
		msg interface{}
		err error
	)

	switch typ {
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeInit:
		var m struct {
			Type string `json:"type"`
		}
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeData:
		var m DataMsg
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeOpenURLComplete, TypeCloseTabComplete, TypeExecuteScriptComplete,
		TypeInjectCSSComplete, TypeGetCookiesComplete, TypeUploadFileToTabComplete,
		TypeTabHTMLComplete:
		var m ExtCompleteMsg
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeTabHTMLChunk:
		var m ExtHTMLChunkMsg
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeError:
		var m ExtErrorMsg
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeAuthResponse:
		var m AuthResponseMsg
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return typ, nil, requestID, fmt.Errorf("protocol: unknown extension message type: %q", typ)
	}

	if err != nil {
		return typ, nil, requestID, fmt.Errorf("protocol: failed to decode %q payload: %w", typ, err)
	}
	if requestID == "" {
		switch m := msg.(type) {
		case ExtCompleteMsg:
			requestID = m.RequestID
		case ExtHTMLChunkMsg:
			requestID = m.RequestID
		case ExtErrorMsg:
			requestID = m.RequestID
		}
	}
	return typ, msg, requestID, nil
}

// ParseAutomationMessage decodes raw bytes received from an automation
// connection. Automation requests carry an "action" discriminator rather
// than "type" (spec.md §6); callers check for "type":"auth_response" or
// "ping" before falling back to this parse.
func ParseAutomationMessage(data []byte) (AutomationRequest, error) {
	var req AutomationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("protocol: failed to parse automation request: %w", err)
	}
	if req.Action == "" {
		return req, fmt.Errorf("protocol: missing \"action\" field")
	}
	return req, nil
}

// NewMessage marshals payload to JSON and injects the "type" key, matching
// the teacher's NewServerMessage helper.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
