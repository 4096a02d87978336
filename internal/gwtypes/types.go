// Package gwtypes holds the data-model types shared across the gateway's
// connection, auth, correlator, and hub packages. Keeping them in one leaf
// package avoids import cycles between internal/auth, internal/exthub,
// internal/clienthub, and internal/gwws.
package gwtypes

import "time"

// Role identifies which side of the gateway a connection belongs to.
type Role string

const (
	RoleExtension  Role = "extension"
	RoleAutomation Role = "automation"
)

// Status values for a Pending Request (spec.md §3).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusTimeout    = "timeout"
	StatusError      = "error"
)

// Action is the closed set of automation-facing command actions (spec.md §6).
type Action string

const (
	ActionGetTabs          Action = "get_tabs"
	ActionOpenURL          Action = "open_url"
	ActionCloseTab         Action = "close_tab"
	ActionGetHTML          Action = "get_html"
	ActionExecuteScript    Action = "execute_script"
	ActionInjectCSS        Action = "inject_css"
	ActionGetCookies       Action = "get_cookies"
	ActionSubscribeEvents  Action = "subscribe_events"
	ActionUnsubEvents      Action = "unsubscribe_events"
	ActionUploadFileToTab  Action = "upload_file_to_tab"
)

// SensitiveActions is the named subset of actions that counts against the
// sensitive rate-limit window and is always audited (spec.md §4.3, §7).
var SensitiveActions = map[Action]bool{
	ActionExecuteScript: true,
	ActionGetCookies:    true,
	ActionInjectCSS:     true,
}

// EventNames is the fixed set of events a Client Hub connection may
// subscribe/unsubscribe to (spec.md §4.7).
var EventNames = map[string]bool{
	"tabs_update":      true,
	"tab_opened":       true,
	"tab_closed":       true,
	"tab_url_changed":  true,
	"tab_html_received": true,
	"script_executed":  true,
	"css_injected":     true,
	"cookies_received": true,
	"init":             true,
	"error":            true,
	"request_timeout":  true,
	"custom_event":     true,
}

// Session is a TTL-bounded capability token issued after a successful
// challenge/response handshake (spec.md §3).
type Session struct {
	ID          string
	ClientID    string
	Role        Role
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastActive  time.Time
}

// Expired reports whether the session's TTL has elapsed as of now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Challenge is a single-use, 16-byte-random authentication challenge
// (spec.md §3, §4.2).
type Challenge struct {
	Token     string // hex-encoded
	ExpiresAt time.Time
	ConnID    string
}

// Expired reports whether the challenge's timeout has elapsed.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CallbackKind identifies how a Pending Request's terminal result should be
// delivered (spec.md §3, §4.4).
type CallbackKind string

const (
	CallbackInternal     CallbackKind = "internal"
	CallbackHTTPURL      CallbackKind = "http-url"
	CallbackWSInternal   CallbackKind = "websocket-internal"
)

// PendingRequest is a Correlator entry awaiting an extension's terminal reply
// (spec.md §3).
type PendingRequest struct {
	RequestID     string
	OperationType Action
	CallbackKind  CallbackKind
	CallbackURL   string // only meaningful when CallbackKind == CallbackHTTPURL
	CreatedAt     time.Time
	TTL           time.Duration
	Status        string
	TerminalData  map[string]interface{}
	WSPushed      bool // suppresses the generic broadcast once a typed WS push succeeded
}

// TerminalAt reports the deadline after which a pending entry is overdue.
func (p *PendingRequest) TerminalAt() time.Time {
	return p.CreatedAt.Add(p.TTL)
}

// AuditRecord is an append-only entry describing an auth event or a
// sensitive operation, read by an external store (spec.md §3, §7).
type AuditRecord struct {
	Timestamp time.Time
	Kind      string // "auth_success", "auth_failure", "sensitive_op", "lockout"
	ConnID    string
	SessionID string
	RemoteIP  string
	Action    Action
	RequestID string
	Detail    string
}
