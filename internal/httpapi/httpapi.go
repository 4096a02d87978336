// Package httpapi is the HTTP Front End: a thin adapter that mirrors the
// Gateway WS Front End's automation commands as POST endpoints, plus
// long-poll/SSE result delivery and a handful of admin/status endpoints
// (spec.md §4.8). It is grounded on the teacher's internal/ws.Server
// handleHealth/handleOnlineCount handlers, generalized from two fixed
// endpoints into a per-action table.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/auth"
	"github.com/brwsrgw/browser-control-gateway/internal/callbackstore"
	"github.com/brwsrgw/browser-control-gateway/internal/clienthub"
	"github.com/brwsrgw/browser-control-gateway/internal/correlator"
	"github.com/brwsrgw/browser-control-gateway/internal/eventbus"
	"github.com/brwsrgw/browser-control-gateway/internal/exthub"
	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
)

// defaultMaxWaitTime bounds GET /callback_response's ?wait= parameter
// (spec.md §3 maxWaitTime, default 30s).
const defaultMaxWaitTime = 30 * time.Second

// broadcaster fans local in-process events out to every live SSE
// listener, independent of internal/eventbus so a single gateway
// instance without NATS attached still serves GET /events (spec.md
// §4.8). internal/eventbus additionally mirrors the same events across
// processes when configured.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan string]struct{})}
}

func (b *broadcaster) subscribe() chan string {
	ch := make(chan string, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) unsubscribe(ch chan string) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *broadcaster) publish(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// actionSpec describes one supported command action: its required
// parameters and how to build its dedup discriminator and outbound
// extension params from an AutomationRequest.
type actionSpec struct {
	validate      func(req protocol.AutomationRequest) error
	discriminator func(req protocol.AutomationRequest) string
	params        func(req protocol.AutomationRequest) map[string]interface{}
}

var actionSpecs = map[gwtypes.Action]actionSpec{
	gwtypes.ActionGetTabs: {
		validate:      func(protocol.AutomationRequest) error { return nil },
		discriminator: func(protocol.AutomationRequest) string { return "" },
		params:        func(protocol.AutomationRequest) map[string]interface{} { return nil },
	},
	gwtypes.ActionOpenURL: {
		validate: func(req protocol.AutomationRequest) error {
			if req.URL == "" {
				return fmt.Errorf("url is required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return req.URL },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"url": req.URL}
		},
	},
	gwtypes.ActionCloseTab: {
		validate: func(req protocol.AutomationRequest) error {
			if req.TabID == nil {
				return fmt.Errorf("tabId is required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return strconv.Itoa(*req.TabID) },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"tabId": *req.TabID}
		},
	},
	gwtypes.ActionGetHTML: {
		validate: func(req protocol.AutomationRequest) error {
			if req.TabID == nil {
				return fmt.Errorf("tabId is required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return strconv.Itoa(*req.TabID) },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"tabId": *req.TabID}
		},
	},
	gwtypes.ActionExecuteScript: {
		validate: func(req protocol.AutomationRequest) error {
			if req.TabID == nil || req.Code == "" {
				return fmt.Errorf("tabId and code are required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return strconv.Itoa(*req.TabID) + "|" + req.Code },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"tabId": *req.TabID, "code": req.Code}
		},
	},
	gwtypes.ActionInjectCSS: {
		validate: func(req protocol.AutomationRequest) error {
			if req.TabID == nil || req.CSS == "" {
				return fmt.Errorf("tabId and css are required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return strconv.Itoa(*req.TabID) + "|" + req.CSS },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"tabId": *req.TabID, "css": req.CSS}
		},
	},
	gwtypes.ActionGetCookies: {
		validate: func(req protocol.AutomationRequest) error {
			if req.Domain == "" {
				return fmt.Errorf("domain is required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return req.Domain },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"domain": req.Domain}
		},
	},
	gwtypes.ActionUploadFileToTab: {
		validate: func(req protocol.AutomationRequest) error {
			if req.TabID == nil {
				return fmt.Errorf("tabId is required")
			}
			return nil
		},
		discriminator: func(req protocol.AutomationRequest) string { return strconv.Itoa(*req.TabID) },
		params: func(req protocol.AutomationRequest) map[string]interface{} {
			return map[string]interface{}{"tabId": *req.TabID}
		},
	},
}

// Handler wires the HTTP Front End to the gateway's shared components.
// ConnCounts and CanAccept are optional hooks filled in by main.go once
// the Gateway WS Front End and Resource Monitor exist; nil-safe defaults
// apply when they aren't set (e.g. in tests).
type Handler struct {
	Correlator  *correlator.Correlator
	Store       *callbackstore.Store
	Limiter     *ratelimit.Limiter
	ExtHub      *exthub.Hub
	ClientHub   *clienthub.Hub
	AuthMgr     *auth.Manager
	Bus         *eventbus.Client // nil when NATS isn't configured
	Clock       gwclock.Clock
	StartedAt   time.Time
	MaxWaitTime time.Duration

	// ConnCounts reports live extension/automation connection counts for
	// /api/status and /health; nil means "unknown" (reported as 0).
	ConnCounts func() (extensions, automation int)

	// CanAccept is the Resource Monitor's admission gate (spec.md §4.9);
	// nil means always-admit.
	CanAccept func() (ok bool, retryAfter time.Duration)

	// OnTimeouts, when set, is called with every requestId GET
	// /admin/cleanup's immediate timeout sweep marks timed out, so it
	// reaches the same completion fan-out a scheduled sweep or an
	// extension-reported result goes through; nil means the admin
	// endpoint only updates the Callback Store, same as before.
	OnTimeouts func(requestIDs []string)

	broadcast *broadcaster
	initOnce  sync.Once
}

// EmitEvent publishes a Client Hub event to every local SSE listener and,
// when NATS is attached, to other gateway processes (spec.md §4.7's
// event delivery mirrored onto the HTTP surface).
func (h *Handler) EmitEvent(eventName string, data interface{}) {
	h.ensureBroadcaster()
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("httpapi: failed to marshal event %s for SSE: %v", eventName, err)
		return
	}
	h.broadcast.publish(formatSSE("event", body))
	if h.Bus != nil {
		if err := h.Bus.PublishEvent(eventName, data); err != nil {
			log.Printf("httpapi: failed to publish event %s to eventbus: %v", eventName, err)
		}
	}
}

// EmitCallbackResult publishes a terminal result to every local SSE
// listener and, when NATS is attached, to other gateway processes
// (spec.md §4.8's callback_result bus).
func (h *Handler) EmitCallbackResult(req *gwtypes.PendingRequest) {
	h.ensureBroadcaster()
	body, err := json.Marshal(callbackResponseBody(req))
	if err != nil {
		log.Printf("httpapi: failed to marshal callback_result for %s: %v", req.RequestID, err)
		return
	}
	h.broadcast.publish(formatSSE("callback_result", body))
	if h.Bus != nil {
		if err := h.Bus.PublishCallbackResult(req.RequestID, callbackResponseBody(req)); err != nil {
			log.Printf("httpapi: failed to publish callback_result for %s to eventbus: %v", req.RequestID, err)
		}
	}
}

func (h *Handler) ensureBroadcaster() {
	h.initOnce.Do(func() {
		h.broadcast = newBroadcaster()
	})
}

// RegisterRoutes mounts every HTTP Front End route on mux, alongside
// wherever the caller also mounts the WS upgrade handler (spec.md §6's
// single mirrored HTTP surface).
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	for action := range actionSpecs {
		action := action
		mux.HandleFunc("/api/"+string(action), h.handleCommand(action))
	}
	mux.HandleFunc("/callback_response/", h.handleCallbackResponse)
	mux.HandleFunc("/events", h.handleEvents)
	mux.HandleFunc("/admin/cleanup", h.handleAdminCleanup)
	mux.HandleFunc("/auth/secret", h.handleAuthSecret)
	mux.HandleFunc("/config", h.handleConfig)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/health", h.handleHealth)
}

// handleCommand builds the per-action POST handler implementing spec.md
// §4.8 steps 1-6.
func (h *Handler) handleCommand(action gwtypes.Action) http.HandlerFunc {
	spec := actionSpecs[action]
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req protocol.AutomationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := spec.validate(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		remoteIP := remoteIPFromAddr(r.RemoteAddr)
		if h.Limiter != nil {
			sensitive := gwtypes.SensitiveActions[action]
			if !h.Limiter.CheckLimit(remoteIP, ratelimit.RuleGlobal) {
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"status": "error", "error": "rate limited"})
				return
			}
			if sensitive && !h.Limiter.CheckLimit(remoteIP+":sensitive", ratelimit.RuleSensitive) {
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"status": "error", "error": "rate limited"})
				return
			}
			h.Limiter.Record(remoteIP, ratelimit.RuleGlobal)
			if sensitive {
				h.Limiter.Record(remoteIP+":sensitive", ratelimit.RuleSensitive)
			}
		}

		if h.CanAccept != nil {
			if ok, retryAfter := h.CanAccept(); !ok {
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"status":     "error",
					"error":      "gateway at capacity",
					"retryAfter": int(retryAfter.Seconds()),
				})
				return
			}
		}

		requestID := req.RequestID
		if requestID == "" {
			requestID = gwclock.NewID()
		}

		if disc := spec.discriminator(req); disc != "" {
			key := correlator.DedupKey(req.SessionID, action, disc)
			if existing, dup := h.Correlator.CheckDedup(key); dup {
				writeJSON(w, http.StatusOK, protocol.AutomationResponse{
					Type:              protocol.ResponseTypeFor(string(action)),
					RequestID:         requestID,
					Status:            "pending",
					Deduplicated:      true,
					ExistingRequestID: existing,
				})
				return
			}
			h.Correlator.RecordDedup(key, requestID)
		}

		callbackKind := gwtypes.CallbackInternal
		if req.CallbackURL != "" {
			callbackKind = gwtypes.CallbackHTTPURL
		}
		if _, err := h.Store.Register(requestID, action, callbackKind, req.CallbackURL); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "error", "error": err.Error()})
			return
		}

		if err := h.Correlator.Dispatch(h.ExtHub, action, requestID, spec.params(req)); err != nil {
			log.Printf("httpapi: dispatch failed for %s (%s): %v", requestID, action, err)
		}

		writeJSON(w, http.StatusOK, protocol.AutomationResponse{
			Type:          protocol.ResponseTypeFor(string(action)),
			RequestID:     requestID,
			Status:        "pending",
			NeedsCallback: true,
		})
	}
}

// handleCallbackResponse implements the long-poll GET
// /callback_response/{requestId}?wait=<seconds> (spec.md §4.8).
func (h *Handler) handleCallbackResponse(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Path[len("/callback_response/"):]
	if requestID == "" {
		http.Error(w, "requestId is required", http.StatusBadRequest)
		return
	}

	wait := h.maxWaitTime()
	if v := r.URL.Query().Get("wait"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
			if wait > h.maxWaitTime() {
				wait = h.maxWaitTime()
			}
		}
	}

	if h.Limiter != nil && !h.Limiter.Allow(requestID, ratelimit.RuleCallbackPoll) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"status": "error", "error": "rate limited"})
		return
	}

	req, ok := h.Store.Get(requestID)
	if !ok {
		http.Error(w, "unknown requestId", http.StatusNotFound)
		return
	}
	if isTerminalStatus(req.Status) {
		writeJSON(w, http.StatusOK, callbackResponseBody(req))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	resultCh := make(chan *gwtypes.PendingRequest, 2)
	go func() {
		req, terminal := h.Store.WaitFor(ctx, requestID, wait)
		if terminal {
			select {
			case resultCh <- req:
			default:
			}
		}
	}()

	if h.Bus != nil {
		cancelSub, err := h.Bus.SubscribeCallbackResult(requestID, func(data []byte) {
			var body struct {
				Status string                 `json:"status"`
				Data   map[string]interface{} `json:"data"`
			}
			if json.Unmarshal(data, &body) == nil && isTerminalStatus(body.Status) {
				select {
				case resultCh <- &gwtypes.PendingRequest{RequestID: requestID, Status: body.Status, TerminalData: body.Data}:
				default:
				}
			}
		})
		if err == nil {
			defer cancelSub()
		}
	}

	select {
	case req := <-resultCh:
		writeJSON(w, http.StatusOK, callbackResponseBody(req))
	case <-ctx.Done():
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "pending", "requestId": requestID})
	}
}

func callbackResponseBody(req *gwtypes.PendingRequest) map[string]interface{} {
	return map[string]interface{}{
		"requestId": req.RequestID,
		"status":    req.Status,
		"data":      req.TerminalData,
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case gwtypes.StatusCompleted, gwtypes.StatusTimeout, gwtypes.StatusError:
		return true
	default:
		return false
	}
}

// handleEvents implements the SSE endpoint GET /events (optional
// ?requestId= filter), streaming Client Hub events and callback_result
// notifications with a 30s heartbeat comment (spec.md §4.8).
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.ensureBroadcaster()
	filterRequestID := r.URL.Query().Get("requestId")
	msgCh := h.broadcast.subscribe()
	defer h.broadcast.unsubscribe(msgCh)

	// When filtering to one requestId, first replay that request's result
	// if it is already terminal, so a caller that opens /events after the
	// command's own callback_result broadcast fired still sees it.
	if filterRequestID != "" {
		if req, ok := h.Store.Get(filterRequestID); ok && isTerminalStatus(req.Status) {
			if _, err := fmt.Fprint(w, formatSSE("callback_result", mustJSON(callbackResponseBody(req)))); err == nil {
				flusher.Flush()
			}
		}
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-msgCh:
			if filterRequestID != "" && !frameMatchesRequest(msg, filterRequestID) {
				continue
			}
			if _, err := fmt.Fprint(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

// frameMatchesRequest reports whether an already-formatted SSE frame's
// data payload references requestId, used to apply GET /events's
// optional ?requestId= filter without re-parsing structured data for
// every listener on every publish.
func frameMatchesRequest(frame, requestID string) bool {
	return strings.Contains(frame, `"requestId":"`+requestID+`"`)
}

func formatSSE(event string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

// handleAdminCleanup triggers the Callback Store and Correlator sweeps
// immediately, loopback-only (spec.md §4.8).
func (h *Handler) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	timedOut := h.Store.SweepTimeouts()
	if len(timedOut) > 0 && h.OnTimeouts != nil {
		h.OnTimeouts(timedOut)
	}
	retained := h.Store.SweepRetention()
	dedupSwept := h.Correlator.SweepDedup()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timedOut":       len(timedOut),
		"retentionSwept": retained,
		"dedupSwept":     dedupSwept,
	})
}

// handleAuthSecret returns the current HMAC secret's fingerprint,
// loopback-only (SPEC_FULL.md §4.14).
func (h *Handler) handleAuthSecret(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": h.AuthMgr.SecretFingerprint()})
}

// handleConfig returns the server-side tunables an operator or extension
// needs to pace itself, in the init_ack payload shape (SPEC_FULL.md
// §4.14). The timeout and heartbeat values are fixed literals, not read
// from the gateway's loaded configuration.
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.InitAckMsg{
		Type: protocol.TypeInitAck,
		Request: protocol.InitAckRequest{
			DefaultTimeout: 60,
		},
		Heartbeat: protocol.InitAckHeartbeat{
			Interval: 30,
			Timeout:  10,
		},
		RateLimit: protocol.InitAckRateLimit{
			Global:    ratelimit.RuleGlobal.Limit,
			Sensitive: ratelimit.RuleSensitive.Limit,
			WindowSec: int(ratelimit.RuleGlobal.Window.Seconds()),
		},
	})
}

// handleStatus reports live connection and pending-request counts.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	extensions, automation := 0, 0
	if h.ConnCounts != nil {
		extensions, automation = h.ConnCounts()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extensions":     extensions,
		"automation":     automation,
		"pendingCount":   h.Store.Len(),
		"sessionCount":   h.AuthMgr.SessionCount(),
		"uptime":         time.Since(h.StartedAt).Round(time.Second).String(),
	})
}

// handleHealth responds with a minimal health payload, mirroring the
// teacher's handleHealth (internal/ws/server.go).
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.StartedAt).Round(time.Second).String(),
	})
}

func (h *Handler) maxWaitTime() time.Duration {
	if h.MaxWaitTime > 0 {
		return h.MaxWaitTime
	}
	return defaultMaxWaitTime
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isLoopback(r *http.Request) bool {
	host := remoteIPFromAddr(r.RemoteAddr)
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func remoteIPFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
