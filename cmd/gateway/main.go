// Command gateway runs the Browser Control Gateway: the WebSocket and
// mirrored HTTP front ends, the Correlator, the two hubs, and the
// background sweepers that tie them together.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/brwsrgw/browser-control-gateway/internal/audit"
	"github.com/brwsrgw/browser-control-gateway/internal/auth"
	"github.com/brwsrgw/browser-control-gateway/internal/callbackstore"
	"github.com/brwsrgw/browser-control-gateway/internal/clienthub"
	"github.com/brwsrgw/browser-control-gateway/internal/correlator"
	"github.com/brwsrgw/browser-control-gateway/internal/eventbus"
	"github.com/brwsrgw/browser-control-gateway/internal/exthub"
	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwconfig"
	"github.com/brwsrgw/browser-control-gateway/internal/gwmetrics"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/gwws"
	"github.com/brwsrgw/browser-control-gateway/internal/httpapi"
	"github.com/brwsrgw/browser-control-gateway/internal/protocol"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
	"github.com/brwsrgw/browser-control-gateway/internal/resmon"
)

const auditCapacity = 2000

func main() {
	cfg, err := gwconfig.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	clock := gwclock.Real{}
	limiter := ratelimit.NewLimiter(clock)
	stopJanitor := limiter.StartJanitor()

	authMgr := auth.NewManager(cfg.Secret, limiter, clock, cfg.SessionTTL, cfg.ChallengeTimeout)
	log.Printf("gateway: auth secret fingerprint=%s", authMgr.SecretFingerprint())

	redisClient := connectRedis(cfg.RedisAddr)
	if redisClient != nil {
		authMgr.AttachRedis(redisClient)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := authMgr.RestoreLockouts(ctx); err != nil {
			log.Printf("gateway: failed to restore lockouts from redis: %v", err)
		}
		cancel()
	}

	sink := audit.NewSink(auditCapacity, clock)
	db := connectPostgres(cfg.DatabaseURL)
	if db != nil {
		sink.AttachPostgres(db)
	}
	if redisClient != nil {
		sink.AttachRedis(redisClient, "gateway:audit")
	}

	bus := connectEventBus(cfg.NATSURL)

	store := callbackstore.NewStore(clock, cfg.MaxPendingResponses, cfg.RequestTimeout, cfg.ResponseRetention)
	corr := correlator.New(store, clock, cfg.DedupWindow)
	extHub := exthub.NewHub(cfg.MaxClients)
	clientHub := clienthub.NewHub()

	monitor := resmon.New(store, corr, clock, cfg.MaxPendingResponses, cfg.RequestTimeout, cfg.WarningThreshold, cfg.HealthCheckInterval)

	wsServer := gwws.New(cfg.WS, authMgr, limiter, extHub, clientHub, sink, clock)

	httpHandler := &httpapi.Handler{
		Correlator:  corr,
		Store:       store,
		Limiter:     limiter,
		ExtHub:      extHub,
		ClientHub:   clientHub,
		AuthMgr:     authMgr,
		Bus:         bus,
		Clock:       clock,
		StartedAt:   time.Now(),
		MaxWaitTime: cfg.MaxWaitTime,
		ConnCounts: func() (extensions, automation int) {
			return extHub.Count(), clientHub.Count()
		},
		CanAccept: monitor.CanAcceptRequest,
	}

	callers := newCallerRegistry()
	wiring := &requestWiring{
		store:     store,
		corr:      corr,
		extHub:    extHub,
		clientHub: clientHub,
		http:      httpHandler,
		ws:        wsServer,
		callers:   callers,
		limiter:   limiter,
	}

	wsServer.OnAutomationRequest = wiring.handleAutomationRequest
	wsServer.OnExtensionMessage = wiring.handleExtensionMessage

	// Every path that drives a sweep-based timeout transition (the regular
	// sweeper, the Resource Monitor's emergency sweep, and the admin
	// cleanup endpoint) routes through the same completion fan-out an
	// extension-reported result goes through, instead of only updating the
	// Callback Store (spec.md §4.4, §8 Scenario C).
	httpHandler.OnTimeouts = wiring.handleTimeouts
	monitor.SetTimeoutHook(wiring.handleTimeouts)

	monitor.Start()
	go reportResourceStatus(monitor, cfg.HealthCheckInterval)

	go runSweeper(store, corr, wiring.handleTimeouts, cfg.TimeoutCheckInterval, cfg.CleanupInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleUpgrade)
	mux.Handle("/metrics", gwmetrics.Handler())
	httpHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.WS.ReadTimeout,
		WriteTimeout: 0, // long-poll and SSE routes hold the connection open past WriteTimeout
	}

	if err := wsServer.Start(); err != nil {
		log.Fatalf("gateway: failed to start WS front end: %v", err)
	}

	log.Printf("Browser Control Gateway starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  max_clients:      %d", cfg.MaxClients)
	log.Printf("  max_pending:      %d", cfg.MaxPendingResponses)
	log.Printf("  request_timeout:  %s", cfg.RequestTimeout)
	log.Printf("  dedup_window:     %s", cfg.DedupWindow)
	log.Printf("  require_auth:     %v", cfg.WS.RequireAuth)
	log.Printf("  nats:             %v", bus != nil)
	log.Printf("  redis:            %v", redisClient != nil)
	log.Printf("  postgres:         %v", db != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("gateway: received signal %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := wsServer.Shutdown(ctx); err != nil {
			log.Printf("gateway: ws shutdown error: %v", err)
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("gateway: http shutdown error: %v", err)
		}
		// Every open socket has already been sent a close frame by
		// wsServer.Shutdown; clear the challenge, session, dedup, and
		// pending tables so nothing in-memory survives into whatever
		// comes next (spec.md §5 testable property 9).
		authMgr.Clear()
		corr.Clear()
		store.Clear()
		monitor.Stop()
		stopJanitor()
		if bus != nil {
			bus.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if db != nil {
			db.Close()
		}
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway: http server error: %v", err)
	}
}

// connectRedis dials redisAddr for distributed lockout/audit persistence.
// Redis is an enrichment, not a correctness dependency (unlike the
// teacher's session store, which cannot run without it): a failed or
// unconfigured connection logs a warning and the gateway continues with
// in-memory lockouts and an in-memory-only audit sink.
func connectRedis(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("gateway: redis unavailable at %s, continuing without it: %v", addr, err)
		return nil
	}
	log.Printf("gateway: connected to redis at %s", addr)
	return client
}

// connectPostgres opens databaseURL and applies the audit_log schema. Like
// redis, postgres backs an enrichment (durable audit trail) rather than
// request correctness, so failure here is a warning, not log.Fatalf.
func connectPostgres(databaseURL string) *sql.DB {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("gateway: failed to open postgres connection: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Printf("gateway: postgres unavailable, continuing without durable audit: %v", err)
		db.Close()
		return nil
	}
	if err := audit.RunMigrations(db); err != nil {
		log.Printf("gateway: failed to apply audit migrations, continuing without durable audit: %v", err)
		db.Close()
		return nil
	}
	log.Printf("gateway: connected to postgres, audit migrations applied")
	return db
}

// connectEventBus dials NATS for cross-process callback_result and event
// fan-out. A single gateway instance works without it; only a multi-process
// deployment needs the bus wired.
func connectEventBus(url string) *eventbus.Client {
	config := eventbus.DefaultConfig()
	config.URL = url
	client, err := eventbus.Connect(config)
	if err != nil {
		log.Printf("gateway: nats unavailable at %s, continuing single-process: %v", url, err)
		return nil
	}
	return client
}

// reportResourceStatus bridges internal/resmon's status string onto the
// gwmetrics gauge, kept in main.go rather than either package to avoid a
// resmon -> gwmetrics import.
func reportResourceStatus(monitor *resmon.Monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		health := monitor.Snapshot()
		gwmetrics.ResourceMonitorStatus.Set(gwmetrics.StatusValue(string(health.Status)))
		gwmetrics.PendingRequests.Set(float64(health.PendingCount))
	}
}

// runSweeper periodically times out overdue callback store entries (routing
// each through onTimeout so it reaches the same completion fan-out an
// extension-reported result does) and clears expired dedup/retention-expired
// entries, independent of the Resource Monitor's emergency sweep (spec.md
// §4.4, §4.9).
func runSweeper(store *callbackstore.Store, corr *correlator.Correlator, onTimeout func([]string), timeoutInterval, cleanupInterval time.Duration) {
	timeoutTicker := time.NewTicker(timeoutInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer timeoutTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-timeoutTicker.C:
			if ids := store.SweepTimeouts(); len(ids) > 0 && onTimeout != nil {
				onTimeout(ids)
			}
		case <-cleanupTicker.C:
			store.SweepRetention()
			corr.SweepDedup()
		}
	}
}

// callerRegistry tracks which automation connection originated a
// request, so the Correlator's exactly-once WS delivery knows where to
// push the terminal result. The Callback Store deliberately has no notion
// of a connection, since HTTP callers never need one.
type callerRegistry struct {
	mu   sync.Mutex
	byID map[string]string // requestId -> automation connection ID
}

func newCallerRegistry() *callerRegistry {
	return &callerRegistry{byID: make(map[string]string)}
}

func (r *callerRegistry) set(requestID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[requestID] = connID
}

func (r *callerRegistry) take(requestID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byID[requestID]
	delete(r.byID, requestID)
	return connID, ok
}

// requestWiring implements the Gateway WS Front End's business-logic hooks:
// OnAutomationRequest (dedup, register, dispatch) and OnExtensionMessage
// (chunk reassembly, terminal completion, event fan-out), generalizing the
// teacher's single inline MessageDispatcher closures
// (cmd/wsserver/main.go) into one small struct of methods.
type requestWiring struct {
	store     *callbackstore.Store
	corr      *correlator.Correlator
	extHub    *exthub.Hub
	clientHub *clienthub.Hub
	http      *httpapi.Handler
	ws        *gwws.Server
	callers   *callerRegistry
	limiter   *ratelimit.Limiter
}

// wsActionSpec mirrors httpapi's actionSpec table for the handful of
// fields each action needs validated and forwarded to the extension,
// duplicated here (rather than exported from internal/httpapi) since the
// WS path runs through an already-authenticated per-connection entrypoint
// and answers with a WS frame instead of an HTTP response.
type wsActionSpec struct {
	validate      func(req protocol.AutomationRequest) error
	discriminator func(req protocol.AutomationRequest) string
	params        func(req protocol.AutomationRequest) map[string]interface{}
}

var wsActionSpecs = map[gwtypes.Action]wsActionSpec{
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

// eventForAction names the Client Hub event a completed action fans out
// as (spec.md §4.7); actions with no natural event (get_tabs, which
// already answers its caller directly) are omitted.
var eventForAction = map[gwtypes.Action]string{
	gwtypes.ActionOpenURL:         "tab_opened",
	gwtypes.ActionCloseTab:        "tab_closed",
	gwtypes.ActionGetHTML:         "tab_html_received",
	gwtypes.ActionExecuteScript:   "script_executed",
	gwtypes.ActionInjectCSS:       "css_injected",
	gwtypes.ActionGetCookies:      "cookies_received",
	gwtypes.ActionUploadFileToTab: "custom_event",
}

// handleAutomationRequest implements spec.md §4.5's NEW -> REGISTERED ->
// DISPATCHED transition for a command arriving over an automation
// connection's WS socket, mirroring internal/httpapi's handleCommand but
// answering with a WS frame and recording the caller for exactly-once
// delivery instead of blocking on the HTTP response.
func (w *requestWiring) handleAutomationRequest(conn *gwws.Connection, req protocol.AutomationRequest) {
	action := gwtypes.Action(req.Action)
	spec, ok := wsActionSpecs[action]
	if !ok {
		w.reply(conn, action, req.RequestID, "error", nil, "unsupported action")
		return
	}
	if err := spec.validate(req); err != nil {
		w.reply(conn, action, req.RequestID, "error", nil, err.Error())
		return
	}

	if w.http.CanAccept != nil {
		if accept, retryAfter := w.http.CanAccept(); !accept {
			w.replyRateLimited(conn, action, req.RequestID, retryAfter)
			return
		}
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = gwclock.NewID()
	}

	if disc := spec.discriminator(req); disc != "" {
		key := correlator.DedupKey(req.SessionID, action, disc)
		if existing, dup := w.corr.CheckDedup(key); dup {
			body, err := json.Marshal(protocol.AutomationResponse{
				Type:              protocol.ResponseTypeFor(string(action)),
				RequestID:         requestID,
				Status:            "pending",
				Deduplicated:      true,
				ExistingRequestID: existing,
			})
			if err == nil {
				_ = conn.Send(body)
			}
			return
		}
		w.corr.RecordDedup(key, requestID)
	}

	callbackKind := gwtypes.CallbackWSInternal
	if req.CallbackURL != "" {
		callbackKind = gwtypes.CallbackHTTPURL
	}
	if _, err := w.store.Register(requestID, action, callbackKind, req.CallbackURL); err != nil {
		w.reply(conn, action, requestID, "error", nil, err.Error())
		return
	}
	w.callers.set(requestID, conn.ID)

	if err := w.corr.Dispatch(w.extHub, action, requestID, spec.params(req)); err != nil {
		log.Printf("gateway: dispatch failed for %s (%s): %v", requestID, action, err)
	}

	w.reply(conn, action, requestID, "pending", nil, "")
}

func (w *requestWiring) reply(conn *gwws.Connection, action gwtypes.Action, requestID, status string, data interface{}, message string) {
	resp := protocol.AutomationResponse{
		Type:      protocol.ResponseTypeFor(string(action)),
		RequestID: requestID,
		Status:    status,
		Data:      data,
		Message:   message,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = conn.Send(body)
}

func (w *requestWiring) replyRateLimited(conn *gwws.Connection, action gwtypes.Action, requestID string, retryAfter time.Duration) {
	resp := struct {
		Type       string `json:"type"`
		RequestID  string `json:"requestId"`
		Status     string `json:"status"`
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}{
		Type:       protocol.ResponseTypeFor(string(action)),
		RequestID:  requestID,
		Status:     "error",
		Error:      "gateway at capacity",
		RetryAfter: int(retryAfter.Seconds()),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = conn.Send(body)
}

// handleExtensionMessage implements the extension-origin half of spec.md
// §4.5: chunk reassembly, terminal completion/error, and the tab-snapshot
// push, forwarding every terminal result to the Client Hub, the HTTP
// Front End's SSE/long-poll listeners, and the originating automation
// connection's WS socket (in that priority, since TryDeliverWS is
// exactly-once and harmless to call after the others).
func (w *requestWiring) handleExtensionMessage(conn *gwws.Connection, msgType string, msg interface{}, requestID string) {
	switch msgType {
	case protocol.TypeTabHTMLChunk:
		chunk, ok := msg.(protocol.ExtHTMLChunkMsg)
		if !ok {
			return
		}
		html, complete := w.corr.AppendChunk(requestID, chunk.ChunkIndex, chunk.ChunkData, chunk.TotalChunks)
		if complete {
			w.completeRequest(requestID, w.corr.CompleteFromExtension(requestID, map[string]interface{}{"html": html}))
		}
	case protocol.TypeError:
		errMsg, ok := msg.(protocol.ExtErrorMsg)
		if !ok {
			return
		}
		w.completeRequest(requestID, w.corr.FailFromExtension(requestID, errMsg.Message))
	case protocol.TypeData:
		snapshot, ok := msg.(protocol.DataMsg)
		if !ok {
			return
		}
		w.clientHub.Publish("tabs_update", snapshot)
		w.http.EmitEvent("tabs_update", snapshot)
	default:
		complete, ok := msg.(protocol.ExtCompleteMsg)
		if !ok {
			return
		}
		w.completeRequest(requestID, w.corr.CompleteFromExtension(requestID, extCompleteData(complete)))
	}
}

// extCompleteData flattens an ExtCompleteMsg's operation-specific fields
// into the terminal data map a Pending Request carries, since different
// actions populate different subsets of the shape (spec.md §6).
func extCompleteData(m protocol.ExtCompleteMsg) map[string]interface{} {
	data := make(map[string]interface{})
	if m.TabID != nil {
		data["tabId"] = m.TabID
	}
	if m.URL != "" {
		data["url"] = m.URL
	}
	if m.Cookies != nil {
		data["cookies"] = m.Cookies
	}
	if m.Result != nil {
		data["result"] = m.Result
	}
	if m.HTML != "" {
		data["html"] = m.HTML
	}
	return data
}

// handleTimeouts runs the Correlator's DISPATCHED -> TIMEOUT cleanup and
// the shared completion fan-out for every requestId a Callback Store sweep
// (scheduled, emergency, or admin-triggered) has just marked timed out, so
// a sweep-driven timeout reaches WS/event/NATS delivery exactly like an
// extension-reported completion (spec.md §4.4, §8 Scenario C).
func (w *requestWiring) handleTimeouts(requestIDs []string) {
	for _, id := range requestIDs {
		w.corr.HandleTimeout(id)
		w.completeRequest(id, nil)
	}
}

func (w *requestWiring) completeRequest(requestID string, completeErr error) {
	if completeErr != nil {
		log.Printf("gateway: failed to complete request %s: %v", requestID, completeErr)
		return
	}
	req, ok := w.store.Get(requestID)
	if !ok {
		return
	}

	w.http.EmitCallbackResult(req)
	if eventName, ok := eventForAction[req.OperationType]; ok {
		w.clientHub.Publish(eventName, req.TerminalData)
		w.http.EmitEvent(eventName, req.TerminalData)
	}

	connID, ok := w.callers.take(requestID)
	if !ok {
		return
	}
	w.corr.TryDeliverWS(requestID, func(pr *gwtypes.PendingRequest) bool {
		target := w.ws.Connections().Get(connID)
		if target == nil {
			return false
		}
		body, err := json.Marshal(protocol.AutomationResponse{
			Type:      protocol.ResponseTypeFor(string(pr.OperationType)),
			RequestID: pr.RequestID,
			Status:    pr.Status,
			Data:      pr.TerminalData,
		})
		if err != nil {
			return false
		}
		return target.Send(body) == nil
	})
}
