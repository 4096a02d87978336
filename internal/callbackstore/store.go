// Package callbackstore implements the Callback Store: the keyed table of
// Pending Requests awaiting a terminal result, their TTL/retention
// sweeps, long-poll wakeups, and HTTP callback delivery (spec.md §4.4,
// §4.8).
package callbackstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
)

var (
	ErrAtCapacity        = errors.New("callbackstore: at max pending responses")
	ErrAlreadyRegistered = errors.New("callbackstore: requestId already registered")
	ErrNotFound          = errors.New("callbackstore: requestId not found")
)

const httpCallbackTimeout = 10 * time.Second

// Store holds Pending Requests from registration through completion and a
// bounded retention window afterward, so a slightly-late long-poll or a
// deduplicated resend still finds the terminal result (spec.md §4.4).
type Store struct {
	mu      sync.RWMutex
	pending map[string]*gwtypes.PendingRequest
	notify  map[string]chan struct{}

	clock          gwclock.Clock
	maxPending     int
	requestTimeout time.Duration
	retention      time.Duration

	httpClient *http.Client
}

// NewStore creates an empty Store.
func NewStore(clock gwclock.Clock, maxPending int, requestTimeout, retention time.Duration) *Store {
	return &Store{
		pending:        make(map[string]*gwtypes.PendingRequest),
		notify:         make(map[string]chan struct{}),
		clock:          clock,
		maxPending:     maxPending,
		requestTimeout: requestTimeout,
		retention:      retention,
		httpClient:     &http.Client{Timeout: httpCallbackTimeout},
	}
}

// Register admits a new pending request. It enforces the configured
// capacity bound (spec.md §5's maxPendingResponses) and rejects a
// requestId that is already tracked, since the Correlator's dedup table
// is expected to have already screened for resends before calling here.
func (s *Store) Register(requestID string, opType gwtypes.Action, callbackKind gwtypes.CallbackKind, callbackURL string) (*gwtypes.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[requestID]; exists {
		return nil, ErrAlreadyRegistered
	}
	if len(s.pending) >= s.maxPending {
		return nil, ErrAtCapacity
	}

	req := &gwtypes.PendingRequest{
		RequestID:     requestID,
		OperationType: opType,
		CallbackKind:  callbackKind,
		CallbackURL:   callbackURL,
		CreatedAt:     s.clock.Now(),
		TTL:           s.requestTimeout,
		Status:        gwtypes.StatusPending,
	}
	s.pending[requestID] = req
	s.notify[requestID] = make(chan struct{})
	return req, nil
}

// Get returns the current state of requestId, whether pending or
// terminal (still within the retention window).
func (s *Store) Get(requestID string) (*gwtypes.PendingRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.pending[requestID]
	return req, ok
}

// MarkProcessing transitions a pending request to "processing" once it
// has been dispatched to an extension (spec.md §4.5).
func (s *Store) MarkProcessing(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.pending[requestID]; ok && req.Status == gwtypes.StatusPending {
		req.Status = gwtypes.StatusProcessing
	}
}

// TryMarkWSPushed atomically sets the WSPushed flag for requestId if it
// is not already set, returning whether this call won the race. Exactly
// one caller can ever win per request, giving the exactly-once WS
// delivery guarantee the Correlator relies on (spec.md §4.4, §4.5).
func (s *Store) TryMarkWSPushed(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[requestID]
	if !ok || req.WSPushed {
		return false
	}
	req.WSPushed = true
	return true
}

// Complete records a terminal success result for requestId, wakes any
// long-poll waiters, and fires an HTTP callback if one was registered.
func (s *Store) Complete(requestID string, data map[string]interface{}) error {
	return s.terminalize(requestID, gwtypes.StatusCompleted, data)
}

// Fail records a terminal error result for requestId.
func (s *Store) Fail(requestID string, message string) error {
	return s.terminalize(requestID, gwtypes.StatusError, map[string]interface{}{"error": message})
}

func (s *Store) terminalize(requestID, status string, data map[string]interface{}) error {
	s.mu.Lock()
	req, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if req.Status == gwtypes.StatusCompleted || req.Status == gwtypes.StatusTimeout || req.Status == gwtypes.StatusError {
		s.mu.Unlock()
		return nil // already terminal; exactly-once delivery handled by the Correlator's wsPushed flag
	}
	req.Status = status
	req.TerminalData = data
	ch := s.notify[requestID]
	s.mu.Unlock()

	if ch != nil {
		close(ch)
	}

	if req.CallbackKind == gwtypes.CallbackHTTPURL && req.CallbackURL != "" {
		go s.deliverHTTPCallback(req)
	}
	return nil
}

// WaitFor blocks until requestId reaches a terminal status, ctx is
// cancelled, or maxWait elapses — the long-poll semantics of
// GET /callback_response/{requestId} (spec.md §4.8). It returns the
// current (possibly still-pending) state and whether it is terminal.
func (s *Store) WaitFor(ctx context.Context, requestID string, maxWait time.Duration) (*gwtypes.PendingRequest, bool) {
	s.mu.RLock()
	req, ok := s.pending[requestID]
	ch := s.notify[requestID]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if isTerminal(req.Status) {
		return req, true
	}
	if ch == nil {
		return req, false
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	req = s.pending[requestID]
	return req, req != nil && isTerminal(req.Status)
}

func isTerminal(status string) bool {
	switch status {
	case gwtypes.StatusCompleted, gwtypes.StatusTimeout, gwtypes.StatusError:
		return true
	default:
		return false
	}
}

func (s *Store) deliverHTTPCallback(req *gwtypes.PendingRequest) {
	body, err := json.Marshal(map[string]interface{}{
		"requestId": req.RequestID,
		"status":    req.Status,
		"data":      req.TerminalData,
	})
	if err != nil {
		log.Printf("callbackstore: failed to marshal callback body for %s: %v", req.RequestID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpCallbackTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("callbackstore: failed to build callback request for %s: %v", req.RequestID, err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("callbackstore: callback delivery failed for %s: %v", req.RequestID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("callbackstore: callback endpoint for %s returned status %d", req.RequestID, resp.StatusCode)
	}
}

// timeoutPayload builds the synthetic error payload a timeout transition
// stores as TerminalData, the literal shape spec.md §4.4/§7 specify:
// {status: error, type: timeout, requestId, message, operationType}.
func timeoutPayload(req *gwtypes.PendingRequest) map[string]interface{} {
	return map[string]interface{}{
		"status":        gwtypes.StatusError,
		"type":          "timeout",
		"requestId":     req.RequestID,
		"message":       fmt.Sprintf("Request timed out after %dms", req.TTL.Milliseconds()),
		"operationType": req.OperationType,
	}
}

// SweepTimeouts marks any still-pending/processing request past its TTL
// as timed out, waking long-poll waiters and firing any HTTP callback.
// Runs on the timeoutCheckInterval tick (spec.md §4.4, default 5s). The
// returned requestIds let the caller route each timeout through the same
// completion fan-out an extension-reported result goes through.
func (s *Store) SweepTimeouts() []string {
	now := s.clock.Now()

	s.mu.Lock()
	var overdue []string
	var callbacks []*gwtypes.PendingRequest
	for id, req := range s.pending {
		if !isTerminal(req.Status) && now.After(req.TerminalAt()) {
			req.Status = gwtypes.StatusTimeout
			req.TerminalData = timeoutPayload(req)
			overdue = append(overdue, id)
			if req.CallbackKind == gwtypes.CallbackHTTPURL && req.CallbackURL != "" {
				callbacks = append(callbacks, req)
			}
		}
	}
	chans := make([]chan struct{}, 0, len(overdue))
	for _, id := range overdue {
		if ch := s.notify[id]; ch != nil {
			chans = append(chans, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	for _, req := range callbacks {
		go s.deliverHTTPCallback(req)
	}
	if len(overdue) > 0 {
		log.Printf("callbackstore: timed out %d pending request(s)", len(overdue))
	}
	return overdue
}

// ForceTimeoutOlderThan times out any still-pending/processing entry
// whose age exceeds maxAge, regardless of its own TTL. The Resource
// Monitor calls this with 2x requestTimeout during an emergency sweep
// to shed load once usage has reached the critical threshold (spec.md
// §4.9), independent of SweepTimeouts's regular per-entry TTL check. The
// returned requestIds feed the same completion fan-out as SweepTimeouts.
func (s *Store) ForceTimeoutOlderThan(maxAge time.Duration) []string {
	now := s.clock.Now()

	s.mu.Lock()
	var overdue []string
	var callbacks []*gwtypes.PendingRequest
	for id, req := range s.pending {
		if !isTerminal(req.Status) && now.Sub(req.CreatedAt) > maxAge {
			req.Status = gwtypes.StatusTimeout
			req.TerminalData = timeoutPayload(req)
			overdue = append(overdue, id)
			if req.CallbackKind == gwtypes.CallbackHTTPURL && req.CallbackURL != "" {
				callbacks = append(callbacks, req)
			}
		}
	}
	chans := make([]chan struct{}, 0, len(overdue))
	for _, id := range overdue {
		if ch := s.notify[id]; ch != nil {
			chans = append(chans, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	for _, req := range callbacks {
		go s.deliverHTTPCallback(req)
	}
	if len(overdue) > 0 {
		log.Printf("callbackstore: force-timed-out %d pending request(s) older than %v under resource pressure", len(overdue), maxAge)
	}
	return overdue
}

// Clear wipes the pending-request table, closing any still-open notify
// channels first so no long-poll waiter blocks forever, used during
// graceful shutdown (spec.md §5 testable property 9).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range s.pending {
		if !isTerminal(req.Status) {
			if ch := s.notify[id]; ch != nil {
				close(ch)
			}
		}
	}
	s.pending = make(map[string]*gwtypes.PendingRequest)
	s.notify = make(map[string]chan struct{})
}

// SweepRetention evicts terminal entries once retention has passed since
// their deadline (CreatedAt + TTL), bounding memory for a long-running
// gateway (spec.md §4.4 default 5m retention). The completion time is not
// recorded, so an entry that completed early is kept until TTL plus
// retention after its creation.
func (s *Store) SweepRetention() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.pending {
		if isTerminal(req.Status) && now.Sub(req.TerminalAt()) > s.retention {
			delete(s.pending, id)
			delete(s.notify, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("callbackstore: retention sweep removed %d terminal request(s)", removed)
	}
	return removed
}

// Len returns the number of entries currently tracked (pending or within
// the retention window), used for admission control and /api/status.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// PendingCount returns the number of entries that have not yet reached a
// terminal status, the figure the Resource Monitor compares against
// maxPendingResponses for its usage ratio (spec.md §4.9) — unlike Len,
// it excludes completed/timed-out/errored entries still held for their
// retention window.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, req := range s.pending {
		if !isTerminal(req.Status) {
			n++
		}
	}
	return n
}

// PendingByAction returns the non-terminal pending count broken down by
// operation type, the Resource Monitor's per-operation breakdown
// (spec.md §4.9).
func (s *Store) PendingByAction() map[gwtypes.Action]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	breakdown := make(map[gwtypes.Action]int)
	for _, req := range s.pending {
		if !isTerminal(req.Status) {
			breakdown[req.OperationType]++
		}
	}
	return breakdown
}
