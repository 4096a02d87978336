package callbackstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegisterAndComplete(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)

	req, err := s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if req.Status != gwtypes.StatusPending {
		t.Fatalf("expected pending status, got %q", req.Status)
	}

	if err := s.Complete("req-1", map[string]interface{}{"tabs": 3}); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	got, ok := s.Get("req-1")
	if !ok {
		t.Fatal("expected request to still be tracked after completion")
	}
	if got.Status != gwtypes.StatusCompleted {
		t.Errorf("expected completed status, got %q", got.Status)
	}
}

func TestRegister_RejectsDuplicateRequestID(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)

	if _, err := s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, ""); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegister_RespectsCapacity(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 1, time.Minute, 5*time.Minute)

	if _, err := s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Register("req-2", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, ""); err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestWaitFor_WakesOnCompletion(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	done := make(chan bool, 1)
	go func() {
		_, terminal := s.WaitFor(context.Background(), "req-1", 5*time.Second)
		done <- terminal
	}()

	time.Sleep(20 * time.Millisecond)
	s.Complete("req-1", map[string]interface{}{"ok": true})

	select {
	case terminal := <-done:
		if !terminal {
			t.Fatal("expected WaitFor to report terminal after Complete")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return after completion")
	}
}

func TestWaitFor_TimesOutWhenNeverCompleted(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	_, terminal := s.WaitFor(context.Background(), "req-1", 30*time.Millisecond)
	if terminal {
		t.Fatal("expected WaitFor to return non-terminal after its own deadline")
	}
}

func TestSweepTimeouts(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	clock.Advance(2 * time.Minute)
	ids := s.SweepTimeouts()
	if len(ids) != 1 || ids[0] != "req-1" {
		t.Fatalf("expected [req-1] timed out, got %v", ids)
	}

	req, _ := s.Get("req-1")
	if req.Status != gwtypes.StatusTimeout {
		t.Errorf("expected timeout status, got %q", req.Status)
	}
	if req.TerminalData["type"] != "timeout" || req.TerminalData["requestId"] != "req-1" {
		t.Errorf("expected spec-shaped timeout payload, got %#v", req.TerminalData)
	}
}

func TestSweepRetention(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	s.Complete("req-1", nil)

	if n := s.SweepRetention(); n != 0 {
		t.Fatalf("expected nothing swept immediately after completion, got %d", n)
	}

	clock.Advance(10 * time.Minute)
	if n := s.SweepRetention(); n != 1 {
		t.Fatalf("expected 1 entry swept after retention window, got %d", n)
	}
	if _, ok := s.Get("req-1"); ok {
		t.Fatal("expected request to be gone after retention sweep")
	}
}

func TestDeliverHTTPCallback(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionOpenURL, gwtypes.CallbackHTTPURL, srv.URL)
	s.Complete("req-1", map[string]interface{}{"tabId": 1})

	select {
	case ct := <-received:
		if ct != "application/json" {
			t.Errorf("expected application/json content type, got %q", ct)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the callback server to receive a request")
	}
}

func TestTryMarkWSPushed_ExactlyOnce(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	if !s.TryMarkWSPushed("req-1") {
		t.Fatal("expected the first TryMarkWSPushed to win")
	}
	if s.TryMarkWSPushed("req-1") {
		t.Fatal("expected a second TryMarkWSPushed to lose")
	}
}

func TestTerminalizeIsIdempotent(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	if err := s.Complete("req-1", map[string]interface{}{"a": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Fail("req-1", "too late"); err != nil {
		t.Fatalf("expected no error re-terminalizing an already-terminal request, got %v", err)
	}

	req, _ := s.Get("req-1")
	if req.Status != gwtypes.StatusCompleted {
		t.Errorf("expected the first terminal status to stick, got %q", req.Status)
	}
}

func TestForceTimeoutOlderThan_ReturnsOverdueIDs(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Hour, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionExecuteScript, gwtypes.CallbackInternal, "")

	clock.Advance(time.Minute)
	ids := s.ForceTimeoutOlderThan(30 * time.Second)
	if len(ids) != 1 || ids[0] != "req-1" {
		t.Fatalf("expected [req-1] force-timed-out, got %v", ids)
	}

	req, _ := s.Get("req-1")
	if req.Status != gwtypes.StatusTimeout {
		t.Errorf("expected timeout status, got %q", req.Status)
	}
	if req.TerminalData["type"] != "timeout" {
		t.Errorf("expected spec-shaped timeout payload, got %#v", req.TerminalData)
	}
}

func TestSweepTimeouts_FiresHTTPCallback(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- "hit"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionOpenURL, gwtypes.CallbackHTTPURL, srv.URL)

	clock.Advance(2 * time.Minute)
	s.SweepTimeouts()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected the callback server to receive a request for a swept timeout")
	}
}

func TestClear_WipesPendingAndWakesWaiters(t *testing.T) {
	clock := newManualClock()
	s := NewStore(clock, 10, time.Minute, 5*time.Minute)
	s.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	done := make(chan bool, 1)
	go func() {
		_, terminal := s.WaitFor(context.Background(), "req-1", 5*time.Second)
		done <- terminal
	}()

	time.Sleep(10 * time.Millisecond)
	s.Clear()

	select {
	case terminal := <-done:
		if terminal {
			t.Error("expected WaitFor to report non-terminal after Clear wakes it")
		}
	case <-time.After(time.Second):
		t.Fatal("expected Clear to wake the blocked WaitFor")
	}

	if _, ok := s.Get("req-1"); ok {
		t.Fatal("expected request to be gone after Clear")
	}
}
