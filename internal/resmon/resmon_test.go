package resmon

import (
	"sync"
	"testing"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/callbackstore"
	"github.com/brwsrgw/browser-control-gateway/internal/correlator"
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

func TestCheck_ReportsOKBelowWarningThreshold(t *testing.T) {
	clock := newManualClock()
	store := callbackstore.NewStore(clock, 10, time.Minute, time.Minute)
	corr := correlator.New(store, clock, 5*time.Second)
	m := New(store, corr, clock, 10, time.Minute, 0.8, time.Minute)

	store.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")

	h := m.Check()
	if h.Status != StatusOK {
		t.Errorf("expected status ok with 1/10 pending, got %q", h.Status)
	}
}

func TestCheck_ReportsWarningAtThreshold(t *testing.T) {
	clock := newManualClock()
	store := callbackstore.NewStore(clock, 10, time.Minute, time.Minute)
	corr := correlator.New(store, clock, 5*time.Second)
	m := New(store, corr, clock, 10, time.Minute, 0.8, time.Minute)

	for i := 0; i < 8; i++ {
		store.Register(requestIDFor(i), gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	}

	h := m.Check()
	if h.Status != StatusWarning {
		t.Errorf("expected status warning at 8/10 pending, got %q", h.Status)
	}
}

func TestCheck_CriticalTriggersEmergencySweep(t *testing.T) {
	clock := newManualClock()
	store := callbackstore.NewStore(clock, 10, time.Minute, time.Minute)
	corr := correlator.New(store, clock, 5*time.Second)
	m := New(store, corr, clock, 10, time.Minute, 0.8, time.Minute)

	for i := 0; i < 10; i++ {
		store.Register(requestIDFor(i), gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	}
	clock.Advance(3 * time.Minute) // older than 2x requestTimeout

	h := m.Check()
	if h.Status != StatusCritical {
		t.Fatalf("expected status critical at 10/10 pending, got %q", h.Status)
	}
	if m.store.PendingCount() != 0 {
		t.Errorf("expected the emergency sweep to force-timeout every overdue entry, got %d still pending", m.store.PendingCount())
	}
}

func TestCanAcceptRequest_RejectsAtCapacity(t *testing.T) {
	clock := newManualClock()
	store := callbackstore.NewStore(clock, 2, time.Minute, time.Minute)
	corr := correlator.New(store, clock, 5*time.Second)
	m := New(store, corr, clock, 2, time.Minute, 0.8, time.Minute)

	store.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	store.Register("req-2", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	m.Check()

	ok, wait := m.CanAcceptRequest()
	if ok {
		t.Fatal("expected rejection once pending count reaches maxPending")
	}
	if wait != retryAfter {
		t.Errorf("expected retryAfter %v, got %v", retryAfter, wait)
	}
}

func TestPendingByAction_BreaksDownByOperation(t *testing.T) {
	clock := newManualClock()
	store := callbackstore.NewStore(clock, 10, time.Minute, time.Minute)
	corr := correlator.New(store, clock, 5*time.Second)
	m := New(store, corr, clock, 10, time.Minute, 0.8, time.Minute)

	store.Register("req-1", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	store.Register("req-2", gwtypes.ActionGetTabs, gwtypes.CallbackInternal, "")
	store.Register("req-3", gwtypes.ActionOpenURL, gwtypes.CallbackInternal, "")

	h := m.Check()
	if h.PendingByAction[gwtypes.ActionGetTabs] != 2 {
		t.Errorf("expected 2 get_tabs pending, got %d", h.PendingByAction[gwtypes.ActionGetTabs])
	}
	if h.PendingByAction[gwtypes.ActionOpenURL] != 1 {
		t.Errorf("expected 1 open_url pending, got %d", h.PendingByAction[gwtypes.ActionOpenURL])
	}
}

func requestIDFor(i int) string {
	return "req-" + string(rune('a'+i))
}
