package clienthub

import (
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestAddGetRemove(t *testing.T) {
	h := NewHub()
	now := time.Now()
	h.Add("auto-1", "1.1.1.1", "sess-1", &fakeSender{}, now)

	conn, ok := h.Get("auto-1")
	if !ok {
		t.Fatal("expected auto-1 to be present")
	}
	if conn.RemoteAddr != "1.1.1.1" {
		t.Errorf("expected remote addr preserved, got %q", conn.RemoteAddr)
	}

	if !h.Remove("auto-1") {
		t.Fatal("expected Remove to find auto-1")
	}
	if h.Count() != 0 {
		t.Errorf("expected 0 connections after removal, got %d", h.Count())
	}
}

func TestSubscribe_IgnoresUnknownEventNames(t *testing.T) {
	h := NewHub()
	now := time.Now()
	h.Add("auto-1", "", "", &fakeSender{}, now)
	conn, _ := h.Get("auto-1")

	conn.Subscribe([]string{"tab_opened", "not_a_real_event"})

	subs := conn.Subscriptions()
	if len(subs) != 1 || subs[0] != "tab_opened" {
		t.Fatalf("expected only tab_opened to be retained, got %v", subs)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	now := time.Now()
	h.Add("auto-1", "", "", &fakeSender{}, now)
	conn, _ := h.Get("auto-1")

	conn.Subscribe([]string{"tab_opened", "tab_closed"})
	conn.Unsubscribe([]string{"tab_opened"})

	subs := conn.Subscriptions()
	if len(subs) != 1 || subs[0] != "tab_closed" {
		t.Fatalf("expected only tab_closed to remain, got %v", subs)
	}
}

func TestPublish_OnlyReachesSubscribers(t *testing.T) {
	h := NewHub()
	now := time.Now()
	subscribed, unsubscribed := &fakeSender{}, &fakeSender{}
	h.Add("auto-1", "", "", subscribed, now)
	h.Add("auto-2", "", "", unsubscribed, now)

	conn1, _ := h.Get("auto-1")
	conn1.Subscribe([]string{"tab_opened"})

	h.Publish("tab_opened", map[string]interface{}{"tabId": 1})

	if subscribed.sentCount() != 1 {
		t.Errorf("expected the subscribed connection to receive 1 push, got %d", subscribed.sentCount())
	}
	if unsubscribed.sentCount() != 0 {
		t.Errorf("expected the unsubscribed connection to receive nothing, got %d", unsubscribed.sentCount())
	}
}

func TestTouchAndTouchPong(t *testing.T) {
	h := NewHub()
	now := time.Now()
	h.Add("auto-1", "", "", &fakeSender{}, now)

	later := now.Add(time.Second)
	h.Touch("auto-1", later)
	h.TouchPong("auto-1", later)

	conn, _ := h.Get("auto-1")
	if !conn.LastActivity.Equal(later) {
		t.Errorf("expected LastActivity updated, got %v", conn.LastActivity)
	}
	if !conn.LastPong.Equal(later) {
		t.Errorf("expected LastPong updated, got %v", conn.LastPong)
	}
	if conn.MsgCount != 1 {
		t.Errorf("expected MsgCount 1, got %d", conn.MsgCount)
	}
}
