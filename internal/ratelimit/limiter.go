// Package ratelimit provides an in-memory sliding-window rate limiter and a
// companion lockout table. Unlike the teacher's Redis INCR+EXPIRE fixed
// window, the gateway's correlator needs to test a limit without consuming
// it (e.g. checking the global limit before the sensitive limit for the
// same inbound request) and needs exact per-key timestamp windows rather
// than a window that resets at a fixed wall-clock boundary — so the
// counters live in locked in-memory maps instead, with CheckLimit kept
// strictly side-effect-free from Record.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
)

// Rule describes a sliding-window policy: at most Limit events per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Standard rate limiting rules (spec.md §4.3).
var (
	// RuleGlobal bounds total inbound requests per automation connection
	// (spec.md §4.3's ≈300/60s default).
	RuleGlobal = Rule{Limit: 300, Window: time.Minute}

	// RuleSensitive bounds the named sensitive actions (execute_script,
	// get_cookies, inject_css) per automation connection (spec.md §4.3's
	// ≈30/60s default).
	RuleSensitive = Rule{Limit: 30, Window: time.Minute}

	// RuleCallbackPoll bounds long-poll GET /callback_response requests
	// per requestId, so a caller spinning in a tight loop doesn't starve
	// the callback store.
	RuleCallbackPoll = Rule{Limit: 120, Window: time.Minute}

	// RuleAuthFailure bounds failed challenge/response attempts per
	// remote IP before a lockout is imposed (spec.md §4.2).
	RuleAuthFailure = Rule{Limit: 5, Window: time.Minute}

	// AuthLockoutDuration is how long a remote IP is locked out once its
	// failures in the window reach RuleAuthFailure's limit.
	AuthLockoutDuration = 5 * time.Minute
)

// janitorSweepInterval matches spec.md §4.3's 60s sweep cadence.
const janitorSweepInterval = 60 * time.Second

// Limiter tracks per-key sliding windows of event timestamps plus a
// separate lockout table, both guarded by a single mutex (spec.md §5).
type Limiter struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	lockouts map[string]time.Time // key -> lockout expiry

	clock  gwclock.Clock
	stopCh chan struct{}
}

// NewLimiter creates an empty Limiter.
func NewLimiter(clock gwclock.Clock) *Limiter {
	return &Limiter{
		windows:  make(map[string][]time.Time),
		lockouts: make(map[string]time.Time),
		clock:    clock,
	}
}

// prune removes timestamps older than window from key's slice and returns
// the retained slice. Caller must hold l.mu.
func (l *Limiter) prune(key string, window time.Duration, now time.Time) []time.Time {
	ts := l.windows[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		ts = ts[i:]
		l.windows[key] = ts
	}
	return ts
}

// CheckLimit reports whether key has capacity remaining under rule,
// without recording a new event. Expired timestamps are pruned as a
// transparent side effect, but no new entry is appended.
func (l *Limiter) CheckLimit(key string, rule Rule) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.prune(key, rule.Window, now)
	return len(ts) < rule.Limit
}

// Record appends an event for key at the current time, pruning entries
// that have fallen out of rule's window. It does not check the limit;
// callers that need an atomic check-then-record should use Allow.
func (l *Limiter) Record(key string, rule Rule) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(key, rule.Window, now)
	l.windows[key] = append(l.windows[key], now)
}

// Allow atomically checks and, if permitted, records a single event for
// key under rule. It is the common case for a lone rate-limited action;
// multi-rule admission paths (global then sensitive) use CheckLimit for
// every rule first and only call Record once all rules pass, so that a
// request rejected by the second rule never consumes the first rule's
// budget.
func (l *Limiter) Allow(key string, rule Rule) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.prune(key, rule.Window, now)
	if len(ts) >= rule.Limit {
		return false
	}
	l.windows[key] = append(ts, now)
	return true
}

// Remaining reports how many events key may still record under rule in
// the current window.
func (l *Limiter) Remaining(key string, rule Rule) int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.prune(key, rule.Window, now)
	remaining := rule.Limit - len(ts)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ---------------------------------------------------------------------------
// Lockout table
// ---------------------------------------------------------------------------

// IsLockedOut reports whether key is currently locked out and, if so, the
// remaining lockout duration.
func (l *Limiter) IsLockedOut(key string) (bool, time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.lockouts[key]
	if !ok || !now.Before(expiry) {
		if ok {
			delete(l.lockouts, key)
		}
		return false, 0
	}
	return true, expiry.Sub(now)
}

// Lockout imposes a lockout on key for duration, measured from now.
func (l *Limiter) Lockout(key string, duration time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockouts[key] = now.Add(duration)
}

// ClearLockout removes any lockout on key.
func (l *Limiter) ClearLockout(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lockouts, key)
}

// ---------------------------------------------------------------------------
// Janitor
// ---------------------------------------------------------------------------

// StartJanitor launches a background goroutine that sweeps empty windows
// and expired lockouts every 60s (spec.md §4.3), so long-idle keys don't
// accumulate in the maps forever. Call the returned stop func to end the
// sweep, typically during graceful shutdown.
func (l *Limiter) StartJanitor() (stop func()) {
	l.stopCh = make(chan struct{})
	ticker := time.NewTicker(janitorSweepInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stopCh:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(l.stopCh) })
	}
}

func (l *Limiter) sweep() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	swept := 0
	for key, ts := range l.windows {
		if len(ts) == 0 {
			delete(l.windows, key)
			swept++
			continue
		}
		if now.Sub(ts[len(ts)-1]) > janitorSweepInterval {
			delete(l.windows, key)
			swept++
		}
	}
	for key, expiry := range l.lockouts {
		if !now.Before(expiry) {
			delete(l.lockouts, key)
			swept++
		}
	}
	if swept > 0 {
		log.Printf("ratelimit: janitor swept %d stale entries", swept)
	}
}
