// Package resmon implements the Resource Monitor: a periodic health
// check over the Callback Store's pending load, the admission gate that
// check consults, and the emergency sweep triggered once usage reaches
// the critical threshold (spec.md §4.9). It has no direct analogue in
// the teacher, which never tracks a bounded pending-request table; the
// periodic-tick/done-channel shape follows the teacher's own heartbeat
// loop (internal/ws/heartbeat.go, adapted here as internal/gwws's
// StartHeartbeat) generalized from "ping every connection" to "sample
// load and react".
package resmon

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/callbackstore"
	"github.com/brwsrgw/browser-control-gateway/internal/correlator"
	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
)

// Status mirrors spec.md §4.9's three-level health classification.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// retryAfter is the fixed backoff a rejected caller is told to wait,
// per spec.md §4.9.
const retryAfter = 5 * time.Second

// Health is one point-in-time snapshot, returned by Check and cached for
// canAcceptRequest to consult without recomputing on every request.
type Health struct {
	Status          Status
	PendingCount    int
	PendingByAction map[gwtypes.Action]int
	StorePending    int
	HeapBytes       uint64
	RSSBytes        uint64
	Usage           float64
	CheckedAt       time.Time
}

// Monitor periodically samples the Callback Store's load and exposes the
// admission gate the HTTP Front End and the automation-WS dispatcher
// consult before registering a new pending request (spec.md §4.9).
type Monitor struct {
	store      *callbackstore.Store
	correlator *correlator.Correlator
	clock      gwclock.Clock

	maxPending       int
	warningThreshold float64
	requestTimeout   time.Duration
	checkInterval    time.Duration

	mu   sync.RWMutex
	last Health

	// onTimeout, when set, is called with every requestId the emergency
	// sweep's force-timeout and regular timeout passes mark timed out, so
	// the caller can route them through the same completion fan-out an
	// extension-reported result goes through (spec.md §4.4, §8 Scenario C).
	onTimeout func(requestIDs []string)

	done chan struct{}
}

// New creates a Monitor. warningThreshold and checkInterval default to
// spec.md §4.9's 0.8 and 30s respectively when zero.
func New(store *callbackstore.Store, corr *correlator.Correlator, clock gwclock.Clock, maxPending int, requestTimeout time.Duration, warningThreshold float64, checkInterval time.Duration) *Monitor {
	if warningThreshold <= 0 {
		warningThreshold = 0.8
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	m := &Monitor{
		store:            store,
		correlator:       corr,
		clock:            clock,
		maxPending:       maxPending,
		warningThreshold: warningThreshold,
		requestTimeout:   requestTimeout,
		checkInterval:    checkInterval,
		done:             make(chan struct{}),
	}
	m.last = m.sample()
	return m
}

// SetTimeoutHook wires fn to run for every requestId the emergency sweep
// force-times-out or times out, so the caller's completion fan-out
// reaches WS/event/NATS delivery even when the Resource Monitor drove the
// transition rather than an extension reply. Must be called before Start.
func (m *Monitor) SetTimeoutHook(fn func(requestIDs []string)) {
	m.onTimeout = fn
}

// Start begins the periodic health-check loop in the background. Call
// Stop to end it at shutdown.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop ends the background loop.
func (m *Monitor) Stop() {
	close(m.done)
}

// Check samples current load, updates the cached snapshot canAcceptRequest
// consults, and runs the emergency sweep if usage has reached the
// critical threshold (spec.md §4.9).
func (m *Monitor) Check() Health {
	h := m.sample()

	m.mu.Lock()
	m.last = h
	m.mu.Unlock()

	switch h.Status {
	case StatusCritical:
		log.Printf("resmon: critical load (pending=%d/%d, usage=%.2f), running emergency sweep", h.PendingCount, m.maxPending, h.Usage)
		m.emergencySweep()
	case StatusWarning:
		log.Printf("resmon: elevated load (pending=%d/%d, usage=%.2f)", h.PendingCount, m.maxPending, h.Usage)
	}
	return h
}

func (m *Monitor) sample() Health {
	pendingCount := m.store.PendingCount()
	usage := 0.0
	if m.maxPending > 0 {
		usage = float64(pendingCount) / float64(m.maxPending)
	}

	status := StatusOK
	switch {
	case usage >= 1.0:
		status = StatusCritical
	case usage >= m.warningThreshold:
		status = StatusWarning
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Health{
		Status:          status,
		PendingCount:    pendingCount,
		PendingByAction: m.store.PendingByAction(),
		StorePending:    m.store.Len(),
		HeapBytes:       mem.HeapAlloc,
		RSSBytes:        rssBytes(),
		Usage:           usage,
		CheckedAt:       m.clock.Now(),
	}
}

// emergencySweep force-times-out Correlator entries older than
// 2 x requestTimeout, runs the Callback Store's regular sweeps, and
// prunes stale dedup entries (spec.md §4.9).
func (m *Monitor) emergencySweep() {
	forced := m.store.ForceTimeoutOlderThan(2 * m.requestTimeout)
	timedOut := m.store.SweepTimeouts()
	retained := m.store.SweepRetention()
	dedupSwept := m.correlator.SweepDedup()

	if m.onTimeout != nil {
		if ids := append(append([]string{}, forced...), timedOut...); len(ids) > 0 {
			m.onTimeout(ids)
		}
	}
	log.Printf("resmon: emergency sweep forced=%d timedOut=%d retentionSwept=%d dedupSwept=%d", len(forced), len(timedOut), retained, dedupSwept)
}

// Snapshot returns the most recently cached health check without
// forcing a fresh sample, used by /api/status.
func (m *Monitor) Snapshot() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// CanAcceptRequest is the admission gate spec.md §4.9 requires the HTTP
// Front End and the automation-WS dispatcher to consult before
// registering a new pending request: pending >= maxPending is rejected
// with a fixed 5s retryAfter.
func (m *Monitor) CanAcceptRequest() (bool, time.Duration) {
	m.mu.RLock()
	pending := m.last.PendingCount
	m.mu.RUnlock()

	if m.maxPending > 0 && pending >= m.maxPending {
		return false, retryAfter
	}
	return true, 0
}
