// Package gwmetrics provides Prometheus instrumentation for the gateway,
// adapted from the teacher's internal/metrics: the same package-level
// var block registered in init(), generalized from chat/match gauges to
// connection/request/correlator gauges and counters for this domain.
package gwmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExtensionConnections tracks the current number of admitted browser
	// extension connections (Extension Hub, spec.md §4.6).
	ExtensionConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_extension_connections",
		Help: "Current number of admitted browser extension connections",
	})

	// AutomationConnections tracks the current number of admitted
	// automation client connections (Client Hub, spec.md §4.7).
	AutomationConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_automation_connections",
		Help: "Current number of admitted automation client connections",
	})

	// SessionsActive tracks the current number of live auth sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Current number of live authenticated sessions",
	})

	// PendingRequests tracks the current number of non-terminal Callback
	// Store entries (spec.md §4.4, §4.9).
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_pending_requests",
		Help: "Current number of non-terminal pending requests",
	})

	// RequestsTotal counts completed requests, labeled by action and
	// terminal status ("completed", "timeout", "error").
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of requests reaching a terminal status",
	}, []string{"action", "status"})

	// RequestLatency records time from dispatch to terminal result.
	RequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Time from request dispatch to terminal result",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// DedupHitsTotal counts requests collapsed onto an in-flight
	// duplicate (spec.md §3 Dedup Key).
	DedupHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_dedup_hits_total",
		Help: "Total number of requests deduplicated onto an in-flight duplicate",
	})

	// RateLimitRejectionsTotal counts requests rejected by the sliding
	// window limiter, labeled by rule name.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"rule"})

	// AuthFailuresTotal counts failed challenge/response verifications.
	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "Total number of failed auth handshake attempts",
	})

	// LockoutsTotal counts auth-failure lockouts imposed.
	LockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_lockouts_total",
		Help: "Total number of remote addresses locked out after repeated auth failures",
	})

	// ResourceMonitorStatus is 0/1/2 for ok/warning/critical, the same
	// classification internal/resmon computes (spec.md §4.9).
	ResourceMonitorStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_resource_monitor_status",
		Help: "Resource monitor status: 0=ok, 1=warning, 2=critical",
	})
)

func init() {
	prometheus.MustRegister(
		ExtensionConnections,
		AutomationConnections,
		SessionsActive,
		PendingRequests,
		RequestsTotal,
		RequestLatency,
		DedupHitsTotal,
		RateLimitRejectionsTotal,
		AuthFailuresTotal,
		LockoutsTotal,
		ResourceMonitorStatus,
	)
}

// Handler returns the Prometheus metrics HTTP handler, mounted at
// /metrics by cmd/gateway/main.go the same way the teacher mounts it in
// cmd/wsserver/main.go.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusValue maps a resmon.Status string to the gauge value
// ResourceMonitorStatus expects, kept here instead of importing
// internal/resmon to avoid a dependency cycle (internal/resmon stays
// metrics-agnostic; cmd/gateway wires the two together).
func StatusValue(status string) float64 {
	switch status {
	case "warning":
		return 1
	case "critical":
		return 2
	default:
		return 0
	}
}
