// Package metrics exports Prometheus instrumentation for the sandbox control
// plane and the egress proxy sidecar.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics (C3)
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_sandboxes_total",
			Help: "Total number of sandboxes by kind and pool status",
		},
		[]string{"kind", "pool_status"},
	)

	PoolTarget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_pool_target",
			Help: "Configured warm pool target size by kind",
		},
		[]string{"kind"},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_allocations_total",
			Help: "Total sandbox allocations by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: warm_hit, no_warm, on_demand, capacity_exceeded
	)

	AllocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_allocation_duration_seconds",
			Help:    "Time to satisfy an allocation request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"},
	)

	BackfillCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_backfill_created_total",
			Help: "Total sandboxes created by the back-fill loop",
		},
	)

	// Lifecycle metrics (C4)
	LifecycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_lifecycle_duration_seconds",
			Help:    "Time from Created to Ready or Failed",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	LifecycleOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_lifecycle_outcomes_total",
			Help: "Terminal lifecycle outcomes",
		},
		[]string{"outcome"}, // ready, failed
	)

	// Cleanup metrics (C5)
	CleanupEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_cleanup_evictions_total",
			Help: "Sandboxes evicted by the cleanup worker",
		},
		[]string{"reason"}, // exceeded-max-lifetime, idle-timeout, max-warm-age
	)

	CleanupSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_cleanup_sweep_duration_seconds",
			Help:    "Time to complete one cleanup sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gateway metrics (C6)
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_gateway_requests_total",
			Help: "Gateway requests by route and status class",
		},
		[]string{"route", "status"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_executions_total",
			Help: "Command executions proxied to sandboxes",
		},
		[]string{"outcome"}, // completed, timed_out, gateway_error
	)

	// Egress proxy metrics (C7)
	ProxyConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_proxy_connections_total",
			Help: "CONNECT tunnels handled by the egress proxy",
		},
		[]string{"mode"}, // mitm, passthrough, deny
	)

	ProxyTokenCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_proxy_token_cache_total",
			Help: "Token cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, refresh
	)

	ProxyCertCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_proxy_cert_cache_size",
			Help: "Number of leaf certificates cached by the CA helper",
		},
	)

	// Raft/control metrics (C2 backing store)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_raft_is_leader",
			Help: "Whether this control-plane replica holds the raft leader lease",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_raft_apply_duration_seconds",
			Help:    "Time to commit a state mutation through raft",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesTotal,
		PoolTarget,
		AllocationsTotal,
		AllocationDuration,
		BackfillCreatedTotal,
		LifecycleDuration,
		LifecycleOutcomesTotal,
		CleanupEvictionsTotal,
		CleanupSweepDuration,
		GatewayRequestsTotal,
		ExecutionsTotal,
		ProxyConnectionsTotal,
		ProxyTokenCacheHits,
		ProxyCertCacheSize,
		RaftLeader,
		RaftApplyDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
