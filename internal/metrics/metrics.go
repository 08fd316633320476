// Package metrics wires the module's prometheus instrumentation, following
// the teacher's pkg/metrics convention: a fixed namespace/subsystem and a
// handful of promauto-registered vectors keyed by component.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "fleetmon"
	subsystem = "core"
)

var (
	// CycleDuration tracks how long a full poll->parse->derive->publish
	// refresh cycle took.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "refresh_cycle_duration_seconds",
		Help:      "Duration of a full refresh cycle in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// PollFailuresTotal counts per-node poll failures.
	PollFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "node_poll_failures_total",
		Help:      "Total number of failed node polls, by node key",
	}, []string{"node"})

	// ParseFailuresTotal counts structural parse failures, by node.
	ParseFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stats_parse_failures_total",
		Help:      "Total number of telemetry payloads that failed to parse, by node",
	}, []string{"node"})

	// BackendStatus exposes the current status of each backend as a gauge,
	// one time series per (backend, status) pair set to 1 for the active
	// status and 0 otherwise, so a dashboard can stack-count by status.
	// Nothing in the module sets this gauge or GroupStatus, so neither
	// exports any series.
	BackendStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "backend_status",
		Help:      "1 if the backend currently has this status, 0 otherwise",
	}, []string{"backend", "status"})

	// GroupStatus mirrors BackendStatus for groups.
	GroupStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "group_status",
		Help:      "1 if the group currently has this status, 0 otherwise",
	}, []string{"group", "status"})

	// DCResolverFallbacksTotal counts lookups that fell back to the
	// hostname because the external lookup failed.
	DCResolverFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dc_resolver_fallbacks_total",
		Help:      "Total number of DC lookups that fell back to the hostname itself",
	})

	// DCCacheSize reports the in-memory host->DC map size.
	DCCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dc_cache_size",
		Help:      "Number of host->datacenter entries currently cached in memory",
	})
)

// Handler returns the HTTP handler that serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
