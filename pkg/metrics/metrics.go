// Package metrics registers the prometheus collectors this module
// exposes for topology size, circuit breaker transitions, reconciliation
// cycles, and dispatch latency, following the flat var-block-plus-init
// registration pattern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesManaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_nodes_managed",
			Help: "Number of nodes currently in the managed set",
		},
	)

	ServicesManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbcore_services_managed",
			Help: "Number of managed services by service type",
		},
		[]string{"service_type"},
	)

	EndpointsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbcore_endpoints_by_state",
			Help: "Number of endpoints in each FSM state",
		},
		[]string{"state"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationIgnoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_reconciliation_ignored_total",
			Help: "Total number of reconfigure() calls collapsed into a pending re-run",
		},
	)

	ConfigIgnoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_config_ignored_total",
			Help: "Total number of proposed configs ignored, by reason",
		},
		[]string{"reason"},
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbcore_dispatch_latency_seconds",
			Help:    "Time from send() to endpoint write, by service type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service_type"},
	)

	BootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_bootstrap_duration_seconds",
			Help:    "Time taken for openBucket to resolve a config from seed nodes",
			Buckets: prometheus.DefBuckets,
		},
	)

	BootstrapLoaderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_bootstrap_loader_failures_total",
			Help: "Total number of failed seed-node loader attempts, by loader kind",
		},
		[]string{"loader"},
	)

	CollectionManifestCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_collection_manifest_cache_size",
			Help: "Number of entries currently held in the collection manifest LRU cache",
		},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_events_dropped_total",
			Help: "Total number of events dropped because the broker's intake queue or a subscriber's buffer was full",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(NodesManaged)
	prometheus.MustRegister(ServicesManaged)
	prometheus.MustRegister(EndpointsByState)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationIgnoredTotal)
	prometheus.MustRegister(ConfigIgnoredTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(BootstrapDuration)
	prometheus.MustRegister(BootstrapLoaderFailuresTotal)
	prometheus.MustRegister(CollectionManifestCacheSize)
	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler for embedding in a host
// application's mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
