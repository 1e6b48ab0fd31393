package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_executions_total",
			Help: "Total number of plugin executions by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capman_execution_duration_seconds",
			Help:    "Plugin execution duration in seconds by language",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	// Registry metrics
	PluginsIndexed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capman_plugins_indexed",
			Help: "Number of indexed plugin manifests by repository type",
		},
		[]string{"repository"},
	)

	BundlePreparations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_bundle_preparations_total",
			Help: "Bundle materializations by source type and result",
		},
		[]string{"source", "result"},
	)

	// Container metrics
	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capman_containers_active",
			Help: "Number of active container instances",
		},
	)

	PortsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capman_ports_allocated",
			Help: "Number of host ports currently allocated to containers",
		},
	)

	ContainerBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_container_builds_total",
			Help: "Container image builds by result",
		},
		[]string{"result"},
	)

	// Unknown-verb workflow metrics
	UnknownVerbsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_unknown_verbs_total",
			Help: "Unknown-verb resolutions by outcome (plan, answer, plugin, error)",
		},
		[]string{"outcome"},
	)

	PlanCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capman_plan_cache_hits_total",
			Help: "Unknown-verb plan cache hits",
		},
	)

	// Tracker metrics
	ActiveOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capman_active_operations",
			Help: "Number of in-flight operations",
		},
	)

	StaleSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capman_stale_sweeps_total",
			Help: "Stale operation/resource sweep runs",
		},
	)

	// Event broker metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_events_published_total",
			Help: "Events published to the broker by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_events_dropped_total",
			Help: "Events dropped by lagging subscriptions, by subscriber",
		},
		[]string{"subscriber"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capman_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capman_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		PluginsIndexed,
		BundlePreparations,
		ContainersActive,
		PortsAllocated,
		ContainerBuildsTotal,
		UnknownVerbsTotal,
		PlanCacheHits,
		ActiveOperations,
		StaleSweeps,
		EventsPublished,
		EventsDropped,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time on a labeled histogram
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
