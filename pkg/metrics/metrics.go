package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Plugin metrics
	PluginsHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_plugin_healthy",
			Help: "Whether a plugin is currently healthy (1 = healthy, 0 = not)",
		},
		[]string{"plugin"},
	)

	PluginRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_plugin_restarts_total",
			Help: "Total number of plugin restarts",
		},
		[]string{"plugin"},
	)

	PluginStartFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_plugin_start_failures_total",
			Help: "Total number of failed plugin start attempts",
		},
		[]string{"plugin"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_tasks_total",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_tasks_submitted_total",
			Help: "Total number of submitted tasks by plugin",
		},
		[]string{"plugin"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_task_duration_seconds",
			Help:    "Wall-clock duration of tasks from start to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"plugin", "status"},
	)

	TasksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_tasks_reaped_total",
			Help: "Total number of terminal tasks removed by the reaper",
		},
	)

	// Conversion metrics
	ConversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_conversions_total",
			Help: "Total number of executed format conversions",
		},
		[]string{"source", "target"},
	)

	ConversionCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_conversion_cache_hits_total",
			Help: "Total number of conversion cache hits",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PluginsHealthy)
	prometheus.MustRegister(PluginRestartsTotal)
	prometheus.MustRegister(PluginStartFailuresTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TasksReapedTotal)
	prometheus.MustRegister(ConversionsTotal)
	prometheus.MustRegister(ConversionCacheHitsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Elapsed().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Elapsed().Seconds())
}
