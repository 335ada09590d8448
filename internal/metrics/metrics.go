// Package metrics exposes Prometheus instrumentation for the execution
// service: HTTP traffic, queue depth, sandbox runs, and process health.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every metric exported by this service.
const namespace = "runbox"

var (
	once     sync.Once
	instance *Metrics
)

// Metrics bundles the collectors shared across packages. All collectors
// are registered on the default registry the first time Get is called.
type Metrics struct {
	// HTTP surface.
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Sandbox executions.
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsInFlight prometheus.Gauge

	// Queue state.
	JobsEnqueuedTotal *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec

	// Process-level info.
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the process-wide Metrics instance, registering every
// collector on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = build()
	})
	return instance
}

func build() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: counterVec("http", "requests_total",
			"HTTP requests served, by route, method, and status class.",
			"endpoint", "method", "status"),
		HTTPRequestDuration: histogramVec("http", "request_duration_seconds",
			"Wall-clock time spent serving HTTP requests.",
			prometheus.DefBuckets,
			"endpoint", "method"),
		HTTPRequestsInFlight: gauge("http", "requests_in_flight",
			"HTTP requests currently being served."),
		HTTPResponseSize: histogramVec("http", "response_size_bytes",
			"Size of HTTP response bodies.",
			prometheus.ExponentialBuckets(64, 8, 7),
			"endpoint"),

		ExecutionsTotal: counterVec("execution", "total",
			"Sandbox executions finished, by language and outcome.",
			"language", "status"),
		// Executions are capped by the sandbox timeout (15s default), so
		// the top buckets only need to cover generous overrides.
		ExecutionDuration: histogramVec("execution", "duration_seconds",
			"End-to-end sandbox execution time, container setup included.",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 20, 30},
			"language"),
		ExecutionsInFlight: gauge("execution", "in_flight",
			"Sandbox executions currently running."),

		JobsEnqueuedTotal: counterVec("queue", "jobs_enqueued_total",
			"Submissions accepted onto the queue, by language.",
			"language"),
		QueueDepth: gaugeVec("queue", "depth",
			"Jobs per queue structure (waiting, active, delayed).",
			"state"),

		BuildInfo: gaugeVec("system", "build_info",
			"Constant gauge carrying build metadata in its labels.",
			"version", "commit", "build_date"),
		StartupTime: gauge("system", "startup_time_seconds",
			"Unix timestamp at which the process started."),
		GoroutineNum: gauge("system", "goroutines",
			"Goroutines alive in the process."),
	}

	m.StartupTime.Set(float64(time.Now().Unix()))
	return m
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

// RecordHTTPRequest observes one finished HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, statusClass(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	if responseSize >= 0 {
		m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
	}
}

// RecordExecution observes one finished sandbox run.
func (m *Metrics) RecordExecution(language, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordEnqueue counts a submission accepted onto the queue.
func (m *Metrics) RecordEnqueue(language string) {
	m.JobsEnqueuedTotal.WithLabelValues(language).Inc()
}

// SetQueueDepth updates the depth gauge for one queue structure.
func (m *Metrics) SetQueueDepth(state string, depth int64) {
	m.QueueDepth.WithLabelValues(state).Set(float64(depth))
}

// SetBuildInfo pins build metadata onto the build_info gauge.
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// statusClass collapses a status code into the 2xx/3xx/4xx/5xx label
// so the counter cardinality stays flat.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
