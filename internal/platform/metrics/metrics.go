package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the capture gateway.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	requestDuration      prometheus.Histogram
	errorsTotal          prometheus.Counter
	sessionsCreatedTotal prometheus.Counter
	sessionsFailedTotal  prometheus.Counter
	captureStartsTotal   prometheus.Counter
	captureExitsTotal    prometheus.Counter
	captureRestartsTotal prometheus.Counter
	manifestsServedTotal prometheus.Counter
	segmentsServedTotal  prometheus.Counter
	progressEventsTotal  prometheus.Counter
	activeSessions       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgate_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_sessions_created_total",
			Help: "Total number of capture sessions created",
		}),
		sessionsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_sessions_failed_total",
			Help: "Total number of sessions that reached the failed state",
		}),
		captureStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_capture_starts_total",
			Help: "Total number of capture processes spawned",
		}),
		captureExitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_capture_exits_total",
			Help: "Total number of capture process exits, clean or not",
		}),
		captureRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_capture_restarts_total",
			Help: "Total number of capture failures scheduled for retry",
		}),
		manifestsServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_hls_manifests_served_total",
			Help: "Total number of HLS manifests served",
		}),
		segmentsServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_hls_segments_served_total",
			Help: "Total number of HLS segments served",
		}),
		progressEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_progress_events_total",
			Help: "Total number of progress events fanned out to subscribers",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_active_sessions",
			Help: "Number of sessions that are not in a terminal state",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.sessionsCreatedTotal,
		m.sessionsFailedTotal,
		m.captureStartsTotal,
		m.captureExitsTotal,
		m.captureRestartsTotal,
		m.manifestsServedTotal,
		m.segmentsServedTotal,
		m.progressEventsTotal,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// ObserveRequestDuration records one request's latency in seconds.
func (m *Metrics) ObserveRequestDuration(seconds float64) { m.requestDuration.Observe(seconds) }

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// IncSessionsCreated increments the created sessions counter.
func (m *Metrics) IncSessionsCreated() { m.sessionsCreatedTotal.Inc() }

// IncSessionsFailed increments the failed sessions counter.
func (m *Metrics) IncSessionsFailed() { m.sessionsFailedTotal.Inc() }

// IncCaptureStarts increments the capture spawn counter.
func (m *Metrics) IncCaptureStarts() { m.captureStartsTotal.Inc() }

// IncCaptureExits increments the capture exit counter.
func (m *Metrics) IncCaptureExits() { m.captureExitsTotal.Inc() }

// IncCaptureRestarts increments the retry-scheduled counter.
func (m *Metrics) IncCaptureRestarts() { m.captureRestartsTotal.Inc() }

// IncManifestsServed increments the manifests served counter.
func (m *Metrics) IncManifestsServed() { m.manifestsServedTotal.Inc() }

// IncSegmentsServed increments the segments served counter.
func (m *Metrics) IncSegmentsServed() { m.segmentsServedTotal.Inc() }

// IncProgressEvents increments the progress fan-out counter.
func (m *Metrics) IncProgressEvents() { m.progressEventsTotal.Inc() }

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
