// Package prometheus implements the metrics interfaces on a Prometheus
// registry.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/murmur-labs/scribed/pkg/task"
)

// Metrics is the Prometheus implementation of the service metrics. It covers
// both the scheduler (task.Observer) and the session layer.
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	tasksInFlight   prometheus.Gauge
	queueDepth      prometheus.Gauge
	taskRetries     prometheus.Counter
	processingTime  prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionLifetime prometheus.Histogram
	messagesTotal   *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	eventsDropped   prometheus.Counter
}

// New creates the metric set on a fresh registry (plus the standard Go and
// process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		tasksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribed_tasks_total",
				Help: "Total number of finished tasks by terminal status",
			},
			[]string{"status"}, // "completed", "failed", "cancelled"
		),
		tasksInFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "scribed_tasks_in_flight",
				Help: "Number of tasks currently being transcribed",
			},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "scribed_queue_depth",
				Help: "Number of tasks waiting in the queue",
			},
		),
		taskRetries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scribed_task_retries_total",
				Help: "Total number of transient-failure re-enqueues",
			},
		),
		processingTime: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "scribed_processing_duration_seconds",
				Help: "Engine processing time per completed task",
				Buckets: []float64{
					1,    // short clips
					5,    //
					15,   //
					30,   //
					60,   // one minute of processing
					120,  //
					300,  // five minutes
					600,  //
					1800, // long recordings
				},
			},
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribed_cache_lookups_total",
				Help: "Result cache lookups at submission by outcome",
			},
			[]string{"result"}, // "hit", "miss"
		),
		sessionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "scribed_sessions_active",
				Help: "Currently open WebSocket sessions",
			},
		),
		sessionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scribed_sessions_total",
				Help: "Total number of accepted WebSocket sessions",
			},
		),
		sessionLifetime: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "scribed_session_lifetime_seconds",
				Help: "Distribution of session lifetimes",
				Buckets: []float64{
					1, 10, 60, 300, 900, 3600, 14400,
				},
			},
		),
		messagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribed_messages_received_total",
				Help: "Inbound protocol messages by type",
			},
			[]string{"type"},
		),
		uploadBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scribed_upload_bytes_total",
				Help: "Total audio payload bytes received",
			},
		),
		eventsDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scribed_events_dropped_total",
				Help: "Non-terminal events dropped under session backpressure",
			},
		),
	}
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ============================================================================
// task.Observer
// ============================================================================

// TaskEnqueued implements task.Observer.
func (m *Metrics) TaskEnqueued() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

// TaskStarted implements task.Observer.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
	m.tasksInFlight.Inc()
}

// TaskFinished implements task.Observer.
func (m *Metrics) TaskFinished(status task.Status, processing time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(string(status)).Inc()
	switch status {
	case task.StatusCompleted:
		m.tasksInFlight.Dec()
		m.processingTime.Observe(processing.Seconds())
	case task.StatusFailed:
		m.tasksInFlight.Dec()
	case task.StatusCancelled:
		// Cancelled tasks never started; only the queue shrinks.
		m.queueDepth.Dec()
	}
}

// TaskRetried implements task.Observer.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
	m.tasksInFlight.Dec()
	m.queueDepth.Inc()
}

// CacheLookup implements task.Observer.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ============================================================================
// metrics.SessionMetrics
// ============================================================================

// SessionOpened implements metrics.SessionMetrics.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed implements metrics.SessionMetrics.
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

// MessageReceived implements metrics.SessionMetrics.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(msgType).Inc()
}

// UploadBytes implements metrics.SessionMetrics.
func (m *Metrics) UploadBytes(n int) {
	if m == nil {
		return
	}
	m.uploadBytes.Add(float64(n))
}

// EventDropped implements metrics.SessionMetrics.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

var _ task.Observer = (*Metrics)(nil)
