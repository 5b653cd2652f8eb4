package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	TurnsTotal     *prometheus.CounterVec

	StageDuration    *prometheus.HistogramVec
	FailuresTotal    *prometheus.CounterVec
	PollOutcomes     *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec
	PersistErrors    prometheus.Counter
	CheckpointsTotal prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "talkready"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active practice sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions ended, by inquiry type and end reason",
		}, []string{"inquiry_type", "reason"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns appended, by sender",
		}, []string{"sender"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Pipeline failures by kind",
		}, []string{"kind"}),
		PollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_poll_outcomes_total",
			Help:      "Transcription poll results by provider and outcome",
		}, []string{"provider", "outcome"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes captured and synthesized",
		}, []string{"direction"}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed session or analysis writes",
		}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Scheduled checkpoint runs",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPDuration,
		m.SessionsActive,
		m.SessionsTotal,
		m.TurnsTotal,
		m.StageDuration,
		m.FailuresTotal,
		m.PollOutcomes,
		m.AudioBytesTotal,
		m.PersistErrors,
		m.CheckpointsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(inquiryType, reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(inquiryType, reason).Inc()
}

func (m *Metrics) RecordTurn(sender string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(sender).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPoll(provider, outcome string) {
	if m == nil {
		return
	}
	m.PollOutcomes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordPersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

func (m *Metrics) RecordCheckpoint() {
	if m == nil {
		return
	}
	m.CheckpointsTotal.Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
