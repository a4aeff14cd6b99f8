package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Metrics
	callsTotal          *prometheus.CounterVec
	callTransitions     *prometheus.CounterVec
	callConflicts       *prometheus.CounterVec
	callDuration        prometheus.Histogram
	callsReaped         *prometheus.CounterVec
	signalsTotal        *prometheus.CounterVec
	missedNotifications *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by terminal or initial status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		callTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Applied call state transitions",
				ConstLabels: labels,
			},
			[]string{"from", "to"},
		),
		callConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transition_conflicts_total",
				Help:        "Conditional transitions that matched no row",
				ConstLabels: labels,
			},
			[]string{"action"},
		),
		callDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Answered call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		callsReaped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_reaped_total",
				Help:        "Stale calls closed by the reaper",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_signals_total",
				Help:        "Signals enqueued and delivered",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
		missedNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "missed_call_notifications_total",
				Help:        "Missed call notifications by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
	}
}

// GetRegistry returns the registry backing /metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m != nil {
		m.httpRequestsInFlight.Inc()
	}
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m != nil {
		m.httpRequestsInFlight.Dec()
	}
}

// RecordHTTPRequest records one finished HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCall counts a call reaching status (ringing on creation, then its terminal status)
func (m *Metrics) RecordCall(status string) {
	if m != nil {
		m.callsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) RecordTransition(from, to string) {
	if m != nil {
		m.callTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) RecordTransitionConflict(action string) {
	if m != nil {
		m.callConflicts.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) ObserveCallDuration(seconds int) {
	if m != nil {
		m.callDuration.Observe(float64(seconds))
	}
}

func (m *Metrics) RecordReaped(status string) {
	if m != nil {
		m.callsReaped.WithLabelValues(status).Inc()
	}
}

// RecordSignal counts a signal; direction is "enqueued" or "delivered"
func (m *Metrics) RecordSignal(direction string) {
	if m != nil {
		m.signalsTotal.WithLabelValues(direction).Inc()
	}
}

// RecordMissedCallNotification counts a notifier outcome: "sent" or "failed"
func (m *Metrics) RecordMissedCallNotification(result string) {
	if m != nil {
		m.missedNotifications.WithLabelValues(result).Inc()
	}
}
