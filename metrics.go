package apps

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for bridges and hosts. A single Metrics value may be shared
// by any number of bridges and host sessions; a nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	notifications   *prometheus.CounterVec
	ignoredFrames   *prometheus.CounterVec
	sessions        prometheus.Gauge
}

const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeClosed    = "closed"

	notificationDispatched = "dispatched"
	notificationUnhandled  = "unhandled"
	notificationInvalid    = "invalid"
	notificationPanicked   = "panicked"

	frameForeign   = "foreign"
	frameMalformed = "malformed"
	frameUnmatched = "unmatched"
)

// NewMetrics creates the bridge metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_apps_requests_total",
				Help: "Number of requests sent to the peer",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_apps_request_duration_seconds",
				Help:    "Time from sending a request to its settlement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcp_apps_pending_requests",
				Help: "Requests awaiting a response",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_apps_notifications_total",
				Help: "Notifications received from the peer",
			},
			[]string{"method", "outcome"},
		),
		ignoredFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_apps_ignored_frames_total",
				Help: "Frames received but not processed",
			},
			[]string{"reason"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcp_apps_host_sessions",
				Help: "App sessions currently served by the host",
			},
		),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.pending, m.notifications, m.ignoredFrames, m.sessions)
	return m
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) requestSettled(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) notificationReceived(method, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) frameIgnored(reason string) {
	if m == nil {
		return
	}
	m.ignoredFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
