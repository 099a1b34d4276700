package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch"

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Labels: kind (voice|gather|status), outcome (ok|bad_request|error)
	WebhookRequests *prometheus.CounterVec

	// Labels: op (reply|summary)
	AIRequestDuration *prometheus.HistogramVec
	AIFailures        *prometheus.CounterVec

	// Labels: outcome (finalized|no_session|in_progress|error)
	Finalizations *prometheus.CounterVec

	// Labels: status (Completed|FollowUp|Missed)
	CallLogs *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers every instrument with reg. Tests pass a fresh
// prometheus.NewRegistry() so runs stay isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Telephony webhooks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		AIRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_request_duration_seconds",
			Help:      "Latency of AI service calls in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"op"}),
		AIFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_failures_total",
			Help:      "AI service calls that failed and fell back.",
		}, []string{"op"}),
		Finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_finalizations_total",
			Help:      "Call finalization attempts by outcome.",
		}, []string{"outcome"}),
		CallLogs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_logs_total",
			Help:      "Persisted call logs by status.",
		}, []string{"status"}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveAI(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.AIRequestDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.AIFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveFinalization(outcome string) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCallLog(status string) {
	if m == nil {
		return
	}
	m.CallLogs.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
