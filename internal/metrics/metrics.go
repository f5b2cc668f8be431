// Package metrics holds the Prometheus instruments for the session client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "learn"

// Metrics is shared by the client components. A nil *Metrics records nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AuthRetriesTotal   prometheus.Counter
	RenewalsTotal      *prometheus.CounterVec
	RenewalWaiters     prometheus.Counter
	SessionTransitions *prometheus.CounterVec
	ForcedLogouts      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates a private registry and registers every instrument with it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the instruments with reg and serves from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Outgoing API calls by result class",
			},
			[]string{"method", "class"}, // class=2xx/3xx/4xx/401/5xx/network
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Outgoing API call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AuthRetriesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_retries_total",
				Help:      "Calls replayed after a credential renewal",
			},
		),
		RenewalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_renewals_total",
				Help:      "Credential renewals issued to the remote service",
			},
			[]string{"outcome"}, // outcome=ok/failed
		),
		RenewalWaiters: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_renewal_waiters_total",
				Help:      "Callers that shared a renewal started by another caller",
			},
		),
		SessionTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state machine transitions",
			},
			[]string{"to"},
		),
		ForcedLogouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_logouts_total",
				Help:      "Sessions ended by an irrecoverable authorization failure",
			},
		),
		gatherer: g,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, class string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, class).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) AuthRetry() {
	if m == nil {
		return
	}
	m.AuthRetriesTotal.Inc()
}

func (m *Metrics) Renewal(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.RenewalsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RenewalShared() {
	if m == nil {
		return
	}
	m.RenewalWaiters.Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ForcedLogout() {
	if m == nil {
		return
	}
	m.ForcedLogouts.Inc()
}
