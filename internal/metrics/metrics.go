// Package metrics defines tollgate's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can take one optionally.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	logins       *prometheus.CounterVec
	challenges   *prometheus.CounterVec
	channelAuth  *prometheus.CounterVec
	publishes    *prometheus.CounterVec
	swept        *prometheus.CounterVec
	revocations  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	gatherer     prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "logins_total",
			Help:      "Primary authentication attempts by outcome.",
		}, []string{"method", "outcome"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "challenges_total",
			Help:      "Second-factor challenge transitions by factor and event.",
		}, []string{"factor", "event"}),
		channelAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "channel_authorizations_total",
			Help:      "Channel authorization decisions by channel kind and result.",
		}, []string{"kind", "result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "broker_publishes_total",
			Help:      "Messages handed to the broker publisher by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "swept_records_total",
			Help:      "Expired records removed by the background sweeper.",
		}, []string{"kind"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "session_revocations_total",
			Help:      "Sessions ended by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tollgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.logins, m.challenges, m.channelAuth, m.publishes,
		m.swept, m.revocations, m.httpRequests, m.httpDuration,
	} {
		errs = append(errs, reg.Register(c))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Login(method, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Challenge(factor, event string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(factor, event).Inc()
}

func (m *Metrics) ChannelAuth(kind, result string) {
	if m == nil {
		return
	}
	m.channelAuth.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Revoked(reason string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(reason).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
