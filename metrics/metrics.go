// Package metrics defines the Prometheus collectors exported by docseal.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docseal"

// Metrics holds the collectors. The zero value is not usable; build one with
// New. Every method is safe on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	CredentialsIssued *prometheus.CounterVec
	SignTotal         *prometheus.CounterVec
	SignDuration      prometheus.Histogram
	TimestampRequests *prometheus.CounterVec
	VerifyTotal       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		CredentialsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_issued_total",
			Help:      "Signer credentials issued, by kind (initial or renewal).",
		}, []string{"kind"}),
		SignTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_total",
			Help:      "Signing operations by outcome.",
		}, []string{"outcome"}),
		SignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sign_duration_seconds",
			Help:      "End to end signing latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		TimestampRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_requests_total",
			Help:      "Timestamp requests by outcome (granted, rejected, fallback).",
		}, []string{"outcome"}),
		VerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_total",
			Help:      "Verifications by result (valid, invalid, unsigned).",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		m.CredentialsIssued,
		m.SignTotal,
		m.SignDuration,
		m.TimestampRequests,
		m.VerifyTotal,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CredentialIssued is shaped for keys.WithIssueHook.
func (m *Metrics) CredentialIssued(_ string, renewal bool) {
	if m == nil {
		return
	}
	kind := "initial"
	if renewal {
		kind = "renewal"
	}
	m.CredentialsIssued.WithLabelValues(kind).Inc()
}

// TimestampOutcome is shaped for timestamps.WithOutcomeHook.
func (m *Metrics) TimestampOutcome(outcome string) {
	if m != nil {
		m.TimestampRequests.WithLabelValues(outcome).Inc()
	}
}

// VerifyResult is shaped for validation.WithResultHook.
func (m *Metrics) VerifyResult(result string) {
	if m != nil {
		m.VerifyTotal.WithLabelValues(result).Inc()
	}
}

// SignOutcome records a signing outcome and its latency in seconds.
func (m *Metrics) SignOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SignTotal.WithLabelValues(outcome).Inc()
	m.SignDuration.Observe(seconds)
}
