package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for rate limiting and CSRF.
// All methods are safe on a nil receiver.
type Metrics struct {
	RateLimitDecisionsTotal *prometheus.CounterVec
	CSRFValidationsTotal    *prometheus.CounterVec
	CSRFTokensIssuedTotal   prometheus.Counter
	StoreErrorsTotal        *prometheus.CounterVec
	AuditPublishErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_guard_rate_limit_decisions_total",
				Help: "Rate limit decisions by bucket and result",
			},
			[]string{"bucket", "result"},
		),
		CSRFValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_guard_csrf_validations_total",
				Help: "CSRF validations by result",
			},
			[]string{"result"},
		),
		CSRFTokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_guard_csrf_tokens_issued_total",
				Help: "CSRF tokens issued",
			},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_guard_store_errors_total",
				Help: "Storage failures by component",
			},
			[]string{"component"},
		),
		AuditPublishErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_guard_audit_publish_errors_total",
				Help: "Security event publish failures by sink",
			},
			[]string{"sink"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.RateLimitDecisionsTotal,
		m.CSRFValidationsTotal,
		m.CSRFTokensIssuedTotal,
		m.StoreErrorsTotal,
		m.AuditPublishErrorsTotal,
	)

	return m
}

func (m *Metrics) RateLimitDecision(bucket string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.RateLimitDecisionsTotal.WithLabelValues(bucket, result).Inc()
}

// CSRFValidation records a validation outcome; result is "valid" or the
// rejection reason.
func (m *Metrics) CSRFValidation(result string) {
	if m == nil {
		return
	}
	m.CSRFValidationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CSRFTokenIssued() {
	if m == nil {
		return
	}
	m.CSRFTokensIssuedTotal.Inc()
}

func (m *Metrics) StoreError(component string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(component).Inc()
}

func (m *Metrics) AuditPublishError(sink string) {
	if m == nil {
		return
	}
	m.AuditPublishErrorsTotal.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
