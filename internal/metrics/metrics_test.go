package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RateLimitDecision("api-general", true)
	m.RateLimitDecision("api-general", true)
	m.RateLimitDecision("api-general", false)
	m.CSRFValidation("valid")
	m.CSRFTokenIssued()
	m.StoreError("ratelimit")
	m.AuditPublishError("kafka")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitDecisionsTotal.WithLabelValues("api-general", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisionsTotal.WithLabelValues("api-general", "blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CSRFValidationsTotal.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CSRFTokensIssuedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrorsTotal.WithLabelValues("ratelimit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditPublishErrorsTotal.WithLabelValues("kafka")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RateLimitDecision("ip", false)
		m.CSRFValidation("mismatch")
		m.CSRFTokenIssued()
		m.StoreError("csrf")
		m.AuditPublishError("log")
	})

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.CSRFTokenIssued()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "edge_guard_csrf_tokens_issued_total 1")
}
