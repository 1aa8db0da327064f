package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmmsalud/clinic-api/pkg/circuitbreaker"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

func TestRecorder(t *testing.T) {
	m := newTestMetrics()
	m.PrescriptionCreated(true)
	m.PrescriptionCreated(false)
	m.PrescriptionCreated(false)
	m.DispensationRecorded("pharmacy")
	m.DispensationRejected("expired")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrescriptionsCreated.WithLabelValues("continuous")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PrescriptionsCreated.WithLabelValues("single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispensations.WithLabelValues("pharmacy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispensationsRejected.WithLabelValues("expired")))
}

func TestOutboxAndBreaker(t *testing.T) {
	m := newTestMetrics()
	m.Published("prescription-events")
	m.PublishFailed("prescription-events")
	m.SetPending(7)
	m.BreakerStateChanged("smtp", circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublished.WithLabelValues("prescription-events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxFailed.WithLabelValues("prescription-events")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("smtp")))

	m.BreakerStateChanged("smtp", circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("smtp")))
}

func TestHandlerExposesRequests(t *testing.T) {
	m := newTestMetrics()
	m.ObserveRequest(http.MethodGet, "/api/v1/prescriptions", 200, 20*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "", 404, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `clinic_http_requests_total{method="GET",route="/api/v1/prescriptions",status="200"} 1`)
	assert.Contains(t, body, `route="unmatched"`)
}
