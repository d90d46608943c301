package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestManagersDoNotShareRegistry(t *testing.T) {
	// A second manager must not panic on duplicate registration.
	a := NewManager()
	b := NewManager()

	a.GetPrometheusMetrics().RecordAction("check", "successful", time.Second)

	assert.Contains(t, scrape(t, a), `indexcheck_actions_total{action="check",status="successful"} 1`)
	assert.NotContains(t, scrape(t, b), `indexcheck_actions_total{action="check"`)
}

func TestRecordSettlement(t *testing.T) {
	manager := NewManager()
	m := manager.GetPrometheusMetrics()
	m.RecordReservation(10)
	m.RecordSettlement(6, 4)

	body := scrape(t, manager)
	assert.Contains(t, body, "indexcheck_credits_reserved_total 10")
	assert.Contains(t, body, "indexcheck_credits_used_total 6")
	assert.Contains(t, body, "indexcheck_credits_refunded_total 4")
}

func TestHandlerExposesSystemMetrics(t *testing.T) {
	manager := NewManager()
	manager.UpdateSystemMetrics()
	manager.GetPrometheusMetrics().RecordGatewayRequest("inspect", "ok", 50*time.Millisecond)

	body := scrape(t, manager)
	assert.Contains(t, body, "indexcheck_gateway_requests_total")
	assert.Contains(t, body, "indexcheck_application_uptime_seconds")
	assert.Contains(t, body, "go_goroutines")
}
