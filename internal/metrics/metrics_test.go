package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New(nil)
	assert.NotNil(t, m.MessagesTotal)
	assert.NotNil(t, m.CommandsTotal)
	assert.NotNil(t, m.DeliveriesTotal)
	assert.NotNil(t, m.SessionsExpired)
	assert.NotNil(t, m.RealtimeClients)
}

func TestMetrics_SessionsActive(t *testing.T) {
	n := 3.0
	m := New(func() float64 { return n })

	assert.Contains(t, getMetricsBody(t, m), "botemu_sessions_active 3")
	n = 5
	assert.Contains(t, getMetricsBody(t, m), "botemu_sessions_active 5")
}

func TestMetrics_RecordMessage(t *testing.T) {
	m := New(nil)
	m.RecordMessage("inbound")
	m.RecordMessage("inbound")
	m.RecordMessage("outbound")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `botemu_messages_total{direction="inbound"} 2`)
	assert.Contains(t, body, `botemu_messages_total{direction="outbound"} 1`)
}

func TestMetrics_RecordCommand(t *testing.T) {
	m := New(nil)
	m.RecordCommand("ping", "ok")
	m.RecordCommand("bogus", "unknown")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `botemu_commands_total{command="ping",result="ok"} 1`)
	assert.Contains(t, body, `botemu_commands_total{command="bogus",result="unknown"} 1`)
}

func TestMetrics_RecordDeliveryAndExpired(t *testing.T) {
	m := New(nil)
	m.RecordDelivery("simulated")
	m.RecordDelivery("skipped")
	m.RecordExpired(4)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `botemu_deliveries_total{result="simulated"} 1`)
	assert.Contains(t, body, `botemu_deliveries_total{result="skipped"} 1`)
	assert.Contains(t, body, "botemu_sessions_expired_total 4")
}

func TestMetrics_ObserveHTTP(t *testing.T) {
	m := New(nil)
	m.ObserveHTTP("GET", "200", 0.01)
	m.SetRealtimeClients(2)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `botemu_http_requests_total{method="GET",status="200"} 1`)
	assert.Contains(t, body, "botemu_http_request_duration_seconds")
	assert.Contains(t, body, "botemu_realtime_clients 2")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMessage("inbound")
		m.RecordCommand("ping", "ok")
		m.RecordDelivery("simulated")
		m.RecordExpired(1)
		m.ObserveHTTP("GET", "200", 1)
		m.SetRealtimeClients(1)
	})
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
