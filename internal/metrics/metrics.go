// Package metrics provides Prometheus metrics for the bot emulator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the emulator.
type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	DeliveriesTotal *prometheus.CounterVec
	SessionsExpired prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	RealtimeClients prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics. sessionsActive, if non-nil, is
// sampled on every scrape.
func New(sessionsActive func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botemu_messages_total",
				Help: "Messages appended to session logs by direction.",
			},
			[]string{"direction"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botemu_commands_total",
				Help: "Slash commands dispatched by command and result.",
			},
			[]string{"command", "result"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botemu_deliveries_total",
				Help: "Simulated webhook deliveries by result.",
			},
			[]string{"result"},
		),
		SessionsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "botemu_sessions_expired_total",
				Help: "Sessions removed by the inactivity sweep.",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botemu_http_requests_total",
				Help: "API requests by method and status code.",
			},
			[]string{"method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botemu_http_request_duration_seconds",
				Help:    "API request latency by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RealtimeClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "botemu_realtime_clients",
				Help: "Connected realtime sockets.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.MessagesTotal)
	reg.MustRegister(m.CommandsTotal)
	reg.MustRegister(m.DeliveriesTotal)
	reg.MustRegister(m.SessionsExpired)
	reg.MustRegister(m.HTTPRequests)
	reg.MustRegister(m.HTTPDuration)
	reg.MustRegister(m.RealtimeClients)

	if sessionsActive != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "botemu_sessions_active",
				Help: "Sessions currently held in memory.",
			},
			sessionsActive,
		))
	}

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMessage counts a stored message ("inbound" or "outbound").
func (m *Metrics) RecordMessage(direction string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction).Inc()
}

// RecordCommand counts a dispatched command.
func (m *Metrics) RecordCommand(command, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
}

// RecordDelivery counts a simulated delivery outcome.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordExpired adds n swept sessions.
func (m *Metrics) RecordExpired(n int) {
	if m == nil {
		return
	}
	m.SessionsExpired.Add(float64(n))
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, status).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(seconds)
}

// SetRealtimeClients sets the connected socket count.
func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.RealtimeClients.Set(float64(n))
}
