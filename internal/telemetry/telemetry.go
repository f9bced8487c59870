// Package telemetry exposes sync and relay activity in Prometheus format.
package telemetry

import (
	"net/http"
	"time"

	"xr-multiplayer/internal/presence"
	"xr-multiplayer/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xr"

type Metrics struct {
	dispatched  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	latency     prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Sync messages dispatched, by side, type and outcome.",
		}, []string{"side", "type", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rejections_total",
			Help:      "Messages the relay refused, by reject code.",
		}, []string{"code"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open participant connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_active_rooms",
			Help:      "Rooms with a running hub.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_latency_seconds",
			Help:      "Round trip time measured by liveness probes.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.dispatched, m.rejections, m.connections, m.rooms, m.latency)
	return m
}

// Observer counts dispatch outcomes for one side ("client" or "relay").
func (m *Metrics) Observer(side string) presence.Observer {
	return func(msg *protocol.Message, res presence.Result) {
		m.dispatched.WithLabelValues(side, string(msg.Type), res.Outcome.String()).Inc()
	}
}

func (m *Metrics) Rejected(code protocol.RejectCode) {
	m.rejections.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) ConnectionOpened() {
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connections.Dec()
}

func (m *Metrics) SetRooms(n int) {
	m.rooms.Set(float64(n))
}

func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latency.Observe(d.Seconds())
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
