package devserver

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	sockets    prometheus.Gauge
	broadcasts prometheus.Counter
	requests   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaydoc",
			Subsystem: "devserver",
			Name:      "sockets_open",
			Help:      "Open sync sockets.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Subsystem: "devserver",
			Name:      "broadcasts_total",
			Help:      "sync-update frames fanned out.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Subsystem: "devserver",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.sockets, m.broadcasts, m.requests)
	}
	return m
}

func (m *Metrics) socketOpened() {
	if m != nil {
		m.sockets.Inc()
	}
}

func (m *Metrics) socketClosed() {
	if m != nil {
		m.sockets.Dec()
	}
}

func (m *Metrics) broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) request(route string, code int) {
	if m != nil {
		m.requests.WithLabelValues(route, statusLabel(code)).Inc()
	}
}
