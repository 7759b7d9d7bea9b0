package docsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the sync counters exported by a client process. A nil
// *Metrics records nothing.
type Metrics struct {
	commits          *prometheus.CounterVec
	echoesSuppressed prometheus.Counter
	framesDropped    *prometheus.CounterVec
	connectAttempts  prometheus.Counter
	sendsDropped     prometheus.Counter
	saves            *prometheus.CounterVec
	connectionState  prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Name:      "debounce_commits_total",
			Help:      "Debounced edits committed, by field.",
		}, []string{"field"}),
		echoesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Name:      "echoes_suppressed_total",
			Help:      "Inbound updates discarded because they matched local content.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before reaching the reconciler, by reason.",
		}, []string{"reason"}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Name:      "connect_attempts_total",
			Help:      "WebSocket handshake attempts, including reconnects.",
		}),
		sendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Name:      "sends_dropped_total",
			Help:      "Live updates dropped because the connection was not open.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaydoc",
			Name:      "saves_total",
			Help:      "Persistence calls, by field and result.",
		}, []string{"field", "result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaydoc",
			Name:      "connection_state",
			Help:      "Connection state: 0 connecting, 1 open, 2 closed, 3 reconnecting.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.commits,
			m.echoesSuppressed,
			m.framesDropped,
			m.connectAttempts,
			m.sendsDropped,
			m.saves,
			m.connectionState,
		)
	}
	return m
}

func (m *Metrics) commit(field string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(field).Inc()
}

func (m *Metrics) echo() {
	if m == nil {
		return
	}
	m.echoesSuppressed.Inc()
}

func (m *Metrics) dropFrame(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) connectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) dropSend() {
	if m == nil {
		return
	}
	m.sendsDropped.Inc()
}

func (m *Metrics) save(field, result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(field, result).Inc()
}

func (m *Metrics) setConnectionState(state ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}
