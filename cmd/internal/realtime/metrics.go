package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the WebSocket gateway. A nil *Metrics is a no-op.
type Metrics struct {
	sessions prometheus.Gauge
	frames   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	rejects  *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "Open WebSocket sessions.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "frames_total",
			Help:      "Inbound envelopes by type.",
		}, []string{"type"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "errors_total",
			Help:      "Error envelopes sent, by code.",
		}, []string{"code"}),
		rejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "upgrade_rejects_total",
			Help:      "Upgrade attempts refused before accept, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) frame(typ string) {
	if m != nil {
		m.frames.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) errorSent(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.rejects.WithLabelValues(reason).Inc()
	}
}
