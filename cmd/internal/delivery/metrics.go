package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the delivery collectors. A nil *Metrics records nothing.
type Metrics struct {
	publishes     prometheus.Counter
	deliveries    *prometheus.CounterVec
	drops         *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	panics        prometheus.Counter
	relay         *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		publishes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "publishes_total",
			Help:      "Messages handed to the local broker.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "deliveries_total",
			Help:      "Messages handed to listeners, by channel.",
		}, []string{"channel"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "drops_total",
			Help:      "Messages dropped for a subscription, by channel and reason.",
		}, []string{"channel", "reason"}),
		subscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "subscriptions",
			Help:      "Live subscriptions, by channel.",
		}, []string{"channel"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "listener_panics_total",
			Help:      "Listener invocations that panicked.",
		}),
		relay: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "relay_events_total",
			Help:      "Cross-process relay events, by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
}

func (m *Metrics) published() {
	if m == nil {
		return
	}
	m.publishes.Inc()
}

func (m *Metrics) delivered(k channelKind) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) dropped(k channelKind, reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(k.String(), reason).Inc()
}

func (m *Metrics) subscriptionOpened(k channelKind) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) subscriptionClosed(k channelKind) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(k.String()).Dec()
}

func (m *Metrics) listenerPanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

func (m *Metrics) relayEvent(direction, outcome string) {
	if m == nil {
		return
	}
	m.relay.WithLabelValues(direction, outcome).Inc()
}
