package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Service's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	appended        *prometheus.CounterVec
	duplicates      prometheus.Counter
	rejected        *prometheus.CounterVec
	publishFailures prometheus.Counter
	appendDuration  prometheus.Histogram
	catchUpServed   prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "messages",
			Name:      "appended_total",
			Help:      "Messages durably appended, by content kind.",
		}, []string{"kind"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "messages",
			Name:      "duplicates_total",
			Help:      "Sends resolved to an existing message by client_msg_id.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "messages",
			Name:      "rejected_total",
			Help:      "Sends rejected, by error kind.",
		}, []string{"kind"}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "publish_failures_total",
			Help:      "Broker publishes that failed after a durable append.",
		}),
		appendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketchat",
			Subsystem: "messages",
			Name:      "append_duration_seconds",
			Help:      "Latency of the durable append.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		catchUpServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "catchup",
			Name:      "messages_served_total",
			Help:      "Messages returned by catch-up queries.",
		}),
	}
}

func (m *Metrics) observeAppend(msg Message, d time.Duration) {
	if m == nil {
		return
	}
	kind := "text"
	if msg.Attachment != nil {
		kind = "attachment"
	}
	m.appended.WithLabelValues(kind).Inc()
	m.appendDuration.Observe(d.Seconds())
}

func (m *Metrics) observeDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) observeRejected(err error) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(ErrorCode(err)).Inc()
}

func (m *Metrics) observePublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) observeCatchUp(n int) {
	if m == nil {
		return
	}
	m.catchUpServed.Add(float64(n))
}

// Rejected returns the rejection counter for an error code.
func (m *Metrics) Rejected(code string) prometheus.Counter {
	return m.rejected.WithLabelValues(code)
}

// PublishFailures returns the publish failure counter.
func (m *Metrics) PublishFailures() prometheus.Counter {
	return m.publishFailures
}
