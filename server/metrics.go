package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the server's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so servers without a registry pay no cost.
type Metrics struct {
	sessionsActive prometheus.Gauge
	subsActive     prometheus.Gauge
	messagesIn     prometheus.Counter
	messagesOut    prometheus.Counter
	methodCalls    prometheus.Counter
}

// NewMetrics registers the server instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "livedata",
			Name:      "sessions_active",
			Help:      "Connected sessions.",
		}),
		subsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "livedata",
			Name:      "subscriptions_active",
			Help:      "Active subscriptions across all sessions.",
		}),
		messagesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "messages_in_total",
			Help:      "Client frames received.",
		}),
		messagesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "messages_out_total",
			Help:      "Server frames sent.",
		}),
		methodCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "method_calls_total",
			Help:      "Method invocations.",
		}),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) subStarted() {
	if m != nil {
		m.subsActive.Inc()
	}
}

func (m *Metrics) subStopped() {
	if m != nil {
		m.subsActive.Dec()
	}
}

func (m *Metrics) messageIn() {
	if m != nil {
		m.messagesIn.Inc()
	}
}

func (m *Metrics) messageOut() {
	if m != nil {
		m.messagesOut.Inc()
	}
}

func (m *Metrics) methodCalled() {
	if m != nil {
		m.methodCalls.Inc()
	}
}
