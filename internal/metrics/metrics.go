// Package metrics holds the Prometheus collectors of the messaging core.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plantchat"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	feedEvents       *prometheus.CounterVec
	summaryRefreshes *prometheus.CounterVec
	messagesSent     prometheus.Counter
	readTransitions  *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	pushDeliveries   *prometheus.CounterVec
	openSessions     prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Change feed events delivered, by collection and op.",
		}, []string{"collection", "op"}),
		summaryRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_refreshes_total",
			Help:      "Conversation list refreshes, by result.",
		}, []string{"result"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted by send.",
		}),
		readTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_transitions_total",
			Help:      "Message delivery state transitions, by target state.",
		}, []string{"state"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_notifications_total",
			Help:      "Local notification decisions, by outcome.",
		}, []string{"outcome"}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Push deliveries per endpoint, by outcome.",
		}, []string{"outcome"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Realtime sessions currently open.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.feedEvents,
		m.summaryRefreshes,
		m.messagesSent,
		m.readTransitions,
		m.notifications,
		m.pushDeliveries,
		m.openSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FeedEvent(collection, op string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(collection, op).Inc()
}

func (m *Metrics) SummaryRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.summaryRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) DeliveryTransitions(state string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.readTransitions.WithLabelValues(state).Add(float64(n))
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PushDelivery(outcome string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}
