// Package metrics holds the Prometheus collectors shared by the sync client
// and the dev relay. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetsync"

type Metrics struct {
	connectionsActive *prometheus.GaugeVec
	connectsTotal     *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	subscriptions     *prometheus.GaugeVec
	eventsDiscarded   *prometheus.CounterVec
	deviceTransitions *prometheus.CounterVec
	positionsApplied  prometheus.Counter
	proximityLatency  prometheus.Histogram
	relayClients      *prometheus.GaugeVec
	relayPublished    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "1 while the namespace transport is connected",
		}, []string{"namespace"}),
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connects_total",
			Help:      "Successful transport connections, including reconnects",
		}, []string{"namespace"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a dial failure or dropped connection",
		}, []string{"namespace"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Inbound frames by event",
		}, []string{"namespace", "event"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the wire",
		}, []string{"namespace", "event"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped by reason",
		}, []string{"namespace", "reason"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Entities with a non-zero reference count",
		}, []string{"namespace"}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Push events discarded by reason",
		}, []string{"component", "reason"}),
		deviceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "transitions_total",
			Help:      "Applied device lifecycle transitions",
		}, []string{"event"}),
		positionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "positions_applied_total",
			Help:      "Position updates applied to the watched vessel",
		}),
		proximityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proximity",
			Name:      "query_seconds",
			Help:      "Proximity scan latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		relayClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Connected relay clients",
		}, []string{"namespace"}),
		relayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Events published by the relay",
		}, []string{"namespace", "event"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsActive,
			m.connectsTotal,
			m.reconnectAttempts,
			m.framesReceived,
			m.framesSent,
			m.framesDropped,
			m.subscriptions,
			m.eventsDiscarded,
			m.deviceTransitions,
			m.positionsApplied,
			m.proximityLatency,
			m.relayClients,
			m.relayPublished,
		)
	}
	return m
}

func (m *Metrics) Connected(ns string, up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionsActive.WithLabelValues(ns).Set(1)
		m.connectsTotal.WithLabelValues(ns).Inc()
		return
	}
	m.connectionsActive.WithLabelValues(ns).Set(0)
}

func (m *Metrics) ReconnectAttempt(ns string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(ns).Inc()
}

func (m *Metrics) FrameReceived(ns, event string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(ns, event).Inc()
}

func (m *Metrics) FrameSent(ns, event string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(ns, event).Inc()
}

func (m *Metrics) FrameDropped(ns, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(ns, reason).Inc()
}

func (m *Metrics) Subscriptions(ns string, n int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(ns).Set(float64(n))
}

func (m *Metrics) EventDiscarded(component, reason string) {
	if m == nil {
		return
	}
	m.eventsDiscarded.WithLabelValues(component, reason).Inc()
}

func (m *Metrics) DeviceTransition(event string) {
	if m == nil {
		return
	}
	m.deviceTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) PositionApplied() {
	if m == nil {
		return
	}
	m.positionsApplied.Inc()
}

func (m *Metrics) ObserveProximity(d time.Duration) {
	if m == nil {
		return
	}
	m.proximityLatency.Observe(d.Seconds())
}

func (m *Metrics) RelayClients(ns string, n int) {
	if m == nil {
		return
	}
	m.relayClients.WithLabelValues(ns).Set(float64(n))
}

func (m *Metrics) RelayPublished(ns, event string) {
	if m == nil {
		return
	}
	m.relayPublished.WithLabelValues(ns, event).Inc()
}
