package socks5d

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	accepted          *prometheus.CounterVec
	replies           *prometheus.CounterVec
	handshakeFailures *prometheus.CounterVec
	relayBytes        *prometheus.CounterVec
	activeRelays      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socks5d",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted, by listen address.",
		}, []string{"listener"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socks5d",
			Name:      "replies_total",
			Help:      "Socks replies written, by reply code.",
		}, []string{"reply"}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socks5d",
			Name:      "handshake_failures_total",
			Help:      "Handshakes that did not reach the relay phase, by stage.",
		}, []string{"stage"}),
		relayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socks5d",
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socks5d",
			Name:      "active_relays",
			Help:      "Connections currently in the relay phase.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.accepted, m.replies, m.handshakeFailures, m.relayBytes, m.activeRelays)
	}
	return m
}

func (m *Metrics) connAccepted(listener string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(listener).Inc()
}

func (m *Metrics) replyWritten(rep Reply) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(rep.String()).Inc()
}

func (m *Metrics) handshakeFailed(stage string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) relayStarted() {
	if m == nil {
		return
	}
	m.activeRelays.Inc()
}

func (m *Metrics) relayFinished(stats RelayStats) {
	if m == nil {
		return
	}
	m.activeRelays.Dec()
	m.relayBytes.WithLabelValues("upstream").Add(float64(stats.Upstream))
	m.relayBytes.WithLabelValues("downstream").Add(float64(stats.Downstream))
}
