package dhcp

import (
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the allocator's prometheus collectors.
type Metrics struct {
	received     *prometheus.CounterVec
	sent         *prometheus.CounterVec
	probeErrors  prometheus.Counter
	inUse        prometheus.Counter
	exhausted    prometheus.Counter
	notifyErrors prometheus.Counter
}

// NewMetrics creates the allocator collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dhcpd",
			Name:      "messages_received_total",
			Help:      "DHCP messages received, by message type.",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dhcpd",
			Name:      "replies_sent_total",
			Help:      "DHCP replies sent, by message type.",
		}, []string{"type"}),
		probeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dhcpd",
			Name:      "probe_errors_total",
			Help:      "Availability probes that failed and were treated as free.",
		}),
		inUse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dhcpd",
			Name:      "probe_in_use_total",
			Help:      "Candidate addresses skipped because a host answered the probe.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dhcpd",
			Name:      "pool_exhausted_total",
			Help:      "DISCOVERs left unanswered because no address was free.",
		}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dhcpd",
			Name:      "notify_errors_total",
			Help:      "Lease notifications that could not be delivered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.sent, m.probeErrors, m.inUse, m.exhausted, m.notifyErrors)
	}
	return m
}

func (m *Metrics) observeReceived(t dhcpv4.MessageType) {
	m.received.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeSent(t dhcpv4.MessageType) {
	m.sent.WithLabelValues(t.String()).Inc()
}
