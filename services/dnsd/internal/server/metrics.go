package server

import "github.com/prometheus/client_golang/prometheus"

const (
	resultHit       = "cache_hit"
	resultForwarded = "forwarded"
	resultNameError = "nxdomain"
	resultDropped   = "dropped"
)

// Metrics counts queries by outcome.
type Metrics struct {
	queries *prometheus.CounterVec
}

// NewMetrics creates the query collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netlease",
			Subsystem: "dnsd",
			Name:      "queries_total",
			Help:      "DNS queries handled, by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.queries)
	}
	return m
}

func (m *Metrics) observe(result string) {
	m.queries.WithLabelValues(result).Inc()
}
