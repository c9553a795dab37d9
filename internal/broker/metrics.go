package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gamelink"

// Metrics are the broker's Prometheus collectors.
type Metrics struct {
	Sessions   prometheus.Gauge
	Clients    prometheus.Gauge
	Games      prometheus.Gauge
	Links      *prometheus.GaugeVec
	Envelopes  *prometheus.CounterVec
	Violations *prometheus.CounterVec
	Probes     *prometheus.CounterVec
	Ping       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Live sessions.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clients",
			Help: "Live client connections across all sessions.",
		}),
		Games: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "directory_entries",
			Help: "Registered games in the directory.",
		}),
		Links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open signaling connections by role.",
		}, []string{"role"}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_total",
			Help: "Inbound envelopes handled, by type.",
		}, []string{"type"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_violations_total",
			Help: "Connections closed for breaking the protocol, by transport.",
		}, []string{"transport"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probes_total",
			Help: "Reachability probes, by resulting visibility.",
		}, []string{"visibility"}),
		Ping: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ping_seconds",
			Help:    "Measured round-trip time to registered games.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	reg.MustRegister(m.Sessions, m.Clients, m.Games, m.Links, m.Envelopes, m.Violations, m.Probes, m.Ping)
	return m
}
