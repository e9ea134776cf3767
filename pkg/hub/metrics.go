package hub

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	connectedClients   prometheus.Gauge
	framesRouted       *prometheus.CounterVec
	eventFanout        prometheus.Counter
	heartbeatEvictions prometheus.Counter
}

// newMetrics builds the hub collectors and registers them when reg is
// non-nil. Tests pass a private registry (or nil) so multiple hubs can
// coexist in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "doggyhole",
			Subsystem: "hub",
			Name:      "connected_clients",
			Help:      "Number of authenticated client sessions.",
		}),
		framesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doggyhole",
			Subsystem: "hub",
			Name:      "frames_routed_total",
			Help:      "Inbound frames dispatched by the router, by frame type.",
		}, []string{"type"}),
		eventFanout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "doggyhole",
			Subsystem: "hub",
			Name:      "event_fanout_total",
			Help:      "Event frames delivered to peer sessions during fan-out.",
		}),
		heartbeatEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "doggyhole",
			Subsystem: "hub",
			Name:      "heartbeat_evictions_total",
			Help:      "Sessions evicted after missing the heartbeat deadline.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectedClients, m.framesRouted, m.eventFanout, m.heartbeatEvictions)
	}
	return m
}
