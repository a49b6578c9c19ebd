// Package metrics holds the hub's Prometheus collectors. They are served
// on /metrics by the hub's HTTP listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termhub_auth_failures_total",
		Help: "Connection attempts rejected by the auth gate.",
	})

	FramesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termhub_frames_routed_total",
		Help: "Frames successfully forwarded to a registered terminal.",
	})

	RoutingMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termhub_routing_misses_total",
		Help: "Frames dropped because their target terminal was not registered.",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termhub_evictions_total",
		Help: "Registry entries evicted by the liveness monitor.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termhub_active_connections",
		Help: "Currently registered terminal connections across all tenants.",
	})
)
