// Package metrics holds the Prometheus collectors shared by the forwarding engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wakeproxy"

var (
	// PoolAcquires counts outbound connection acquisitions by result
	// ("hit", "miss", "degraded", "error").
	PoolAcquires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Outbound connection acquisitions by result.",
	}, []string{"result"})

	// PoolIdle tracks the number of idle pooled connections across all destinations.
	PoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "idle_connections",
		Help:      "Idle connections currently held by the pool.",
	})

	// PoolEvictions counts idle connections dropped by the sweeper or by purges.
	PoolEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Pooled connections closed by reason.",
	}, []string{"reason"})

	// WakePackets counts magic packets sent.
	WakePackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wol",
		Name:      "packets_total",
		Help:      "Wake-on-LAN packets by send result.",
	}, []string{"result"})

	// Wakes counts wake-and-wait attempts by outcome.
	Wakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wol",
		Name:      "wakes_total",
		Help:      "Wake-and-wait attempts by outcome.",
	}, []string{"result"})

	// Connections counts inbound tunnel connections by final state.
	Connections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "connections_total",
		Help:      "Inbound connections by outcome.",
	}, []string{"machine", "result"})

	// ActiveRelays is the number of relays currently copying bytes.
	ActiveRelays = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "active_relays",
		Help:      "Relays currently in progress.",
	})

	// Forwarders is the number of running forwarders.
	Forwarders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "forwarders",
		Help:      "Forwarders currently listening.",
	})
)

func init() {
	prometheus.MustRegister(
		PoolAcquires,
		PoolIdle,
		PoolEvictions,
		WakePackets,
		Wakes,
		Connections,
		ActiveRelays,
		Forwarders,
	)
}
