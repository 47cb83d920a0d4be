package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "relay",
			Name:      "dials_total",
			Help:      "Total relay room dial attempts",
		},
		// status: success/error
		[]string{"status"},
	)

	relayGiveUpsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "relay",
			Name:      "give_ups_total",
			Help:      "Rooms that exhausted their reconnect attempts",
		},
	)

	activeRoomsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "relay",
			Name:      "active_rooms",
			Help:      "Number of relay room clients currently held",
		},
	)
)
