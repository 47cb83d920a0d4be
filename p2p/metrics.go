package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	topicJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "p2p",
			Name:      "topic_joins_total",
			Help:      "Workspace topics joined on the overlay",
		},
	)

	sessionsAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "p2p",
			Name:      "sessions_admitted_total",
			Help:      "Peer sessions that passed authentication",
		},
	)

	authFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "p2p",
			Name:      "auth_failures_total",
			Help:      "Peer identity exchanges rejected",
		},
	)

	duplicateEnvelopesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "p2p",
			Name:      "duplicate_envelopes_total",
			Help:      "Envelopes dropped by the multi-transport dedup cache",
		},
	)

	broadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "p2p",
			Name:      "broadcasts_total",
			Help:      "Envelopes fanned out to workspace transports",
		},
	)
)
