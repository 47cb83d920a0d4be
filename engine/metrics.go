package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Events handled by the dispatcher loop",
		},
	)

	workerJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "worker_jobs_total",
			Help:      "Jobs completed by the crypto worker pool",
		},
	)

	controlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "control_commands_total",
			Help:      "Host control commands accepted, by method",
		},
		[]string{"method"},
	)
)
