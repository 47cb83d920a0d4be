package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "verify",
			Name:      "requests_total",
			Help:      "Manifest verification requests issued",
		},
	)

	verificationResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "verify",
			Name:      "results_total",
			Help:      "Verification outcomes by status",
		},
		[]string{"status"},
	)

	sparseRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "verify",
			Name:      "sparse_recoveries_total",
			Help:      "Sparse entities re-requested by the recovery loop",
		},
	)
)
