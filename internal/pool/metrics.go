package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "pool",
		Name:      "checkouts_total",
		Help:      "Encoders handed out to connections.",
	})
	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "pool",
		Name:      "exhausted_total",
		Help:      "Checkouts that failed because no encoder could be obtained.",
	})
	refillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "pool",
		Name:      "refills_total",
		Help:      "Allocation calls to the key authority, by result.",
	}, []string{"result"})
	releaseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "pool",
		Name:      "release_errors_total",
		Help:      "Released encoders the authority could not be told about.",
	})
	availableGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Subsystem: "pool",
		Name:      "available",
		Help:      "Encoders cached locally and not yet checked out.",
	})
)
