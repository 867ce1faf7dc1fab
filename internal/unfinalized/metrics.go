package unfinalized

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forksDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_forks_detected_total",
			Help: "Total number of forks detected in the unfinalized tail",
		},
	)

	forkDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subql_cosmos_fork_depth_blocks",
			Help:    "Number of recorded blocks discarded by a fork",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	forkLastDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_fork_last_detected_timestamp",
			Help: "Unix timestamp of the last detected fork",
		},
	)

	trackedBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_unfinalized_blocks",
			Help: "Number of blocks currently recorded in the unfinalized tail",
		},
	)
)

func ForkDetectedLog(depth uint64) {
	forksDetected.Inc()
	forkDepth.Observe(float64(depth))
	forkLastDetected.Set(float64(time.Now().UTC().Unix()))
}

func TrackedBlocksSet(n int64) {
	trackedBlocks.Set(float64(n))
}
