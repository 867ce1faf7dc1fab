package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_dispatcher_batch_size",
			Help: "Current adaptive batch size",
		},
	)

	windowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_dispatcher_window_size",
			Help: "Heights planned but not yet delivered",
		},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subql_cosmos_dispatcher_fetch_duration_seconds",
			Help:    "Duration of a single block fetch by a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dispatcher_fetch_failures_total",
			Help: "Failed block fetches by outcome",
		},
		[]string{"outcome"},
	)

	heightsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dispatcher_heights_skipped_total",
			Help: "Heights excluded by the dictionary, modulo filters or the bypass list",
		},
	)

	forksHandled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dispatcher_forks_handled_total",
			Help: "Forks that caused heights to be discarded and fetched again",
		},
	)

	providerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dispatcher_provider_fallbacks_total",
			Help: "Height plans served sequentially instead of by the dictionary",
		},
		[]string{"reason"},
	)

	archiveFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dispatcher_archive_fallbacks_total",
			Help: "Heights fetched over RPC because the archive does not hold them",
		},
	)
)

func BatchSizeSet(n int) {
	batchSize.Set(float64(n))
}

func WindowSizeSet(n int) {
	windowSize.Set(float64(n))
}

func FetchDurationLog(d time.Duration) {
	fetchDuration.Observe(d.Seconds())
}

func FetchFailureInc(outcome string) {
	fetchFailures.WithLabelValues(outcome).Inc()
}

func HeightsSkippedAdd(n uint64) {
	heightsSkipped.Add(float64(n))
}

func ForkHandledInc() {
	forksHandled.Inc()
}

func ProviderFallbackInc(reason string) {
	providerFallbacks.WithLabelValues(reason).Inc()
}

func ArchiveFallbackInc() {
	archiveFallbacks.Inc()
}
