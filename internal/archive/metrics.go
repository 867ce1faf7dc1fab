package archive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ArchiveRegistryLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_archive_registry_lookups_total",
			Help: "Total number of bundle metadata lookups sent to the registry",
		},
	)

	ArchiveCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_archive_cache_hits_total",
			Help: "Total number of archive cache hits by cache",
		},
		[]string{"cache"},
	)

	ArchiveBundleFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subql_cosmos_archive_bundle_fetch_duration_seconds",
			Help:    "Duration of bundle content downloads",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ArchiveIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_archive_integrity_failures_total",
			Help: "Total number of archive integrity failures",
		},
	)

	ArchiveVerifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_archive_verifications_total",
			Help: "Total number of archived blocks cross checked against RPC",
		},
	)
)

func ArchiveRegistryLookupInc() {
	ArchiveRegistryLookups.Inc()
}

func ArchiveCacheHitInc(cache string) {
	ArchiveCacheHits.WithLabelValues(cache).Inc()
}

func ArchiveBundleFetchObserve(d time.Duration) {
	ArchiveBundleFetchDuration.Observe(d.Seconds())
}

func ArchiveIntegrityFailureInc() {
	ArchiveIntegrityFailures.Inc()
}

func ArchiveVerificationInc() {
	ArchiveVerifications.Inc()
}
