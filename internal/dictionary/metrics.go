package dictionary

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DictionaryQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dictionary_queries_total",
			Help: "Total number of dictionary queries by outcome",
		},
		[]string{"outcome"},
	)

	DictionaryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subql_cosmos_dictionary_query_duration_seconds",
			Help:    "Duration of dictionary queries",
			Buckets: prometheus.DefBuckets,
		},
	)

	DictionaryStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_dictionary_stale_total",
			Help: "Total number of dictionary responses rejected as stale",
		},
	)

	DictionaryLastProcessed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_dictionary_last_processed_height",
			Help: "Last processed height reported by the dictionary",
		},
	)
)

func DictionaryQueryInc(outcome string) {
	DictionaryQueries.WithLabelValues(outcome).Inc()
}

func DictionaryQueryDuration(d time.Duration) {
	DictionaryDuration.Observe(d.Seconds())
}

func DictionaryStaleInc() {
	DictionaryStale.Inc()
}

func DictionaryLastProcessedSet(h uint64) {
	DictionaryLastProcessed.Set(float64(h))
}
