package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics
	EndpointState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_pool_endpoint_state",
			Help: "Endpoint state (0=unchecked, 1=healthy, 2=degraded, 3=dead)",
		},
		[]string{"endpoint"},
	)

	EndpointHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subql_cosmos_pool_endpoint_height",
			Help: "Latest height reported by each endpoint",
		},
		[]string{"endpoint"},
	)

	EndpointDemotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_pool_endpoint_demotions_total",
			Help: "Total number of endpoint demotions by target state",
		},
		[]string{"endpoint", "state"},
	)

	PoolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_pool_retries_total",
			Help: "Total number of pool retries by error class",
		},
		[]string{"kind"},
	)
)

func EndpointStateSet(endpoint string, state State) {
	EndpointState.WithLabelValues(endpoint).Set(float64(state))
}

func EndpointHeightSet(endpoint string, height uint64) {
	EndpointHeight.WithLabelValues(endpoint).Set(float64(height))
}

func EndpointDemotionInc(endpoint string, state State) {
	EndpointDemotions.WithLabelValues(endpoint, state.String()).Inc()
}

func PoolRetryInc(kind string) {
	PoolRetries.WithLabelValues(kind).Inc()
}
