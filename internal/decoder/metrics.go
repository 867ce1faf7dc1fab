package decoder

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subql_cosmos_decoder_tx_errors_total",
			Help: "Transactions whose bytes could not be decoded",
		},
	)

	msgDecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subql_cosmos_decoder_message_errors_total",
			Help: "Messages that could not be decoded, by type URL",
		},
		[]string{"type_url", "unknown"},
	)
)

func TxDecodeErrorInc() {
	txDecodeErrors.Inc()
}

func MessageDecodeErrorInc(typeURL string, unknown bool) {
	msgDecodeErrors.WithLabelValues(typeURL, strconv.FormatBool(unknown)).Inc()
}
