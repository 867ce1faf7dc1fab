package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestServer_Handler(t *testing.T) {
	cfg := &config.MetricsConfig{Enabled: true, ListenAddress: ":0", Path: "/metrics"}

	var healthErr error
	srv := NewServer(cfg, func() error { return healthErr }, logger.NewNopLogger())
	handler := srv.Handler()

	BlockDeliveredLog(42)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "subql_cosmos_last_delivered_block 42")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	healthErr = errors.New("no healthy connections")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "no healthy connections")
}

func TestServer_DisabledIsNoop(t *testing.T) {
	srv := NewServer(&config.MetricsConfig{}, nil, logger.NewNopLogger())
	require.NoError(t, srv.Start(t.Context()))
	require.NoError(t, srv.Stop(t.Context()))
}
