package config

import (
	"testing"
	"time"

	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Network: NetworkConfig{Endpoints: []string{"http://localhost:26657"}},
		DB:      DatabaseConfig{Path: "./test.db"},
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Dictionary = &DictionaryConfig{URL: "http://localhost:3000"}
	cfg.Archive = &ArchiveConfig{}
	cfg.Metrics = &MetricsConfig{}
	cfg.Logging = &LoggingConfig{}

	cfg.ApplyDefaults()

	require.Equal(t, 30*time.Second, cfg.Network.RequestTimeout.Duration)
	require.Equal(t, uint64(10), cfg.Network.HeightTolerance)
	require.Equal(t, 3, cfg.Network.MaxFailures)
	require.Equal(t, 5, cfg.Network.Retry.MaxAttempts)
	require.Equal(t, time.Second, cfg.Network.Retry.InitialBackoff.Duration)
	require.Equal(t, 30*time.Second, cfg.Network.Retry.MaxBackoff.Duration)
	require.InDelta(t, 2.0, cfg.Network.Retry.BackoffMultiplier, 0)

	require.Equal(t, uint64(1), cfg.Dispatcher.StartHeight)
	require.Equal(t, 4, cfg.Dispatcher.Workers)
	require.Equal(t, 5, cfg.Dispatcher.MinBatchSize)
	require.Equal(t, 100, cfg.Dispatcher.MaxBatchSize)
	require.Equal(t, uint64(10), cfg.Dispatcher.FinalizationDepth)
	require.Equal(t, 60*time.Second, cfg.Dispatcher.FetchTimeout.Duration)
	require.Equal(t, 5, cfg.Dispatcher.Retry.MaxAttempts)

	require.Equal(t, 10*time.Second, cfg.Dictionary.Timeout.Duration)
	require.Equal(t, 100, cfg.Dictionary.QueryLimit)
	require.Equal(t, "https://api.kyve.network", cfg.Archive.LCD)
	require.Equal(t, "https://arweave.net", cfg.Archive.Storage)
	require.Equal(t, 30*time.Second, cfg.Archive.RefreshInterval.Duration)

	require.Equal(t, "WAL", cfg.DB.JournalMode)
	require.Equal(t, 5000, cfg.DB.BusyTimeout)
	require.Equal(t, "log", cfg.Processor.Type)
	require.Equal(t, ":9090", cfg.Metrics.ListenAddress)
	require.Equal(t, "info", cfg.Logging.DefaultLevel)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "no endpoints",
			mutate:  func(cfg *Config) { cfg.Network.Endpoints = nil },
			wantErr: "network.endpoints",
		},
		{
			name:    "bad endpoint scheme",
			mutate:  func(cfg *Config) { cfg.Network.Endpoints = []string{"ws://localhost:26657"} },
			wantErr: "scheme must be http or https",
		},
		{
			name: "duplicate endpoint",
			mutate: func(cfg *Config) {
				cfg.Network.Endpoints = []string{"http://a:1", "http://a:1"}
			},
			wantErr: "duplicate endpoint",
		},
		{
			name: "end below start",
			mutate: func(cfg *Config) {
				cfg.Dispatcher.StartHeight = 100
				cfg.Dispatcher.EndHeight = 50
			},
			wantErr: "dispatcher.end_height",
		},
		{
			name:    "bad bypass range",
			mutate:  func(cfg *Config) { cfg.Dispatcher.BypassBlocks = []string{"20-10"} },
			wantErr: "invalid range",
		},
		{
			name:    "missing db path",
			mutate:  func(cfg *Config) { cfg.DB.Path = "" },
			wantErr: "db.path is required",
		},
		{
			name: "archive with unfinalized blocks",
			mutate: func(cfg *Config) {
				cfg.Archive = &ArchiveConfig{Enabled: true}
				cfg.Archive.ApplyDefaults()
				cfg.Dispatcher.UnfinalizedBlocks = true
			},
			wantErr: "unfinalized_blocks",
		},
		{
			name: "archive with dynamic datasources",
			mutate: func(cfg *Config) {
				cfg.Archive = &ArchiveConfig{Enabled: true}
				cfg.Archive.ApplyDefaults()
				cfg.Dispatcher.DynamicDatasources = true
			},
			wantErr: "dynamic_datasources",
		},
		{
			name: "disabled archive does not conflict",
			mutate: func(cfg *Config) {
				cfg.Archive = &ArchiveConfig{Enabled: false}
				cfg.Dispatcher.UnfinalizedBlocks = true
			},
		},
		{
			name: "invalid filter",
			mutate: func(cfg *Config) {
				cfg.Filters = []types.FilterCondition{types.NewMessageCondition(types.MessageFilter{})}
			},
			wantErr: "filters[0].message.type",
		},
		{
			name: "unknown log component",
			mutate: func(cfg *Config) {
				cfg.Logging = &LoggingConfig{ComponentLevels: map[string]string{"downloader": "debug"}}
			},
			wantErr: "unknown component",
		},
		{
			name: "metrics path",
			mutate: func(cfg *Config) {
				cfg.Metrics = &MetricsConfig{Enabled: true, ListenAddress: ":9090", Path: "metrics"}
			},
			wantErr: "path must start with '/'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfiguration)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoggingConfig_Levels(t *testing.T) {
	cfg := &LoggingConfig{
		DefaultLevel:    " INFO ",
		ComponentLevels: map[string]string{"dispatcher": "Debug"},
	}

	require.NoError(t, cfg.Validate())
	require.Equal(t, "info", cfg.GetDefaultLevel())
	require.Equal(t, "debug", cfg.GetComponentLevel("dispatcher"))
	require.Equal(t, "info", cfg.GetComponentLevel("archive"))
}

func TestParseBypassBlocks(t *testing.T) {
	d := &DispatcherConfig{BypassBlocks: []string{"7", " 10 - 12 "}}

	ranges, err := d.ParseBypassBlocks()
	require.NoError(t, err)
	require.Equal(t, []HeightRange{{From: 7, To: 7}, {From: 10, To: 12}}, ranges)
	require.True(t, ranges[1].Contains(11))
	require.False(t, ranges[1].Contains(13))

	d.BypassBlocks = []string{"abc"}
	_, err = d.ParseBypassBlocks()
	require.Error(t, err)
}
