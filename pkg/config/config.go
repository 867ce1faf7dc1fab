package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/types"
)

// ErrInvalidConfiguration is wrapped by every error returned from Config.Validate.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config represents the complete configuration of the indexer.
type Config struct {
	// Network describes the chain and the RPC endpoints serving it
	Network NetworkConfig `yaml:"network" json:"network" toml:"network"`

	// Dispatcher controls block scheduling, batching and unfinalized handling
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher" toml:"dispatcher"`

	// Dictionary enables height narrowing through a GraphQL dictionary
	Dictionary *DictionaryConfig `yaml:"dictionary,omitempty" json:"dictionary,omitempty" toml:"dictionary,omitempty"`

	// Archive enables fetching finalized blocks from KYVE bundles
	Archive *ArchiveConfig `yaml:"archive,omitempty" json:"archive,omitempty" toml:"archive,omitempty"`

	// Filters select the blocks that are fetched and delivered
	Filters []types.FilterCondition `yaml:"filters,omitempty" json:"filters,omitempty" toml:"filters,omitempty"`

	// DB contains the database configuration for checkpoints, the tracker and the block store
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Processor selects the registered block processor
	Processor ProcessorConfig `yaml:"processor" json:"processor" toml:"processor"`

	// Logging contains logging configuration
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// NetworkConfig represents the chain and its RPC endpoints.
type NetworkConfig struct {
	// ChainID is the expected chain id; when empty the first reachable endpoint decides it
	ChainID string `yaml:"chain_id,omitempty" json:"chain_id,omitempty" toml:"chain_id,omitempty"`

	// Endpoints are the Tendermint RPC URLs
	Endpoints []string `yaml:"endpoints" json:"endpoints" toml:"endpoints"`

	// RateLimit is the maximum number of requests per second per endpoint (0 = unlimited)
	RateLimit int `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" toml:"rate_limit,omitempty"`

	// RequestTimeout bounds a single HTTP request
	RequestTimeout common.Duration `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`

	// HeightTolerance is how far behind the highest endpoint a node may be and still be preferred
	HeightTolerance uint64 `yaml:"height_tolerance" json:"height_tolerance" toml:"height_tolerance"`

	// HealthInterval is how often every endpoint is probed
	HealthInterval common.Duration `yaml:"health_interval" json:"health_interval" toml:"health_interval"`

	// MaxFailures is the number of consecutive transient failures after which an endpoint is Dead
	MaxFailures int `yaml:"max_failures" json:"max_failures" toml:"max_failures"`

	// Retry contains pool retry configuration with exponential backoff
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults sets default values for optional network configuration fields.
func (n *NetworkConfig) ApplyDefaults() {
	if n.RequestTimeout.Duration == 0 {
		n.RequestTimeout = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if n.HeightTolerance == 0 {
		n.HeightTolerance = 10
	}
	if n.HealthInterval.Duration == 0 {
		n.HealthInterval = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if n.MaxFailures == 0 {
		n.MaxFailures = 3
	}
	if n.Retry == nil {
		n.Retry = &RetryConfig{}
	}
	n.Retry.ApplyDefaults()
}

// Validate checks if the network configuration is valid.
func (n *NetworkConfig) Validate() error {
	if len(n.Endpoints) == 0 {
		return fmt.Errorf("network.endpoints: at least one endpoint is required")
	}

	seen := make(map[string]struct{}, len(n.Endpoints))
	for i, endpoint := range n.Endpoints {
		if err := validateHTTPURL(endpoint); err != nil {
			return fmt.Errorf("network.endpoints[%d]: %w", i, err)
		}
		if _, dup := seen[endpoint]; dup {
			return fmt.Errorf("network.endpoints[%d]: duplicate endpoint %s", i, endpoint)
		}
		seen[endpoint] = struct{}{}
	}

	if n.RateLimit < 0 {
		return fmt.Errorf("network.rate_limit: must not be negative")
	}
	if n.MaxFailures < 0 {
		return fmt.Errorf("network.max_failures: must not be negative")
	}

	return nil
}

// DispatcherConfig controls how heights are scheduled and delivered.
type DispatcherConfig struct {
	// StartHeight is the first height to index
	StartHeight uint64 `yaml:"start_height" json:"start_height" toml:"start_height"`

	// EndHeight is the last height to index; 0 follows the chain head
	EndHeight uint64 `yaml:"end_height,omitempty" json:"end_height,omitempty" toml:"end_height,omitempty"`

	// Workers is the number of concurrent fetch workers
	Workers int `yaml:"workers" json:"workers" toml:"workers"`

	// MinBatchSize and MaxBatchSize bound the adaptive batch size
	MinBatchSize int `yaml:"min_batch_size" json:"min_batch_size" toml:"min_batch_size"`
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size" toml:"max_batch_size"`

	// MemoryLimitMB shrinks the batch when the heap grows past it (0 = no limit)
	MemoryLimitMB uint64 `yaml:"memory_limit_mb,omitempty" json:"memory_limit_mb,omitempty" toml:"memory_limit_mb,omitempty"`

	// UnfinalizedBlocks enables fork tracking for blocks within FinalizationDepth of the head
	UnfinalizedBlocks bool `yaml:"unfinalized_blocks" json:"unfinalized_blocks" toml:"unfinalized_blocks"`

	// FinalizationDepth is the number of blocks behind the head considered final
	FinalizationDepth uint64 `yaml:"finalization_depth" json:"finalization_depth" toml:"finalization_depth"`

	// DynamicDatasources enables runtime registration of datasources
	DynamicDatasources bool `yaml:"dynamic_datasources" json:"dynamic_datasources" toml:"dynamic_datasources"`

	// FetchTimeout bounds the fetch of a single block
	FetchTimeout common.Duration `yaml:"fetch_timeout" json:"fetch_timeout" toml:"fetch_timeout"`

	// PollInterval is how often the chain head is polled in follow mode
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// BypassBlocks lists heights or ranges ("100-200") that are never fetched
	BypassBlocks []string `yaml:"bypass_blocks,omitempty" json:"bypass_blocks,omitempty" toml:"bypass_blocks,omitempty"`

	// Retry controls per block retries before the run is aborted
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults sets default values for optional dispatcher configuration fields.
func (d *DispatcherConfig) ApplyDefaults() {
	if d.StartHeight == 0 {
		d.StartHeight = 1
	}
	if d.Workers == 0 {
		d.Workers = 4
	}
	if d.MinBatchSize == 0 {
		d.MinBatchSize = 5
	}
	if d.MaxBatchSize == 0 {
		d.MaxBatchSize = 100
	}
	if d.FinalizationDepth == 0 {
		d.FinalizationDepth = 10
	}
	if d.FetchTimeout.Duration == 0 {
		d.FetchTimeout = common.NewDuration(60 * time.Second) //nolint:mnd
	}
	if d.PollInterval.Duration == 0 {
		d.PollInterval = common.NewDuration(5 * time.Second) //nolint:mnd
	}
	if d.Retry == nil {
		d.Retry = &RetryConfig{}
	}
	d.Retry.ApplyDefaults()
}

// Validate checks if the dispatcher configuration is valid.
func (d *DispatcherConfig) Validate() error {
	if d.EndHeight != 0 && d.EndHeight < d.StartHeight {
		return fmt.Errorf("dispatcher.end_height: %d is below start_height %d", d.EndHeight, d.StartHeight)
	}
	if d.Workers < 1 {
		return fmt.Errorf("dispatcher.workers: must be at least 1")
	}
	if d.MinBatchSize < 1 || d.MaxBatchSize < d.MinBatchSize {
		return fmt.Errorf("dispatcher: batch bounds must satisfy 1 <= min_batch_size <= max_batch_size")
	}
	if _, err := d.ParseBypassBlocks(); err != nil {
		return fmt.Errorf("dispatcher.bypass_blocks: %w", err)
	}
	return nil
}

// HeightRange is an inclusive range of heights.
type HeightRange struct {
	From uint64
	To   uint64
}

// Contains reports whether h is in the range.
func (r HeightRange) Contains(h uint64) bool {
	return h >= r.From && h <= r.To
}

// ParseBypassBlocks parses BypassBlocks entries, either "H" or "FROM-TO".
func (d *DispatcherConfig) ParseBypassBlocks() ([]HeightRange, error) {
	ranges := make([]HeightRange, 0, len(d.BypassBlocks))
	for _, entry := range d.BypassBlocks {
		from, to, isRange := strings.Cut(strings.TrimSpace(entry), "-")

		start, err := strconv.ParseUint(strings.TrimSpace(from), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry %q", entry)
		}
		end := start
		if isRange {
			end, err = strconv.ParseUint(strings.TrimSpace(to), 10, 64)
			if err != nil || end < start {
				return nil, fmt.Errorf("invalid range %q", entry)
			}
		}

		ranges = append(ranges, HeightRange{From: start, To: end})
	}
	return ranges, nil
}

// DictionaryConfig configures the GraphQL dictionary.
type DictionaryConfig struct {
	// URL is the GraphQL endpoint
	URL string `yaml:"url" json:"url" toml:"url"`

	// Timeout bounds a single dictionary query
	Timeout common.Duration `yaml:"timeout" json:"timeout" toml:"timeout"`

	// StaleTolerance is how far behind the requested start the dictionary may be
	StaleTolerance uint64 `yaml:"stale_tolerance" json:"stale_tolerance" toml:"stale_tolerance"`

	// QueryLimit is the maximum number of heights returned by one query
	QueryLimit int `yaml:"query_limit" json:"query_limit" toml:"query_limit"`

	// QuerySize is the height span covered by one query
	QuerySize uint64 `yaml:"query_size" json:"query_size" toml:"query_size"`
}

// ApplyDefaults sets default values for optional dictionary configuration fields.
func (d *DictionaryConfig) ApplyDefaults() {
	if d.Timeout.Duration == 0 {
		d.Timeout = common.NewDuration(10 * time.Second) //nolint:mnd
	}
	if d.QueryLimit == 0 {
		d.QueryLimit = 100
	}
	if d.QuerySize == 0 {
		d.QuerySize = 10000
	}
}

// Validate checks if the dictionary configuration is valid.
func (d *DictionaryConfig) Validate() error {
	if err := validateHTTPURL(d.URL); err != nil {
		return fmt.Errorf("dictionary.url: %w", err)
	}
	if d.QueryLimit < 1 {
		return fmt.Errorf("dictionary.query_limit: must be at least 1")
	}
	return nil
}

// ArchiveConfig configures the KYVE archive source.
type ArchiveConfig struct {
	// Enabled turns the archive source on
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// LCD is the KYVE REST endpoint
	LCD string `yaml:"lcd" json:"lcd" toml:"lcd"`

	// Storage is the bundle storage gateway, the storage id is appended to it
	Storage string `yaml:"storage" json:"storage" toml:"storage"`

	// PoolID is the KYVE pool; when unset the pool is discovered from the chain id
	PoolID *uint64 `yaml:"pool_id,omitempty" json:"pool_id,omitempty" toml:"pool_id,omitempty"`

	// Timeout bounds a single registry or storage request
	Timeout common.Duration `yaml:"timeout" json:"timeout" toml:"timeout"`

	// VerifyEvery cross-checks every Nth archived block against RPC (0 = never)
	VerifyEvery uint64 `yaml:"verify_every,omitempty" json:"verify_every,omitempty" toml:"verify_every,omitempty"`

	// RefreshInterval is the minimum time between registry lookups of the latest bundle
	// when heights above it are requested
	RefreshInterval common.Duration `yaml:"refresh_interval" json:"refresh_interval" toml:"refresh_interval"`
}

// ApplyDefaults sets default values for optional archive configuration fields.
func (a *ArchiveConfig) ApplyDefaults() {
	if a.LCD == "" {
		a.LCD = "https://api.kyve.network"
	}
	if a.Storage == "" {
		a.Storage = "https://arweave.net"
	}
	if a.Timeout.Duration == 0 {
		a.Timeout = common.NewDuration(60 * time.Second) //nolint:mnd
	}
	if a.RefreshInterval.Duration == 0 {
		a.RefreshInterval = common.NewDuration(30 * time.Second) //nolint:mnd
	}
}

// Validate checks if the archive configuration is valid.
func (a *ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if err := validateHTTPURL(a.LCD); err != nil {
		return fmt.Errorf("archive.lcd: %w", err)
	}
	if err := validateHTTPURL(a.Storage); err != nil {
		return fmt.Errorf("archive.storage: %w", err)
	}
	return nil
}

// IsEnabled returns true if the archive source should be used.
func (a *ArchiveConfig) IsEnabled() bool {
	return a != nil && a.Enabled
}

// ProcessorConfig selects the registered processor that receives delivered blocks.
type ProcessorConfig struct {
	// Type is the registered processor name, e.g. "log"
	Type string `yaml:"type" json:"type" toml:"type"`

	// Options are passed to the processor factory
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty" toml:"options,omitempty"`
}

// ApplyDefaults sets default values for optional processor configuration fields.
func (p *ProcessorConfig) ApplyDefaults() {
	if p.Type == "" {
		p.Type = "log"
	}
	if p.Options == nil {
		p.Options = make(map[string]string)
	}
}

// RetryConfig represents retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// DatabaseConfig represents database configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	// WAL mode is recommended for better concurrency
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`

	// EnableForeignKeys enables foreign key constraint enforcement
	EnableForeignKeys bool `yaml:"enable_foreign_keys" json:"enable_foreign_keys" toml:"enable_foreign_keys"`

	// Maintenance contains optional database maintenance settings
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
	if d.Maintenance != nil {
		d.Maintenance.ApplyDefaults()
	}
}

// Validate checks if the database configuration is valid.
func (d *DatabaseConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if d.JournalMode != "" &&
		!slices.Contains([]string{"WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY"}, d.JournalMode) {
		return fmt.Errorf("db.journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
	}
	if d.Synchronous != "" && !slices.Contains([]string{"FULL", "NORMAL", "OFF"}, d.Synchronous) {
		return fmt.Errorf("db.synchronous must be one of: FULL, NORMAL, OFF")
	}
	if d.Maintenance != nil {
		if err := d.Maintenance.Validate(); err != nil {
			return fmt.Errorf("db.maintenance: %w", err)
		}
	}
	return nil
}

// MaintenanceConfig configures database maintenance behavior.
type MaintenanceConfig struct {
	// Enabled controls whether background maintenance runs
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// CheckInterval is how often to run maintenance (e.g., "30m", "1h")
	CheckInterval common.Duration `yaml:"check_interval" json:"check_interval" toml:"check_interval"`

	// VacuumOnStartup runs maintenance immediately on startup
	VacuumOnStartup bool `yaml:"vacuum_on_startup" json:"vacuum_on_startup" toml:"vacuum_on_startup"`

	// WALCheckpointMode controls the WAL checkpoint aggressiveness
	// Options: PASSIVE, FULL, RESTART, TRUNCATE
	WALCheckpointMode string `yaml:"wal_checkpoint_mode" json:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

// ApplyDefaults sets default values for optional maintenance configuration fields.
func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = common.NewDuration(30 * time.Minute) //nolint:mnd
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
}

// Validate checks if the maintenance configuration is valid.
func (m *MaintenanceConfig) Validate() error {
	if m.WALCheckpointMode != "" &&
		!slices.Contains([]string{"PASSIVE", "FULL", "RESTART", "TRUNCATE"}, m.WALCheckpointMode) {
		return fmt.Errorf("wal_checkpoint_mode must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
	}
	if m.Enabled && m.CheckInterval.Duration <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	return nil
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components
	// Available components:
	//   - runner: Block delivery, persistence and checkpoints
	//   - rpc: Tendermint RPC connections
	//   - connection-pool: Endpoint selection and failover
	//   - dictionary: Dictionary queries
	//   - dispatcher: Block scheduling and ordering
	//   - archive: KYVE bundle retrieval
	//   - unfinalized-tracker: Fork detection near the head
	//   - sync-manager: Checkpoint management
	//   - block-store: Block storage layer
	//   - processor: Block processors
	//   - metrics-server: Metrics HTTP server
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}

		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component.
// Falls back to DefaultLevel if no component-specific level is set.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if level, ok := l.ComponentLevels[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// GetDefaultLevel returns the default log level.
func (l *LoggingConfig) GetDefaultLevel() string {
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment returns whether development mode is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l.Development
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP endpoint are active
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the address to bind the metrics HTTP server to
	// Format: "host:port" or ":port"
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path where metrics are exposed
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks if the metrics configuration is valid.
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.ListenAddress == "" {
			return fmt.Errorf("listen_address is required when metrics are enabled")
		}
		if m.Path == "" {
			return fmt.Errorf("path is required when metrics are enabled")
		}
		if m.Path[0] != '/' {
			return fmt.Errorf("path must start with '/'")
		}
	}
	return nil
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.Network.ApplyDefaults()
	c.Dispatcher.ApplyDefaults()
	c.DB.ApplyDefaults()
	c.Processor.ApplyDefaults()

	if c.Dictionary != nil {
		c.Dictionary.ApplyDefaults()
	}

	if c.Archive != nil {
		c.Archive.ApplyDefaults()
	}

	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}

	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
}

// Validate checks if the configuration is valid. Every returned error wraps
// ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Network.Validate(); err != nil {
		return err
	}

	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}

	if err := c.DB.Validate(); err != nil {
		return err
	}

	if c.Dictionary != nil {
		if err := c.Dictionary.Validate(); err != nil {
			return err
		}
	}

	if c.Archive != nil {
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}

	if c.Archive.IsEnabled() {
		// Archive bundles only hold finalized blocks and are fetched as a fixed sequence.
		if c.Dispatcher.UnfinalizedBlocks {
			return fmt.Errorf("archive cannot be combined with dispatcher.unfinalized_blocks")
		}
		if c.Dispatcher.DynamicDatasources {
			return fmt.Errorf("archive cannot be combined with dispatcher.dynamic_datasources")
		}
	}

	if err := types.ValidateFilters(c.Filters); err != nil {
		return err
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: host is required", raw)
	}
	return nil
}
