package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bz888/subql-cosmos/internal/archive"
	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/db"
	"github.com/bz888/subql-cosmos/internal/decoder"
	"github.com/bz888/subql-cosmos/internal/dictionary"
	"github.com/bz888/subql-cosmos/internal/dispatcher"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/metrics"
	"github.com/bz888/subql-cosmos/internal/migrations"
	"github.com/bz888/subql-cosmos/internal/pool"
	"github.com/bz888/subql-cosmos/internal/store"
	"github.com/bz888/subql-cosmos/internal/syncstate"
	"github.com/bz888/subql-cosmos/internal/unfinalized"
	"github.com/bz888/subql-cosmos/pkg/config"
	pkgindexer "github.com/bz888/subql-cosmos/pkg/indexer"
	pkgsyncstate "github.com/bz888/subql-cosmos/pkg/syncstate"
	"github.com/bz888/subql-cosmos/pkg/types"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

var _ dispatcher.Sink = (*Runner)(nil)

type datasource struct {
	height  uint64
	filters []types.FilterCondition
}

// Runner wires the connection pool, the optional archive and dictionary, the unfinalized
// tracker and the dispatcher from configuration. It is the dispatcher's sink: every
// delivered block is persisted, processed and then checkpointed.
type Runner struct {
	cfg *config.Config
	log *logger.Logger

	database    *sql.DB
	maintenance db.Maintenance
	pool        *pool.Pool
	dictionary  *dictionary.Client
	tracker     *unfinalized.Tracker
	sync        *syncstate.SyncManager
	store       pkgindexer.Persister
	processor   pkgindexer.Processor
	coordinator *pkgindexer.Coordinator
	provider    dispatcher.HeightProvider
	dispatcher  *dispatcher.Dispatcher

	head atomic.Uint64

	mu      sync.Mutex
	filters []types.FilterCondition
	pending []datasource
}

// NewRunner creates a runner for cfg. cfg must have defaults applied and be valid.
func NewRunner(cfg *config.Config, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	return &Runner{
		cfg:     cfg,
		log:     log.WithComponent(common.ComponentRunner),
		filters: slices.Clone(cfg.Filters),
	}
}

// componentLogger returns the logger for component with its configured level.
func (r *Runner) componentLogger(component string) *logger.Logger {
	if r.cfg.Logging == nil {
		return r.log.WithComponent(component)
	}
	return logger.NewComponentLoggerFromConfig(component, r.cfg.Logging)
}

// AddDatasource registers filters that take effect above height. It may be called before
// or during Run and requires dispatcher.dynamic_datasources.
func (r *Runner) AddDatasource(height uint64, filters []types.FilterCondition) error {
	if !r.cfg.Dispatcher.DynamicDatasources {
		return dispatcher.ErrDynamicDatasourcesDisabled
	}
	if err := types.ValidateFilters(filters); err != nil {
		return err
	}

	ds := datasource{height: height, filters: slices.Clone(filters)}

	r.mu.Lock()
	d := r.dispatcher
	if d == nil {
		r.pending = append(r.pending, ds)
	}
	r.mu.Unlock()

	if d != nil {
		return d.RegisterDynamicDatasource(height, r.datasourceHook(ds))
	}
	return nil
}

// Run indexes until the end height is delivered, a fatal error occurs or ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.open(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metricsServer *metrics.Server
	if r.cfg.Metrics != nil && r.cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(r.cfg.Metrics, r.pool.Healthy, r.componentLogger(common.ComponentMetricsServer))
		if err := metricsServer.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second) //nolint:mnd
			defer stop()
			if err := metricsServer.Stop(stopCtx); err != nil {
				r.log.Warnw("failed to stop metrics server", "error", err)
			}
		}()
	}

	if err := r.maintenance.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start database maintenance: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		r.pool.Start(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return r.dispatcher.Run(gctx)
	})

	err := g.Wait()
	if stopErr := r.maintenance.Stop(); stopErr != nil {
		r.log.Warnw("failed to stop database maintenance", "error", stopErr)
	}

	switch {
	case err == nil:
		r.log.Infow("indexing finished", "end_height", r.cfg.Dispatcher.EndHeight)
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		r.log.Info("indexing stopped")
		return nil
	default:
		metrics.ErrorsInc(common.ComponentRunner, "fatal")
		r.log.Errorw("indexing failed", "error", err)
		return err
	}
}

// open builds every component. The checkpoint decides the first height.
func (r *Runner) open(ctx context.Context) error {
	if err := migrations.RunMigrations(r.cfg.DB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(r.cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	r.database = database
	r.maintenance = db.NewMaintenanceCoordinator(r.cfg.DB.Path, database, r.cfg.DB.Maintenance, r.log)

	registry := decoder.DefaultRegistry()
	r.pool = pool.NewFromConfig(&r.cfg.Network, registry, r.componentLogger(common.ComponentPool))
	if err := r.pool.AddAll(ctx, r.cfg.Network.Endpoints); err != nil {
		return fmt.Errorf("failed to connect to the network: %w", err)
	}
	chainID := r.pool.ChainID()

	r.sync = syncstate.NewSyncManager(database, r.componentLogger(common.ComponentSyncManager), r.maintenance)
	if err := r.sync.BindChain(chainID); err != nil {
		return err
	}
	start, err := r.sync.StartHeight(r.cfg.Dispatcher.StartHeight)
	if err != nil {
		return fmt.Errorf("failed to resolve start height: %w", err)
	}

	blockStore := store.NewBlockStore(database, r.componentLogger(common.ComponentBlockStore), r.maintenance)
	if err := blockStore.Rewind(ctx, start-1); err != nil {
		return err
	}
	r.store = blockStore

	if r.cfg.Dispatcher.UnfinalizedBlocks {
		r.tracker = unfinalized.NewTracker(database, r.pool, r.cfg.Dispatcher.FinalizationDepth,
			r.componentLogger(common.ComponentUnfinalized), r.maintenance)
		if err := r.tracker.Rewind(start - 1); err != nil {
			return err
		}
	}

	processor, err := pkgindexer.Create(r.cfg.Processor, r.componentLogger(common.ComponentProcessor))
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}
	r.processor = processor
	r.coordinator = pkgindexer.NewCoordinator()
	r.coordinator.RegisterProcessor(processor, slices.Clone(r.cfg.Filters))

	if r.cfg.Dictionary != nil {
		r.dictionary = dictionary.NewClient(r.cfg.Dictionary, chainID, r.componentLogger(common.ComponentDictionary))
	}

	r.provider, err = r.newProvider(r.cfg.Filters)
	if err != nil {
		return err
	}

	opts := dispatcher.OptionsFromConfig(&r.cfg.Dispatcher)
	opts.Start = start

	var tracker dispatcher.Tracker
	if r.tracker != nil {
		tracker = r.tracker
	}

	d, err := dispatcher.New(opts, r.newFetcher(ctx, chainID, registry), headSource{r}, r.provider, tracker, r,
		r.componentLogger(common.ComponentDispatcher))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	r.mu.Lock()
	r.dispatcher = d
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, ds := range pending {
		if err := d.RegisterDynamicDatasource(ds.height, r.datasourceHook(ds)); err != nil {
			return err
		}
	}

	r.log.Infow("runner ready",
		"chain_id", chainID,
		"start_height", start,
		"end_height", r.cfg.Dispatcher.EndHeight,
		"processor", processor.Name(),
		"dictionary", r.dictionary != nil,
		"archive", r.cfg.Archive.IsEnabled(),
		"unfinalized_blocks", r.tracker != nil,
	)
	return nil
}

func (r *Runner) close() {
	if r.pool != nil {
		r.pool.Close()
	}
	if r.database != nil {
		if err := r.database.Close(); err != nil {
			r.log.Warnw("failed to close database", "error", err)
		}
	}
}

// newFetcher returns the pool, fronted by the archive when it is enabled and reachable.
func (r *Runner) newFetcher(ctx context.Context, chainID string, registry *decoder.Registry) dispatcher.Fetcher {
	if !r.cfg.Archive.IsEnabled() {
		return r.pool
	}

	src := archive.New(r.cfg.Archive, chainID, registry, r.componentLogger(common.ComponentArchive))
	if err := src.Init(ctx); err != nil {
		r.log.Warnw("archive unavailable, fetching over rpc only", "error", err)
		return r.pool
	}

	var archived archive.BlockFetcher = src
	if every := r.cfg.Archive.VerifyEvery; every > 0 {
		archived = archive.NewVerifier(src, r.pool, every, r.componentLogger(common.ComponentArchive))
	}
	return dispatcher.NewFallbackFetcher(archived, r.pool)
}

// newProvider narrows heights through the dictionary when configured, otherwise through
// block modulo filters.
func (r *Runner) newProvider(filters []types.FilterCondition) (dispatcher.HeightProvider, error) {
	bypass, err := r.cfg.Dispatcher.ParseBypassBlocks()
	if err != nil {
		return nil, err
	}

	if r.dictionary != nil && len(filters) > 0 {
		return dispatcher.NewDictionaryProvider(r.dictionary, filters, r.cfg.Dictionary.QueryLimit,
			r.cfg.Dictionary.QuerySize, bypass, r.componentLogger(common.ComponentDictionary)), nil
	}

	modulos, ok := dispatcher.ModulosOnly(filters)
	if !ok {
		modulos = nil
	}
	return dispatcher.NewSequentialProvider(modulos, bypass), nil
}

// datasourceHook widens the filters once the dispatcher passes ds.height. Without
// configured filters every block is already fetched and processed.
func (r *Runner) datasourceHook(ds datasource) func(ctx context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		if len(r.filters) == 0 {
			r.mu.Unlock()
			return nil
		}
		r.filters = append(slices.Clone(r.filters), ds.filters...)
		filters := r.filters
		r.mu.Unlock()

		if dp, ok := r.provider.(*dispatcher.DictionaryProvider); ok {
			dp.SetFilters(filters)
		} else {
			provider, err := r.newProvider(filters)
			if err != nil {
				return err
			}
			r.provider = provider
			r.dispatcher.SetProvider(provider)
		}
		r.coordinator.ExtendFilters(r.processor, ds.filters)

		r.log.Infow("datasource added", "height", ds.height, "filters", len(ds.filters))
		return nil
	}
}

// Deliver implements dispatcher.Sink.
func (r *Runner) Deliver(ctx context.Context, block *types.Block) error {
	if err := r.store.Persist(ctx, block); err != nil {
		return fmt.Errorf("failed to persist block %d: %w", block.Height, err)
	}

	start := time.Now()
	if err := r.coordinator.ProcessBlock(ctx, block); err != nil {
		metrics.ErrorsInc(common.ComponentProcessor, "fatal")
		return err
	}
	metrics.BlockProcessingTimeLog(r.processor.Name(), time.Since(start))

	if err := r.sync.SaveCheckpoint(block.Height, block.Hash, r.mode(block.Height)); err != nil {
		return err
	}

	metrics.BlockDeliveredLog(block.Height)
	return nil
}

// Advance implements dispatcher.Sink. Skipped heights carry no hash.
func (r *Runner) Advance(_ context.Context, height uint64) error {
	return r.sync.SaveCheckpoint(height, ethcommon.Hash{}, r.mode(height))
}

// Rewind implements dispatcher.Sink.
func (r *Runner) Rewind(ctx context.Context, height uint64) error {
	r.log.Warnw("rewinding", "height", height)

	if err := r.store.Rewind(ctx, height); err != nil {
		return err
	}
	if err := r.coordinator.Rewind(ctx, height); err != nil {
		return err
	}
	if r.tracker != nil {
		if err := r.tracker.Rewind(height); err != nil {
			return err
		}
	}
	return r.sync.Reset(height)
}

// mode is live once height is within the finalization depth of the last seen head.
func (r *Runner) mode(height uint64) pkgsyncstate.Mode {
	head := r.head.Load()
	if head > 0 && height+r.cfg.Dispatcher.FinalizationDepth >= head {
		return pkgsyncstate.ModeLive
	}
	return pkgsyncstate.ModeBackfill
}

// headSource reads the head from the pool and remembers it for checkpoint modes.
type headSource struct {
	r *Runner
}

func (h headSource) LatestHeight(ctx context.Context) (uint64, error) {
	height, err := h.r.pool.LatestHeight(ctx)
	if err != nil {
		return 0, err
	}
	h.r.head.Store(height)
	return height, nil
}
