package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bz888/subql-cosmos/internal/archive"
	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/metrics"
	"github.com/bz888/subql-cosmos/internal/pool"
	"github.com/bz888/subql-cosmos/internal/rpc"
	"github.com/bz888/subql-cosmos/internal/unfinalized"
	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/bz888/subql-cosmos/pkg/types"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultSlowFetch    = 2 * time.Second
)

// Sink receives the output of the dispatcher.
type Sink interface {
	// Deliver hands over one block. Calls are made in strictly increasing height order,
	// without gaps other than skipped heights.
	Deliver(ctx context.Context, block *types.Block) error
	// Advance reports that every height up to height is done, including skipped heights.
	Advance(ctx context.Context, height uint64) error
	// Rewind discards everything delivered above height.
	Rewind(ctx context.Context, height uint64) error
}

// HeadSource reports the chain head.
type HeadSource interface {
	LatestHeight(ctx context.Context) (uint64, error)
}

// Tracker validates blocks of the unfinalized tail before they are delivered.
type Tracker interface {
	Check(ctx context.Context, block *types.Block, head uint64) error
	Finalized(head uint64) uint64
}

var _ Tracker = (*unfinalized.Tracker)(nil)

// Options configures a Dispatcher.
type Options struct {
	// Start is the first height to deliver.
	Start uint64
	// End is the last height to deliver; 0 follows the chain head.
	End uint64

	Workers  int
	MinBatch int
	MaxBatch int

	// MemoryLimit in bytes shrinks the batch when the heap grows past it (0 = no limit).
	MemoryLimit uint64
	MemReader   MemReader

	FetchTimeout time.Duration
	PollInterval time.Duration
	// SlowFetch is the fetch latency at which the batch starts shrinking.
	SlowFetch time.Duration

	Retry *config.RetryConfig

	DynamicDatasources bool
}

// OptionsFromConfig builds Options from the dispatcher configuration.
func OptionsFromConfig(cfg *config.DispatcherConfig) Options {
	return Options{
		Start:              cfg.StartHeight,
		End:                cfg.EndHeight,
		Workers:            cfg.Workers,
		MinBatch:           cfg.MinBatchSize,
		MaxBatch:           cfg.MaxBatchSize,
		MemoryLimit:        common.MBToBytes(cfg.MemoryLimitMB),
		FetchTimeout:       cfg.FetchTimeout.Duration,
		PollInterval:       cfg.PollInterval.Duration,
		Retry:              cfg.Retry,
		DynamicDatasources: cfg.DynamicDatasources,
	}
}

func (o *Options) applyDefaults() {
	if o.Start == 0 {
		o.Start = 1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.MinBatch < 1 {
		o.MinBatch = 1
	}
	if o.MaxBatch < o.MinBatch {
		o.MaxBatch = o.MinBatch
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.SlowFetch == 0 {
		o.SlowFetch = defaultSlowFetch
	}
	if o.Retry == nil {
		o.Retry = &config.RetryConfig{}
	}
	o.Retry.ApplyDefaults()
}

type task struct {
	height uint64
	gen    uint64
}

type result struct {
	task
	block   *types.Block
	err     error
	latency time.Duration
}

type hook struct {
	height uint64
	fn     func(ctx context.Context) error
}

// Dispatcher fetches heights on a fixed set of workers and delivers the blocks to a Sink
// in height order. A single coordinator goroutine owns the window; workers only fetch.
type Dispatcher struct {
	opts    Options
	fetcher Fetcher
	head    HeadSource
	tracker Tracker
	sink    Sink
	log     *logger.Logger

	mu       sync.Mutex
	provider HeightProvider
	hooks    []hook
	wake     chan struct{}

	// coordinator state
	window *Window
	batch  *SmartBatch
	gen    uint64
	busy   int
	latest uint64
}

// New creates a dispatcher. tracker may be nil when unfinalized blocks are not tracked.
func New(
	opts Options,
	fetcher Fetcher,
	head HeadSource,
	provider HeightProvider,
	tracker Tracker,
	sink Sink,
	log *logger.Logger,
) (*Dispatcher, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if head == nil {
		return nil, errors.New("head source is required")
	}
	if provider == nil {
		return nil, errors.New("height provider is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	opts.applyDefaults()

	return &Dispatcher{
		opts:     opts,
		fetcher:  fetcher,
		head:     head,
		tracker:  tracker,
		sink:     sink,
		provider: provider,
		log:      log.WithComponent(common.ComponentDispatcher),
		wake:     make(chan struct{}, 1),
		window:   NewWindow(opts.Start),
		batch:    NewSmartBatch(opts.MinBatch, opts.MaxBatch, opts.SlowFetch, opts.MemoryLimit, opts.MemReader),
	}, nil
}

// RegisterDynamicDatasource registers fn to run before any height above height is
// delivered. After fn returns, buffered heights above height are discarded and planned
// again, so fn may replace the provider through SetProvider.
func (d *Dispatcher) RegisterDynamicDatasource(height uint64, fn func(ctx context.Context) error) error {
	if !d.opts.DynamicDatasources {
		return ErrDynamicDatasourcesDisabled
	}

	d.mu.Lock()
	d.hooks = append(d.hooks, hook{height: height, fn: fn})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	d.log.Infow("dynamic datasource registered", "height", height)
	return nil
}

// SetProvider replaces the height provider used for planning.
func (d *Dispatcher) SetProvider(p HeightProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provider = p
}

func (d *Dispatcher) currentProvider() HeightProvider {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.provider
}

// Run dispatches until End is delivered, a fatal error occurs or ctx is cancelled.
// Fatal errors are returned as is; cancellation returns ctx.Err(). A block is never
// partially delivered.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.refreshHead(ctx); err != nil {
		return err
	}

	d.log.Infow("dispatcher started",
		"start", d.opts.Start,
		"end", d.opts.End,
		"head", d.latest,
		"workers", d.opts.Workers,
		"min_batch", d.opts.MinBatch,
		"max_batch", d.opts.MaxBatch,
	)
	metrics.ComponentHealthSet(common.ComponentDispatcher, true)

	tasks := make(chan task, d.opts.Workers)
	results := make(chan result, d.opts.Workers)

	var wg sync.WaitGroup
	for range d.opts.Workers {
		wg.Go(func() { d.worker(ctx, tasks, results) })
	}
	defer func() {
		close(tasks)
		go func() {
			wg.Wait()
			close(results)
		}()
		for range results {
		}
	}()

	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()

	var retry *time.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		if err := d.deliver(ctx); err != nil {
			metrics.ComponentHealthSet(common.ComponentDispatcher, false)
			return err
		}
		if d.finished() {
			d.log.Infow("dispatcher reached end height", "end", d.opts.End)
			return nil
		}
		if err := d.plan(ctx); err != nil {
			return err
		}
		d.assign(tasks)

		var retryC <-chan time.Time
		if at, ok := d.window.nextRetry(); ok {
			wait := max(time.Until(at), 0)
			if retry == nil {
				retry = time.NewTimer(wait)
			} else {
				retry.Reset(wait)
			}
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			d.log.Infow("dispatcher stopping", "delivered", d.window.Delivered(), "in_flight", d.busy)
			return ctx.Err()
		case r := <-results:
			d.busy--
			if err := d.handle(ctx, r); err != nil {
				metrics.ComponentHealthSet(common.ComponentDispatcher, false)
				return err
			}
		case <-retryC:
		case <-d.wake:
		case <-poll.C:
			if d.window.Planned() < d.latest {
				continue
			}
			if err := d.refreshHead(ctx); err != nil {
				if isFatal(err) || ctx.Err() != nil {
					return err
				}
				d.log.Warnw("failed to refresh chain head", "error", err)
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, tasks <-chan task, results chan<- result) {
	for t := range tasks {
		start := time.Now()
		fetchCtx, cancel := context.WithTimeout(ctx, d.opts.FetchTimeout)
		block, err := d.fetcher.FetchBlock(fetchCtx, t.height)
		cancel()

		results <- result{task: t, block: block, err: err, latency: time.Since(start)}
	}
}

func (d *Dispatcher) finished() bool {
	return d.opts.End != 0 && d.window.Delivered() >= d.opts.End
}

func (d *Dispatcher) target() uint64 {
	if d.opts.End != 0 && d.opts.End < d.latest {
		return d.opts.End
	}
	return d.latest
}

// plan fills the window once it has drained to half of the batch size.
func (d *Dispatcher) plan(ctx context.Context) error {
	defer func() { WindowSizeSet(d.window.Len()) }()

	target := d.target()
	for d.window.Planned() < target {
		size := d.batch.Size()
		if d.window.Len() > size/2 || (d.window.Len() > 0 && d.batch.Pressure()) {
			return nil
		}

		from := d.window.Planned() + 1
		p, err := d.currentProvider().Plan(ctx, from, target, size-d.window.Len())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to plan heights from %d: %w", from, err)
		}
		if p.CoveredTo < from || p.CoveredTo > target {
			return fmt.Errorf("height provider covered %d outside [%d, %d]", p.CoveredTo, from, target)
		}

		d.window.Plan(p.Heights, p.CoveredTo)
	}
	return nil
}

func (d *Dispatcher) assign(tasks chan<- task) {
	for _, s := range d.window.ready(time.Now()) {
		if d.busy >= d.opts.Workers {
			return
		}
		s.state = StateFetching
		d.busy++
		tasks <- task{height: s.height, gen: d.gen}
	}
}

func (d *Dispatcher) handle(ctx context.Context, r result) error {
	s := d.window.get(r.height)
	if r.gen != d.gen || s == nil || s.state != StateFetching {
		d.log.Debugw("dropping stale fetch result", "height", r.height)
		return nil
	}

	FetchDurationLog(r.latency)

	err := r.err
	if err == nil {
		switch {
		case r.block == nil:
			err = fmt.Errorf("fetcher returned no block for height %d", r.height)
		case r.block.Height != r.height:
			err = fmt.Errorf("%w: asked for %d, got %d", ErrHeightMismatch, r.height, r.block.Height)
		}
	}

	if err == nil {
		s.state = StateFetched
		s.block = r.block
		s.lastErr = nil
		d.batch.Observe(r.latency)
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if isFatal(err) {
		s.state = StateFailed
		FetchFailureInc("fatal")
		d.log.Errorw("fatal fetch error", "height", r.height, "error", err)
		return fmt.Errorf("failed to fetch height %d: %w", r.height, err)
	}

	s.attempts++
	s.lastErr = err
	d.batch.Failure()

	if s.attempts >= d.opts.Retry.MaxAttempts {
		s.state = StateFailed
		FetchFailureInc("exhausted")
		d.log.Errorw("height exhausted its retries", "height", r.height, "attempts", s.attempts, "error", err)
		return &RetryExhaustedError{Height: r.height, Attempts: s.attempts, Err: err}
	}

	outcome := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	FetchFailureInc(outcome)

	backoff := rpc.CalculateBackoff(s.attempts+1, d.opts.Retry)
	s.state = StateRetrying
	s.retryAt = time.Now().Add(backoff)

	d.log.Warnw("fetch failed, retrying",
		"height", r.height,
		"attempt", s.attempts,
		"backoff", backoff,
		"error", err,
	)
	return nil
}

// deliver hands every deliverable block to the sink and advances over skipped heights.
func (d *Dispatcher) deliver(ctx context.Context) error {
	deliverCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		s := d.window.front()
		if s == nil || s.state != StateFetched {
			break
		}

		if ran, err := d.runHooks(ctx, s.height); err != nil || ran {
			return err
		}

		if d.tracker != nil && s.height > d.tracker.Finalized(d.latest) {
			err := d.tracker.Check(ctx, s.block, d.latest)
			var forkErr *unfinalized.ForkDetectedError
			switch {
			case errors.As(err, &forkErr):
				if err := d.handleFork(ctx, forkErr.ForkHeight, s.height); err != nil {
					return err
				}
				return nil
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to check unfinalized block %d: %w", s.height, err)
			}
		}

		if err := d.sink.Deliver(deliverCtx, s.block); err != nil {
			return fmt.Errorf("failed to deliver height %d: %w", s.height, err)
		}
		d.window.pop()
		s.block = nil
	}

	frontier := d.window.skipFrontier()
	if frontier <= d.window.Delivered() || ctx.Err() != nil {
		return nil
	}
	if ran, err := d.runHooks(ctx, frontier); err != nil || ran {
		return err
	}
	if err := d.sink.Advance(deliverCtx, frontier); err != nil {
		return fmt.Errorf("failed to advance to height %d: %w", frontier, err)
	}
	d.window.skipTo(frontier)
	return nil
}

// runHooks runs every registered hook below passing. When any ran, the window above the
// lowest hook height is discarded and planned again.
func (d *Dispatcher) runHooks(ctx context.Context, passing uint64) (bool, error) {
	d.mu.Lock()
	var due, rest []hook
	for _, h := range d.hooks {
		if h.height < passing {
			due = append(due, h)
		} else {
			rest = append(rest, h)
		}
	}
	d.hooks = rest
	d.mu.Unlock()

	if len(due) == 0 {
		return false, nil
	}

	slices.SortStableFunc(due, func(a, b hook) int {
		switch {
		case a.height < b.height:
			return -1
		case a.height > b.height:
			return 1
		}
		return 0
	})

	for _, h := range due {
		if err := h.fn(context.WithoutCancel(ctx)); err != nil {
			return true, fmt.Errorf("dynamic datasource at height %d: %w", h.height, err)
		}
	}

	from := max(due[0].height, d.window.Delivered()) + 1
	dropped := d.window.Truncate(from)
	d.gen++

	d.log.Infow("dynamic datasources applied, replanning",
		"hooks", len(due),
		"replan_from", from,
		"discarded", dropped,
	)
	return true, nil
}

func (d *Dispatcher) handleFork(ctx context.Context, forkHeight, at uint64) error {
	forkHeight = min(forkHeight, at)
	ForkHandledInc()

	if forkHeight <= d.window.Delivered() {
		if err := d.sink.Rewind(context.WithoutCancel(ctx), forkHeight-1); err != nil {
			return fmt.Errorf("failed to rewind to height %d: %w", forkHeight-1, err)
		}
	}

	dropped := d.window.Truncate(forkHeight)
	d.gen++

	d.log.Warnw("fork handled, refetching",
		"fork_height", forkHeight,
		"at", at,
		"discarded", dropped,
	)
	return nil
}

func (d *Dispatcher) refreshHead(ctx context.Context) error {
	h, err := d.head.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}
	if h > d.latest {
		d.latest = h
		metrics.ChainHeadSet(h)
	}
	return nil
}

// isFatal reports errors that no retry can fix.
func isFatal(err error) bool {
	return errors.Is(err, archive.ErrArchiveIntegrity) ||
		errors.Is(err, pool.ErrNoHealthyConnections) ||
		errors.Is(err, pool.ErrChainIDMismatch)
}
