package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/bz888/subql-cosmos/internal/decoder"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/rpc"
	"github.com/bz888/subql-cosmos/pkg/config"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	"golang.org/x/sync/singleflight"
)

// State is the liveness state of an endpoint.
type State int

const (
	StateUnchecked State = iota
	StateHealthy
	StateDegraded
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDead:
		return "dead"
	default:
		return "unchecked"
	}
}

const (
	defaultMaxFailures = 3
	defaultConcurrency = 8

	// maxAddAttempts bounds the status calls made while adding an endpoint.
	maxAddAttempts = 3

	// latencyBucket groups endpoints whose latencies are close enough to be interchangeable.
	latencyBucket = 250 * time.Millisecond

	// latencyWeight is the weight of the newest sample in the latency moving average.
	latencyWeight = 0.3
)

// Dialer creates a client for one endpoint URL.
type Dialer func(ctx context.Context, url string) (pkgrpc.Client, error)

// Options configures a Pool.
type Options struct {
	// ChainID pre-seeds the pool chain id. When empty the first added endpoint decides it.
	ChainID string

	// HeightTolerance is how far behind the highest endpoint a node may be and still be preferred.
	HeightTolerance uint64

	// MaxFailures is the number of consecutive transient failures after which an endpoint is Dead.
	MaxFailures int

	// Retry bounds WithRetry attempts and backoff.
	Retry *config.RetryConfig

	// HealthInterval is the period of the health loop started by Start.
	HealthInterval time.Duration

	// Concurrency bounds parallel adds and health checks.
	Concurrency int

	// Dialer creates endpoint clients.
	Dialer Dialer

	// Registry decodes messages in FetchBlock.
	Registry *decoder.Registry
}

// EndpointStatus is a snapshot of one endpoint.
type EndpointStatus struct {
	URL         string
	State       State
	Height      uint64
	Failures    int
	Latency     time.Duration
	PrunedBelow uint64
}

type endpoint struct {
	url         string
	client      pkgrpc.Client
	state       State
	height      uint64
	failures    int
	latency     time.Duration
	prunedBelow uint64
	wrongChain  bool
}

// Pool manages the RPC endpoints of one chain: identity checks, health scoring,
// selection and failover. The endpoint table is only mutated under mu.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	byURL     map[string]*endpoint
	chainID   string
	authority *endpoint
	rr        uint64
	reviving  singleflight.Group

	opts    Options
	workers pond.Pool
	log     *logger.Logger
}

// New creates an empty pool.
func New(opts Options, log *logger.Logger) *Pool {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Retry == nil {
		opts.Retry = &config.RetryConfig{}
		opts.Retry.ApplyDefaults()
	}
	if opts.Registry == nil {
		opts.Registry = decoder.DefaultRegistry()
	}
	if opts.Dialer == nil {
		opts.Dialer = func(ctx context.Context, url string) (pkgrpc.Client, error) {
			conn, err := rpc.Dial(ctx, url, rpc.Options{})
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Pool{
		byURL:   make(map[string]*endpoint),
		chainID: opts.ChainID,
		opts:    opts,
		workers: pond.NewPool(opts.Concurrency),
		log:     log,
	}
}

// NewFromConfig creates a pool whose endpoints are dialed with the network settings.
func NewFromConfig(cfg *config.NetworkConfig, registry *decoder.Registry, log *logger.Logger) *Pool {
	dialOpts := rpc.Options{
		RequestTimeout: cfg.RequestTimeout.Duration,
		RateLimit:      cfg.RateLimit,
	}

	return New(Options{
		ChainID:         cfg.ChainID,
		HeightTolerance: cfg.HeightTolerance,
		MaxFailures:     cfg.MaxFailures,
		Retry:           cfg.Retry,
		HealthInterval:  cfg.HealthInterval.Duration,
		Registry:        registry,
		Dialer: func(ctx context.Context, url string) (pkgrpc.Client, error) {
			conn, err := rpc.Dial(ctx, url, dialOpts)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}, log)
}

// ChainID returns the chain id established by the pool, or "" before the first add.
func (p *Pool) ChainID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID
}

// Registry returns the shared, read only decode registry.
func (p *Pool) Registry() *decoder.Registry {
	return p.opts.Registry
}

// Add connects to url and checks its chain id. An endpoint that is dialed but does not
// answer is kept as Unchecked so the health loop can bring it in later.
func (p *Pool) Add(ctx context.Context, url string) error {
	p.mu.Lock()
	if _, exists := p.byURL[url]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, url)
	}
	p.mu.Unlock()

	client, err := p.opts.Dialer(ctx, url)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, url, err)
	}

	var (
		status  *pkgrpc.StatusResponse
		latency time.Duration
	)
	retry := *p.opts.Retry
	retry.MaxAttempts = min(max(retry.MaxAttempts, 1), maxAddAttempts)
	statusErr := rpc.RetryWithBackoff(ctx, &retry, "status", func() error {
		start := time.Now()
		resp, err := client.Status(ctx)
		if err != nil {
			return err
		}
		status, latency = resp, time.Since(start)
		return nil
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byURL[url]; exists {
		client.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, url)
	}

	ep := &endpoint{url: url, client: client, state: StateUnchecked}

	if statusErr != nil {
		p.insertLocked(ep)
		p.log.Warnw("endpoint unreachable, kept for health checks", "endpoint", url, "error", statusErr)
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, url, statusErr)
	}

	if err := p.verifyChainIDLocked(url, status.NodeInfo.Network); err != nil {
		client.Close()
		return err
	}

	ep.state = StateHealthy
	ep.height = uint64(status.SyncInfo.LatestBlockHeight)
	ep.latency = latency
	p.insertLocked(ep)

	if p.authority == nil {
		p.authority = ep
	}

	EndpointHeightSet(url, ep.height)
	p.log.Infow("endpoint added",
		"endpoint", url,
		"chain_id", p.chainID,
		"height", ep.height,
		"latency", latency,
	)

	return nil
}

// AddAll adds urls. The first reachable endpoint is added alone so it deterministically
// establishes the chain id; the rest are added in parallel. It fails when no endpoint could
// be added or when any endpoint serves another chain.
func (p *Pool) AddAll(ctx context.Context, urls []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}

	rest := urls
	for len(rest) > 0 {
		url := rest[0]
		rest = rest[1:]

		err := p.Add(ctx, url)
		if err == nil {
			break
		}
		record(err)
	}

	if len(rest) > 0 {
		group := p.workers.NewGroupContext(ctx)
		for _, url := range rest {
			group.Submit(func() {
				if err := p.Add(ctx, url); err != nil {
					record(err)
				}
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			record(err)
		}
	}

	var mismatches []error
	for _, err := range errs {
		if errors.Is(err, ErrChainIDMismatch) {
			mismatches = append(mismatches, err)
		} else {
			p.log.Warnw("failed to add endpoint", "error", err)
		}
	}
	if len(mismatches) > 0 {
		return errors.Join(mismatches...)
	}

	if p.healthyCount() == 0 {
		return fmt.Errorf("%w: %w", ErrNoHealthyConnections, errors.Join(errs...))
	}

	return nil
}

// Remove closes and removes an endpoint. It is the only way an endpoint leaves the pool.
func (p *Pool) Remove(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.byURL[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, url)
	}

	ep.client.Close()
	delete(p.byURL, url)
	for i, e := range p.endpoints {
		if e == ep {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			break
		}
	}

	if p.authority == ep {
		p.authority = nil
		for _, e := range p.endpoints {
			if e.state == StateHealthy {
				p.authority = e
				break
			}
		}
	}

	EndpointState.DeleteLabelValues(url)
	EndpointHeight.DeleteLabelValues(url)
	p.log.Infow("endpoint removed", "endpoint", url)

	return nil
}

// Best returns the preferred client: Healthy before Degraded, never Dead; within the tier,
// endpoints close to the highest known height, then the lowest latency bucket, with ties
// broken round-robin.
func (p *Pool) Best() (pkgrpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, err := p.selectLocked(0, "")
	if err != nil {
		return nil, err
	}
	return ep.client, nil
}

// Endpoints returns a snapshot of every endpoint in insertion order.
func (p *Pool) Endpoints() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, EndpointStatus{
			URL:         ep.url,
			State:       ep.state,
			Height:      ep.height,
			Failures:    ep.failures,
			Latency:     ep.latency,
			PrunedBelow: ep.prunedBelow,
		})
	}
	return out
}

// Healthy returns nil while at least one endpoint can serve requests.
func (p *Pool) Healthy() error {
	if p.healthyCount() == 0 {
		return ErrNoHealthyConnections
	}
	return nil
}

// Close stops background work and closes every client.
func (p *Pool) Close() {
	p.workers.StopAndWait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
}

func (p *Pool) healthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.state == StateHealthy || ep.state == StateDegraded {
			count++
		}
	}
	return count
}

func (p *Pool) insertLocked(ep *endpoint) {
	p.endpoints = append(p.endpoints, ep)
	p.byURL[ep.url] = ep
	EndpointStateSet(ep.url, ep.state)
}

func (p *Pool) verifyChainIDLocked(url, chainID string) error {
	if chainID == "" {
		return fmt.Errorf("%w: %s reports no chain id", ErrChainIDMismatch, url)
	}
	if p.chainID == "" {
		p.chainID = chainID
		return nil
	}
	if chainID != p.chainID {
		return fmt.Errorf("%w: %s serves %q, pool serves %q", ErrChainIDMismatch, url, chainID, p.chainID)
	}
	return nil
}

// selectLocked picks an endpoint able to serve height (0 means any). avoid is skipped when
// another endpoint is available.
func (p *Pool) selectLocked(height uint64, avoid string) (*endpoint, error) {
	var healthy, degraded []*endpoint
	serving := 0

	for _, ep := range p.endpoints {
		if ep.state != StateHealthy && ep.state != StateDegraded {
			continue
		}
		serving++
		if height > 0 && height < ep.prunedBelow {
			continue
		}
		if ep.state == StateHealthy {
			healthy = append(healthy, ep)
		} else {
			degraded = append(degraded, ep)
		}
	}

	if serving == 0 {
		for _, ep := range p.endpoints {
			if !ep.wrongChain {
				return nil, ErrEndpointsDown
			}
		}
		return nil, ErrNoHealthyConnections
	}
	if len(healthy)+len(degraded) == 0 {
		return nil, errAllPruned
	}

	if avoid != "" && len(healthy)+len(degraded) > 1 {
		healthy = without(healthy, avoid)
		degraded = without(degraded, avoid)
	}

	candidates := healthy
	if len(candidates) == 0 {
		candidates = degraded
	}

	candidates = p.preferLocked(candidates)
	ep := candidates[p.rr%uint64(len(candidates))]
	p.rr++

	return ep, nil
}

// preferLocked narrows candidates to those within the height tolerance of the highest
// candidate, then to the lowest latency bucket.
func (p *Pool) preferLocked(candidates []*endpoint) []*endpoint {
	var maxHeight uint64
	for _, ep := range candidates {
		maxHeight = max(maxHeight, ep.height)
	}

	upToDate := make([]*endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep.height+p.opts.HeightTolerance >= maxHeight {
			upToDate = append(upToDate, ep)
		}
	}

	minBucket := time.Duration(-1)
	for _, ep := range upToDate {
		bucket := ep.latency / latencyBucket
		if minBucket < 0 || bucket < minBucket {
			minBucket = bucket
		}
	}

	fastest := upToDate[:0:0]
	for _, ep := range upToDate {
		if ep.latency/latencyBucket == minBucket {
			fastest = append(fastest, ep)
		}
	}

	return fastest
}

func without(eps []*endpoint, url string) []*endpoint {
	out := eps[:0:0]
	for _, ep := range eps {
		if ep.url != url {
			out = append(out, ep)
		}
	}
	return out
}

func (p *Pool) markSuccess(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.byURL[url]
	if !ok {
		return
	}

	if ep.latency == 0 {
		ep.latency = latency
	} else {
		ep.latency = time.Duration(latencyWeight*float64(latency) + (1-latencyWeight)*float64(ep.latency))
	}
	ep.failures = 0
	ep.wrongChain = false

	if ep.state != StateHealthy {
		p.log.Infow("endpoint recovered", "endpoint", url, "from", ep.state)
		ep.state = StateHealthy
		EndpointStateSet(url, ep.state)
	}
}

func (p *Pool) markFailure(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.byURL[url]
	if !ok {
		return
	}

	ep.failures++
	if ep.failures >= p.opts.MaxFailures && ep.state != StateDead {
		p.demoteLocked(ep, StateDead, err)
	}
}

func (p *Pool) markDegraded(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep, ok := p.byURL[url]; ok && ep.state == StateHealthy {
		p.demoteLocked(ep, StateDegraded, err)
	}
}

// markWrongChain kills url for serving another chain. Such an endpoint never counts as
// revivable.
func (p *Pool) markWrongChain(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.byURL[url]
	if !ok {
		return
	}
	ep.wrongChain = true
	if ep.state != StateDead {
		p.demoteLocked(ep, StateDead, err)
	}
}

// markPruned records that url does not serve height. lowest is the lowest retained height
// when the node reported it.
func (p *Pool) markPruned(url string, height, lowest uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.byURL[url]
	if !ok {
		return
	}

	below := lowest
	if below <= height {
		below = height + 1
	}
	if below > ep.prunedBelow {
		ep.prunedBelow = below
		p.log.Infow("endpoint does not retain low heights", "endpoint", url, "pruned_below", below)
	}
}

func (p *Pool) demoteLocked(ep *endpoint, state State, err error) {
	p.log.Warnw("endpoint demoted",
		"endpoint", ep.url,
		"from", ep.state,
		"to", state,
		"failures", ep.failures,
		"error", err,
	)

	ep.state = state
	EndpointStateSet(ep.url, state)
	EndpointDemotionInc(ep.url, state)
}
