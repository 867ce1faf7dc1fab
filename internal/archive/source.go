package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/decoder"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

// ErrHeightNotArchived is returned for heights outside every finalized bundle, typically
// heights newer than the latest bundle. Callers fall back to RPC for them.
var ErrHeightNotArchived = errors.New("height not archived")

// Source serves finalized blocks from KYVE bundles. The last resolved bundle and the
// content of the last downloaded bundle are each kept in a single slot; concurrent
// requests for the same resolution or download share one call.
type Source struct {
	chainID  string
	storage  string
	registry *Registry
	http     *http.Client
	decode   *decoder.Registry
	log      *logger.Logger

	poolMu    sync.Mutex
	pool      uint64
	poolKnown bool

	bundles     *xsync.Map[uint64, *Bundle]
	latest      atomic.Pointer[Bundle]
	refreshedAt atomic.Int64
	refreshGap  time.Duration
	last    atomic.Pointer[Bundle]
	slot    atomic.Pointer[content]
	group   singleflight.Group
}

// New creates an archive source for chainID. When cfg.PoolID is unset the pool is
// discovered from the registry on first use.
func New(cfg *config.ArchiveConfig, chainID string, registry *decoder.Registry, log *logger.Logger) *Source {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if registry == nil {
		registry = decoder.DefaultRegistry()
	}
	timeout := cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 60 * time.Second //nolint:mnd
	}
	httpClient := &http.Client{Timeout: timeout}

	s := &Source{
		chainID:  chainID,
		storage:  strings.TrimRight(cfg.Storage, "/"),
		registry: NewRegistry(cfg.LCD, httpClient),
		http:     httpClient,
		decode:   registry,
		log:      log.WithComponent(common.ComponentArchive),
		bundles:    xsync.NewMap[uint64, *Bundle](),
		refreshGap: cfg.RefreshInterval.Duration,
	}
	if cfg.PoolID != nil {
		s.pool = *cfg.PoolID
		s.poolKnown = true
	}
	return s
}

// Init resolves the pool and the latest finalized bundle.
func (s *Source) Init(ctx context.Context) error {
	pool, err := s.poolID(ctx)
	if err != nil {
		return err
	}
	latest, err := s.refreshLatest(ctx)
	if err != nil {
		return err
	}

	s.log.Infow("archive source ready",
		"pool", pool,
		"latest_bundle", latest.id,
		"archived_to", latest.to,
	)
	return nil
}

// Reset drops every cached bundle, resolution and content.
func (s *Source) Reset() {
	s.bundles.Clear()
	s.latest.Store(nil)
	s.refreshedAt.Store(0)
	s.last.Store(nil)
	s.slot.Store(nil)
}

// ArchivedTo returns the last height covered by the latest known bundle, 0 before Init.
func (s *Source) ArchivedTo() uint64 {
	if b := s.latest.Load(); b != nil {
		return b.to
	}
	return 0
}

// ResolveBundle returns the bundle containing height, by binary search over bundle ids.
func (s *Source) ResolveBundle(ctx context.Context, height uint64) (*Bundle, error) {
	if b := s.last.Load(); b.Contains(height) {
		ArchiveCacheHitInc("resolution")
		return b, nil
	}

	v, err, _ := s.group.Do("resolve/"+strconv.FormatUint(height, 10), func() (any, error) {
		if b := s.last.Load(); b.Contains(height) {
			return b, nil
		}
		b, err := s.search(ctx, height)
		if err != nil {
			return nil, err
		}
		s.last.Store(b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

func (s *Source) search(ctx context.Context, height uint64) (*Bundle, error) {
	pool, err := s.poolID(ctx)
	if err != nil {
		return nil, err
	}

	latest := s.latest.Load()
	if latest == nil || (height > latest.to && s.refreshDue()) {
		if latest, err = s.refreshLatest(ctx); err != nil {
			return nil, err
		}
	}
	if height > latest.to {
		return nil, fmt.Errorf("%w: height %d is above the latest bundle (to %d)", ErrHeightNotArchived, height, latest.to)
	}

	lo, hi := uint64(0), latest.id
	for lo <= hi {
		mid := lo + (hi-lo)/2
		b, err := s.bundle(ctx, pool, mid)
		if err != nil {
			return nil, err
		}

		switch {
		case height < b.from:
			if mid == 0 {
				return nil, fmt.Errorf("%w: height %d is below the first bundle (from %d)",
					ErrHeightNotArchived, height, b.from)
			}
			hi = mid - 1
		case height > b.to:
			lo = mid + 1
		default:
			return b, nil
		}
	}

	return nil, fmt.Errorf("%w: no bundle contains height %d", ErrHeightNotArchived, height)
}

// GetBlockByHeight returns the block and block results at height in the same shapes an
// RPC endpoint produces.
func (s *Source) GetBlockByHeight(
	ctx context.Context, height uint64,
) (*pkgrpc.BlockResponse, *pkgrpc.BlockResultsResponse, error) {
	b, err := s.ResolveBundle(ctx, height)
	if err != nil {
		return nil, nil, err
	}

	c, err := s.content(ctx, b)
	if err != nil {
		return nil, nil, err
	}

	block, results, err := c.block(height)
	if err != nil {
		ArchiveIntegrityFailureInc()
		return nil, nil, err
	}
	return block, results, nil
}

// FetchBlock returns the decoded block at height.
func (s *Source) FetchBlock(ctx context.Context, height uint64) (*types.Block, error) {
	block, results, err := s.GetBlockByHeight(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("archive block %d: %w", height, err)
	}

	decoded, err := decoder.DecodeBlock(block, results, s.decode)
	if err != nil {
		ArchiveIntegrityFailureInc()
		return nil, fmt.Errorf("%w: archive block %d: %w", ErrArchiveIntegrity, height, err)
	}
	if s.chainID != "" {
		if err := decoder.ValidateChainID(decoded, s.chainID); err != nil {
			ArchiveIntegrityFailureInc()
			return nil, fmt.Errorf("%w: %w", ErrArchiveIntegrity, err)
		}
	}
	return decoded, nil
}

func (s *Source) poolID(ctx context.Context) (uint64, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	if s.poolKnown {
		return s.pool, nil
	}

	pool, err := s.registry.DiscoverPool(ctx, s.chainID)
	if err != nil {
		return 0, fmt.Errorf("discover archive pool: %w", err)
	}
	s.pool, s.poolKnown = pool, true
	s.log.Infow("discovered archive pool", "pool", pool, "chain_id", s.chainID)
	return pool, nil
}

func (s *Source) refreshLatest(ctx context.Context) (*Bundle, error) {
	pool, err := s.poolID(ctx)
	if err != nil {
		return nil, err
	}

	ArchiveRegistryLookupInc()
	b, err := s.registry.LatestBundle(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("latest bundle: %w", err)
	}
	s.bundles.Store(b.id, b)
	s.latest.Store(b)
	s.refreshedAt.Store(time.Now().UnixNano())
	return b, nil
}

// refreshDue reports whether the latest bundle may be looked up again. Heights above it
// are answered with ErrHeightNotArchived until then.
func (s *Source) refreshDue() bool {
	last := s.refreshedAt.Load()
	return last == 0 || time.Since(time.Unix(0, last)) >= s.refreshGap
}

func (s *Source) bundle(ctx context.Context, pool, id uint64) (*Bundle, error) {
	if b, ok := s.bundles.Load(id); ok {
		ArchiveCacheHitInc("bundle")
		return b, nil
	}

	ArchiveRegistryLookupInc()
	b, err := s.registry.Bundle(ctx, pool, id)
	if err != nil {
		return nil, err
	}
	s.bundles.Store(id, b)
	return b, nil
}

func (s *Source) content(ctx context.Context, b *Bundle) (*content, error) {
	if c := s.slot.Load(); c != nil && c.bundle.id == b.id {
		ArchiveCacheHitInc("content")
		return c, nil
	}

	v, err, _ := s.group.Do("content/"+b.ID, func() (any, error) {
		if c := s.slot.Load(); c != nil && c.bundle.id == b.id {
			return c, nil
		}

		start := time.Now()
		data, err := httpGet(ctx, s.http, s.storage+"/"+b.StorageID)
		if err != nil {
			return nil, fmt.Errorf("download bundle %s: %w", b.ID, err)
		}
		ArchiveBundleFetchObserve(time.Since(start))

		c, err := parseContent(b, data)
		if err != nil {
			ArchiveIntegrityFailureInc()
			return nil, err
		}
		s.slot.Store(c)

		s.log.Debugw("loaded bundle",
			"bundle", b.ID,
			"from", b.from,
			"to", b.to,
			"items", len(c.items),
			"duration", time.Since(start),
		)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*content), nil
}
