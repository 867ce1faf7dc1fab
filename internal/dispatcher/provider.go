package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/dictionary"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/bz888/subql-cosmos/pkg/types"
)

// dictionaryRetryInterval is how long the dictionary is left alone after a failed query.
const dictionaryRetryInterval = 30 * time.Second

// Plan is the answer of a HeightProvider. Heights are ascending and lie within
// [from, CoveredTo]; every other height in that range is skipped.
type Plan struct {
	Heights   []uint64
	CoveredTo uint64
}

// HeightProvider decides which heights of [from, to] must be fetched. It returns at most
// n heights and must cover at least from.
type HeightProvider interface {
	Plan(ctx context.Context, from, to uint64, n int) (Plan, error)
}

var (
	_ HeightProvider = (*SequentialProvider)(nil)
	_ HeightProvider = (*DictionaryProvider)(nil)
)

// SequentialProvider walks the range height by height, optionally keeping only
// multiples of the modulos and always leaving out the bypass ranges.
type SequentialProvider struct {
	modulos []uint64
	bypass  []config.HeightRange
}

// NewSequentialProvider creates a provider. Without modulos every height is kept.
func NewSequentialProvider(modulos []uint64, bypass []config.HeightRange) *SequentialProvider {
	return &SequentialProvider{modulos: modulos, bypass: bypass}
}

// Plan implements HeightProvider.
func (p *SequentialProvider) Plan(_ context.Context, from, to uint64, n int) (Plan, error) {
	if from > to {
		return Plan{}, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	if n < 1 {
		return Plan{}, fmt.Errorf("invalid height limit %d", n)
	}

	var heights []uint64
	for h := from; ; h++ {
		next, ok := p.next(h, to)
		if !ok {
			return Plan{Heights: heights, CoveredTo: to}, nil
		}
		heights = append(heights, next)
		if len(heights) == n || next == to {
			return Plan{Heights: heights, CoveredTo: next}, nil
		}
		h = next
	}
}

// next returns the lowest kept height in [h, to].
func (p *SequentialProvider) next(h, to uint64) (uint64, bool) {
	for h <= to {
		candidate := h
		if len(p.modulos) > 0 {
			candidate = 0
			for _, m := range p.modulos {
				c := (h + m - 1) / m * m
				if candidate == 0 || c < candidate {
					candidate = c
				}
			}
		}
		if candidate > to {
			return 0, false
		}
		if r, ok := p.bypassed(candidate); ok {
			h = r.To + 1
			continue
		}
		return candidate, true
	}
	return 0, false
}

func (p *SequentialProvider) bypassed(h uint64) (config.HeightRange, bool) {
	for _, r := range p.bypass {
		if r.Contains(h) {
			return r, true
		}
	}
	return config.HeightRange{}, false
}

// ModulosOnly returns the modulos when every filter is a block filter with a modulo and
// no timestamp. Such filters never need the dictionary.
func ModulosOnly(filters []types.FilterCondition) ([]uint64, bool) {
	if len(filters) == 0 {
		return nil, false
	}
	modulos := make([]uint64, 0, len(filters))
	for _, f := range filters {
		if f.Kind != types.FilterKindBlock || f.Block == nil || f.Block.Modulo == 0 || f.Block.Timestamp != "" {
			return nil, false
		}
		modulos = append(modulos, f.Block.Modulo)
	}
	slices.Sort(modulos)
	return slices.Compact(modulos), true
}

// DictionaryQuerier runs a translated dictionary query.
type DictionaryQuerier interface {
	Query(ctx context.Context, q *dictionary.Query) (*dictionary.Result, error)
}

type cachedPlan struct {
	from      uint64
	heights   []uint64
	coveredTo uint64
}

// DictionaryProvider narrows heights with the dictionary and falls back to a full
// sequential scan when the dictionary cannot answer.
type DictionaryProvider struct {
	mu sync.Mutex

	client  DictionaryQuerier
	filters []types.FilterCondition
	limit   int
	span    uint64
	bypass  []config.HeightRange

	fallback    *SequentialProvider
	disabled    bool
	nextAttempt time.Time
	cache       *cachedPlan

	log *logger.Logger
}

// NewDictionaryProvider creates a provider querying at most span heights and limit rows
// per request.
func NewDictionaryProvider(
	client DictionaryQuerier,
	filters []types.FilterCondition,
	limit int,
	span uint64,
	bypass []config.HeightRange,
	log *logger.Logger,
) *DictionaryProvider {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &DictionaryProvider{
		client:   client,
		filters:  filters,
		limit:    limit,
		span:     span,
		bypass:   bypass,
		fallback: NewSequentialProvider(nil, bypass),
		log:      log.WithComponent(common.ComponentDictionary),
	}
}

// SetFilters replaces the filters, e.g. after a dynamic datasource was added.
func (p *DictionaryProvider) SetFilters(filters []types.FilterCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filters = filters
	p.cache = nil
	p.disabled = false
	p.nextAttempt = time.Time{}
}

// Plan implements HeightProvider.
func (p *DictionaryProvider) Plan(ctx context.Context, from, to uint64, n int) (Plan, error) {
	if from > to {
		return Plan{}, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.cache; c != nil && c.from <= from && from <= c.coveredTo {
		return c.serve(from, n), nil
	}
	p.cache = nil

	if p.disabled || time.Now().Before(p.nextAttempt) {
		return p.fallback.Plan(ctx, from, to, n)
	}

	end := to
	if p.span > 0 && to-from >= p.span {
		end = from + p.span - 1
	}

	q, err := dictionary.Translate(p.filters, from, end+1, p.limit)
	if err != nil {
		if errors.Is(err, dictionary.ErrFullScanRequired) {
			p.log.Infow("filters cannot be narrowed by the dictionary, scanning every height", "reason", err)
		} else {
			p.log.Warnw("failed to translate filters, scanning every height", "error", err)
		}
		p.disabled = true
		ProviderFallbackInc("full_scan")
		return p.fallback.Plan(ctx, from, to, n)
	}

	var heights []uint64
	covered := end
	if q.Query != "" {
		res, err := p.client.Query(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return Plan{}, ctx.Err()
			}
			return p.fallbackAfter(ctx, err, from, to, n)
		}
		if res.CoveredTo < from {
			p.log.Debugw("dictionary does not cover the range yet", "from", from, "last_processed", res.LastProcessedHeight)
			p.nextAttempt = time.Now().Add(dictionaryRetryInterval)
			ProviderFallbackInc("behind")
			return p.fallback.Plan(ctx, from, to, n)
		}
		heights, covered = res.Heights, res.CoveredTo
	}

	if len(q.Modulos) > 0 {
		modulo, err := NewSequentialProvider(q.Modulos, nil).Plan(ctx, from, covered, n)
		if err != nil {
			return Plan{}, err
		}
		if len(modulo.Heights) == n {
			covered = modulo.CoveredTo
		}
		heights = append(heights, modulo.Heights...)
	}

	kept := heights[:0:0]
	for _, h := range heights {
		if h > covered {
			continue
		}
		if _, ok := p.fallback.bypassed(h); ok {
			continue
		}
		kept = append(kept, h)
	}
	slices.Sort(kept)
	kept = slices.Compact(kept)

	p.log.Debugw("dictionary narrowed range",
		"from", from,
		"covered_to", covered,
		"heights", len(kept),
	)

	p.cache = &cachedPlan{from: from, heights: kept, coveredTo: covered}
	return p.cache.serve(from, n), nil
}

func (p *DictionaryProvider) fallbackAfter(ctx context.Context, err error, from, to uint64, n int) (Plan, error) {
	switch {
	case errors.Is(err, dictionary.ErrChainMismatch):
		p.log.Errorw("dictionary indexes another chain, disabling it", "error", err)
		p.disabled = true
		ProviderFallbackInc("chain_mismatch")
	case errors.Is(err, dictionary.ErrStaleDictionary):
		p.log.Warnw("dictionary is stale, scanning sequentially", "error", err)
		p.nextAttempt = time.Now().Add(dictionaryRetryInterval)
		ProviderFallbackInc("stale")
	default:
		p.log.Warnw("dictionary unavailable, scanning sequentially", "error", err)
		p.nextAttempt = time.Now().Add(dictionaryRetryInterval)
		ProviderFallbackInc("unavailable")
	}
	return p.fallback.Plan(ctx, from, to, n)
}

func (c *cachedPlan) serve(from uint64, n int) Plan {
	i, _ := slices.BinarySearch(c.heights, from)
	rest := c.heights[i:]
	if len(rest) > n {
		return Plan{Heights: slices.Clone(rest[:n]), CoveredTo: rest[n-1]}
	}
	return Plan{Heights: slices.Clone(rest), CoveredTo: c.coveredTo}
}
