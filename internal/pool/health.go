package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
)

const defaultHealthInterval = 30 * time.Second

// Start runs the health loop until ctx is done. Every endpoint is probed in parallel;
// a probe re-verifies the chain id, refreshes the height and revives Dead endpoints.
func (p *Pool) Start(ctx context.Context) {
	interval := p.opts.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every endpoint once.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	urls := make([]string, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		urls = append(urls, ep.url)
	}
	p.mu.Unlock()

	if len(urls) == 0 {
		return
	}

	group := p.workers.NewGroupContext(ctx)
	for _, url := range urls {
		group.Submit(func() {
			p.probe(ctx, url)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		p.log.Warnw("health check group failed", "error", err)
	}
}

func (p *Pool) probe(ctx context.Context, url string) {
	p.mu.Lock()
	ep, ok := p.byURL[url]
	p.mu.Unlock()
	if !ok {
		return
	}

	start := time.Now()
	status, err := ep.client.Status(ctx)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			p.markFailure(url, err)
		}
		return
	}

	p.mu.Lock()
	chainErr := p.verifyChainIDLocked(url, status.NodeInfo.Network)
	if chainErr == nil && p.authority == nil {
		p.authority = ep
	}
	p.mu.Unlock()

	if chainErr != nil {
		p.markWrongChain(url, fmt.Errorf("health check: %w", chainErr))
		return
	}

	p.recordHeight(url, uint64(status.SyncInfo.LatestBlockHeight))
	p.markSuccess(url, latency)
}

// revive probes every endpoint once, shared by concurrent callers that found the pool down.
func (p *Pool) revive(ctx context.Context) {
	_, _, _ = p.reviving.Do("revive", func() (any, error) {
		p.CheckHealth(ctx)
		return nil, nil
	})
}
