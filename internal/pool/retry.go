package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bz888/subql-cosmos/internal/rpc"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
)

// Op is one attempt of a pooled operation against a selected client.
type Op func(ctx context.Context, client pkgrpc.Client) error

// WithRetry runs op against the best endpoint able to serve height (0 means any) and fails
// over according to the error class:
//   - rate limited: the endpoint is Degraded, the pool backs off and tries another endpoint
//   - forbidden or pruned: the endpoint is excluded for heights at or below height
//   - transient: the failure is counted (Dead after MaxFailures), backoff, another endpoint
//   - fatal: returned as is
//
// When every endpoint is down the remaining attempts back off and probe the pool, so a
// short outage of the only endpoint is absorbed. ErrEndpointsDown is returned when none
// came back.
//
// ErrHeightUnavailable is returned once every live endpoint has pruned the height.
func (p *Pool) WithRetry(ctx context.Context, height uint64, op Op) error {
	attempts := p.opts.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		lastErr error
		prev    string
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		p.mu.Lock()
		ep, err := p.selectLocked(height, prev)
		p.mu.Unlock()

		if errors.Is(err, ErrEndpointsDown) && attempt < attempts {
			if err := rpc.Sleep(ctx, rpc.CalculateBackoff(attempt+1, p.opts.Retry)); err != nil {
				return fmt.Errorf("%w: %w", err, ErrEndpointsDown)
			}
			p.revive(ctx)
			continue
		}
		if err != nil {
			if errors.Is(err, errAllPruned) {
				return fmt.Errorf("%w: height %d: %w", ErrHeightUnavailable, height, lastErr)
			}
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
			return err
		}

		start := time.Now()
		err = op(ctx, ep.client)
		if err == nil {
			p.markSuccess(ep.url, time.Since(start))
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}

		lastErr = err
		prev = ep.url

		kind, lowest := rpc.Classify(err)
		PoolRetryInc(kind.String())

		switch kind {
		case rpc.KindRateLimited:
			p.markDegraded(ep.url, err)
		case rpc.KindForbidden, rpc.KindPruned:
			p.markPruned(ep.url, height, lowest)
			continue
		case rpc.KindTransient:
			p.markFailure(ep.url, err)
		default:
			return err
		}

		p.log.Debugw("retrying on another endpoint",
			"endpoint", ep.url,
			"height", height,
			"attempt", attempt,
			"kind", kind,
			"error", err,
		)

		if attempt < attempts {
			if err := rpc.Sleep(ctx, rpc.CalculateBackoff(attempt+1, p.opts.Retry)); err != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
		}
	}

	return fmt.Errorf("%d attempts at height %d failed: %w", attempts, height, lastErr)
}
