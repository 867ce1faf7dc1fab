package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/bz888/subql-cosmos/internal/decoder"
	"github.com/bz888/subql-cosmos/internal/rpc"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// SafeAt returns a read only view pinned to height on the best endpoint that retains it.
func (p *Pool) SafeAt(height uint64) (pkgrpc.SafeClient, error) {
	p.mu.Lock()
	ep, err := p.selectLocked(height, "")
	p.mu.Unlock()

	if err != nil {
		if errors.Is(err, errAllPruned) {
			return nil, fmt.Errorf("%w: height %d", ErrHeightUnavailable, height)
		}
		return nil, err
	}
	return ep.client.SafeAt(height), nil
}

// FetchBlock retrieves and decodes the block at height with failover. A block whose chain
// id differs from the pool's marks the serving endpoint Dead and is retried elsewhere.
func (p *Pool) FetchBlock(ctx context.Context, height uint64) (*types.Block, error) {
	var block *types.Block

	err := p.WithRetry(ctx, height, func(ctx context.Context, client pkgrpc.Client) error {
		safe := client.SafeAt(height)

		resp, err := safe.Block(ctx)
		if err != nil {
			return err
		}
		results, err := safe.BlockResults(ctx)
		if err != nil {
			return err
		}

		decoded, err := decoder.DecodeBlock(resp, results, p.opts.Registry)
		if err != nil {
			return inconsistent(client.Endpoint(), err)
		}

		if err := decoder.ValidateChainID(decoded, p.ChainID()); err != nil {
			p.markWrongChain(client.Endpoint(), err)
			return inconsistent(client.Endpoint(), err)
		}

		block = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", height, err)
	}

	return block, nil
}

// BlockHash returns the hash of the canonical block at height.
func (p *Pool) BlockHash(ctx context.Context, height uint64) (common.Hash, error) {
	var hash common.Hash

	err := p.WithRetry(ctx, height, func(ctx context.Context, client pkgrpc.Client) error {
		resp, err := client.SafeAt(height).Block(ctx)
		if err != nil {
			return err
		}
		hash = common.BytesToHash(resp.BlockID.Hash)
		return nil
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("block hash %d: %w", height, err)
	}

	return hash, nil
}

// LatestHeight returns the chain head as reported by the height authority, falling back to
// the best endpoint when the authority is not serving.
func (p *Pool) LatestHeight(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	authority := p.authority
	usable := authority != nil && (authority.state == StateHealthy || authority.state == StateDegraded)
	p.mu.Unlock()

	if usable {
		status, err := authority.client.Status(ctx)
		if err == nil {
			height := uint64(status.SyncInfo.LatestBlockHeight)
			p.recordHeight(authority.url, height)
			return height, nil
		}
		p.log.Debugw("height authority failed, using best endpoint", "endpoint", authority.url, "error", err)
	}

	var height uint64
	err := p.WithRetry(ctx, 0, func(ctx context.Context, client pkgrpc.Client) error {
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		height = uint64(status.SyncInfo.LatestBlockHeight)
		p.recordHeight(client.Endpoint(), height)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("latest height: %w", err)
	}

	return height, nil
}

func (p *Pool) recordHeight(url string, height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep, ok := p.byURL[url]; ok && height > ep.height {
		ep.height = height
		EndpointHeightSet(url, height)
	}
}

// inconsistent marks a well formed answer that cannot be used as retryable elsewhere.
func inconsistent(endpoint string, err error) error {
	return &rpc.ClassifiedError{
		Kind:     rpc.KindTransient,
		Endpoint: endpoint,
		Method:   "block",
		Err:      err,
	}
}
