package dispatcher

import (
	"context"
	"errors"

	"github.com/bz888/subql-cosmos/internal/archive"
	"github.com/bz888/subql-cosmos/pkg/types"
)

// Fetcher fetches and decodes one block. The connection pool and the archive source
// implement it.
type Fetcher interface {
	FetchBlock(ctx context.Context, height uint64) (*types.Block, error)
}

// FallbackFetcher serves heights from the archive and falls back to RPC for heights the
// archive does not hold yet.
type FallbackFetcher struct {
	archive Fetcher
	rpc     Fetcher
}

var _ Fetcher = (*FallbackFetcher)(nil)

// NewFallbackFetcher creates a fetcher preferring archived blocks.
func NewFallbackFetcher(archived, rpc Fetcher) *FallbackFetcher {
	return &FallbackFetcher{archive: archived, rpc: rpc}
}

// FetchBlock implements Fetcher.
func (f *FallbackFetcher) FetchBlock(ctx context.Context, height uint64) (*types.Block, error) {
	block, err := f.archive.FetchBlock(ctx, height)
	if errors.Is(err, archive.ErrHeightNotArchived) {
		ArchiveFallbackInc()
		return f.rpc.FetchBlock(ctx, height)
	}
	return block, err
}
