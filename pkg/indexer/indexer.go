package indexer

import (
	"context"

	"github.com/bz888/subql-cosmos/pkg/types"
)

// Persister stores delivered blocks. Blocks arrive in strictly increasing height order;
// a height may arrive again only after Rewind dropped it.
type Persister interface {
	// Persist stores one decoded block.
	Persist(ctx context.Context, block *types.Block) error

	// Rewind drops everything stored above height.
	Rewind(ctx context.Context, height uint64) error
}

// Processor runs the mapping logic for a delivered block. It is called after the block was
// persisted and before the checkpoint moves past it.
type Processor interface {
	// Name identifies the processor in logs and metrics.
	Name() string

	// ProcessBlock handles one block. An error stops the indexer; the block is delivered
	// again on the next run.
	ProcessBlock(ctx context.Context, block *types.Block) error
}

// Rewinder is implemented by processors that keep state of their own and must roll it
// back when a fork is repaired.
type Rewinder interface {
	// Rewind drops everything derived from heights above height.
	Rewind(ctx context.Context, height uint64) error
}
