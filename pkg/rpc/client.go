package rpc

import (
	"context"
)

// Client defines the raw chain operations exposed by one Tendermint RPC endpoint.
// This abstraction allows for easier testing and alternative implementations.
type Client interface {
	// Endpoint returns the URL the client is connected to.
	Endpoint() string

	// Close closes the RPC client connection.
	Close()

	// ChainID returns the network identifier reported by the node.
	ChainID(ctx context.Context) (string, error)

	// Status returns node info and sync info, including the latest height.
	Status(ctx context.Context) (*StatusResponse, error)

	// Block retrieves the block at height.
	Block(ctx context.Context, height uint64) (*BlockResponse, error)

	// BlockResults retrieves the execution results of the block at height.
	BlockResults(ctx context.Context, height uint64) (*BlockResultsResponse, error)

	// Validators retrieves one page of the validator set at height.
	Validators(ctx context.Context, height uint64, page, perPage int) (*ValidatorsResponse, error)

	// SearchTxs runs a tx_search query and returns one page of results.
	SearchTxs(ctx context.Context, query string, page, perPage int) (*TxSearchResponse, error)

	// SafeAt returns a read only view whose queries are all scoped to height.
	SafeAt(height uint64) SafeClient
}

// SafeClient is a read only view of a chain pinned to one height. Every query answers with
// the state at that height, never a higher one.
type SafeClient interface {
	Height() uint64
	Block(ctx context.Context) (*BlockResponse, error)
	BlockResults(ctx context.Context) (*BlockResultsResponse, error)
	Validators(ctx context.Context) ([]Validator, error)
	SearchTxs(ctx context.Context) ([]TxResponse, error)
}
