package rpc

import (
	"context"
	"fmt"

	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
)

const safePageSize = 100

// Compile-time check to ensure SafeClient implements pkgrpc.SafeClient interface.
var _ pkgrpc.SafeClient = (*SafeClient)(nil)

// SafeClient pins every query of a client to one height and rejects answers that
// describe any other height.
type SafeClient struct {
	client pkgrpc.Client
	height uint64
}

// NewSafeClient returns a view of client pinned to height.
func NewSafeClient(client pkgrpc.Client, height uint64) *SafeClient {
	return &SafeClient{client: client, height: height}
}

// Height returns the pinned height.
func (s *SafeClient) Height() uint64 {
	return s.height
}

// Block retrieves the pinned block.
func (s *SafeClient) Block(ctx context.Context) (*pkgrpc.BlockResponse, error) {
	resp, err := s.client.Block(ctx, s.height)
	if err != nil {
		return nil, err
	}
	if uint64(resp.Block.Header.Height) != s.height {
		return nil, s.inconsistent("block", resp.Block.Header.Height)
	}
	return resp, nil
}

// BlockResults retrieves the results of the pinned block.
func (s *SafeClient) BlockResults(ctx context.Context) (*pkgrpc.BlockResultsResponse, error) {
	resp, err := s.client.BlockResults(ctx, s.height)
	if err != nil {
		return nil, err
	}
	if uint64(resp.Height) != s.height {
		return nil, s.inconsistent("block_results", resp.Height)
	}
	return resp, nil
}

// Validators retrieves the full validator set at the pinned height.
func (s *SafeClient) Validators(ctx context.Context) ([]pkgrpc.Validator, error) {
	var validators []pkgrpc.Validator
	for page := 1; ; page++ {
		resp, err := s.client.Validators(ctx, s.height, page, safePageSize)
		if err != nil {
			return nil, err
		}
		if uint64(resp.BlockHeight) != s.height {
			return nil, s.inconsistent("validators", resp.BlockHeight)
		}

		validators = append(validators, resp.Validators...)
		if len(resp.Validators) == 0 || len(validators) >= resp.Total {
			return validators, nil
		}
	}
}

// SearchTxs returns every transaction included at the pinned height.
func (s *SafeClient) SearchTxs(ctx context.Context) ([]pkgrpc.TxResponse, error) {
	query := fmt.Sprintf("tx.height=%d", s.height)

	var txs []pkgrpc.TxResponse
	for page := 1; ; page++ {
		resp, err := s.client.SearchTxs(ctx, query, page, safePageSize)
		if err != nil {
			return nil, err
		}
		for _, tx := range resp.Txs {
			if uint64(tx.Height) != s.height {
				return nil, s.inconsistent("tx_search", tx.Height)
			}
		}

		txs = append(txs, resp.Txs...)
		if len(resp.Txs) == 0 || len(txs) >= resp.TotalCount {
			return txs, nil
		}
	}
}

func (s *SafeClient) inconsistent(method string, got int64) error {
	return &ClassifiedError{
		Kind:     KindTransient,
		Endpoint: s.client.Endpoint(),
		Method:   method,
		Err:      fmt.Errorf("answered for height %d while pinned to %d", got, s.height),
	}
}
