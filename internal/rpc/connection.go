package rpc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/ratelimit"
)

// Compile-time check to ensure Connection implements pkgrpc.Client interface.
var _ pkgrpc.Client = (*Connection)(nil)

// Options tunes a single endpoint connection.
type Options struct {
	// RequestTimeout bounds every HTTP round trip.
	RequestTimeout time.Duration

	// RateLimit is the maximum number of requests per second, 0 means unlimited.
	RateLimit int

	// HTTPClient overrides the HTTP client, mainly for tests.
	HTTPClient *http.Client
}

// Connection talks Tendermint JSON-RPC 2.0 over HTTP to one endpoint.
type Connection struct {
	endpoint string
	rpc      *gethrpc.Client
	limiter  ratelimit.Limiter
}

// Dial creates a connection to endpoint. No request is sent until the first call.
func Dial(ctx context.Context, endpoint string, opts Options) (*Connection, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	client, err := gethrpc.DialOptions(ctx, endpoint, gethrpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, classify(endpoint, "dial", err)
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(opts.RateLimit)
	}

	return &Connection{
		endpoint: endpoint,
		rpc:      client,
		limiter:  limiter,
	}, nil
}

// Endpoint returns the URL of the connection.
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// Close closes the RPC client connection.
func (c *Connection) Close() {
	c.rpc.Close()
}

func (c *Connection) call(ctx context.Context, result any, method string, args ...any) error {
	c.limiter.Take()

	start := time.Now()
	RPCMethodInc(method)
	err := c.rpc.CallContext(ctx, result, method, args...)
	RPCMethodDuration(method, time.Since(start))

	if err != nil {
		classified := classify(c.endpoint, method, err)
		kind, _ := Classify(classified)
		RPCMethodError(method, kind.String())
		return classified
	}

	return nil
}

// Status returns node and sync info.
func (c *Connection) Status(ctx context.Context) (*pkgrpc.StatusResponse, error) {
	var resp pkgrpc.StatusResponse
	if err := c.call(ctx, &resp, "status"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChainID returns the network the node is serving.
func (c *Connection) ChainID(ctx context.Context) (string, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	if status.NodeInfo.Network == "" {
		return "", fmt.Errorf("%s: status response carries no network", c.endpoint)
	}
	return status.NodeInfo.Network, nil
}

// Block retrieves the block at height.
func (c *Connection) Block(ctx context.Context, height uint64) (*pkgrpc.BlockResponse, error) {
	var resp pkgrpc.BlockResponse
	if err := c.call(ctx, &resp, "block", common.FormatHeight(height)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BlockResults retrieves the execution results of the block at height.
func (c *Connection) BlockResults(ctx context.Context, height uint64) (*pkgrpc.BlockResultsResponse, error) {
	var resp pkgrpc.BlockResultsResponse
	if err := c.call(ctx, &resp, "block_results", common.FormatHeight(height)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validators retrieves one page of the validator set at height.
func (c *Connection) Validators(
	ctx context.Context, height uint64, page, perPage int,
) (*pkgrpc.ValidatorsResponse, error) {
	var resp pkgrpc.ValidatorsResponse
	err := c.call(ctx, &resp, "validators",
		common.FormatHeight(height), strconv.Itoa(page), strconv.Itoa(perPage))
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchTxs runs tx_search in ascending order.
func (c *Connection) SearchTxs(
	ctx context.Context, query string, page, perPage int,
) (*pkgrpc.TxSearchResponse, error) {
	var resp pkgrpc.TxSearchResponse
	err := c.call(ctx, &resp, "tx_search", query, false, strconv.Itoa(page), strconv.Itoa(perPage), "asc")
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SafeAt returns a view pinned to height.
func (c *Connection) SafeAt(height uint64) pkgrpc.SafeClient {
	return NewSafeClient(c, height)
}
