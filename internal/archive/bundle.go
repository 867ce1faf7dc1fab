package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bz888/subql-cosmos/internal/common"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	"github.com/klauspost/compress/gzip"
)

// ErrArchiveIntegrity marks archive content that does not match its registry entry or
// the canonical RPC source. It is never retried.
var ErrArchiveIntegrity = errors.New("archive integrity failure")

// item is one entry of a bundle: the block and block results at height Key.
type item struct {
	Key   string `json:"key"`
	Value struct {
		Block        json.RawMessage `json:"block"`
		BlockResults json.RawMessage `json:"block_results"`
	} `json:"value"`
}

// content is a downloaded, verified bundle indexed by height. Items are decoded lazily.
type content struct {
	bundle *Bundle
	items  map[uint64]*item
}

// parseContent checks data against the bundle's data hash, decompresses it and
// indexes the items by height.
func parseContent(b *Bundle, data []byte) (*content, error) {
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, b.DataHash) {
		return nil, fmt.Errorf("%w: bundle %s data hash %s, registry has %s", ErrArchiveIntegrity, b.ID, got, b.DataHash)
	}

	switch b.CompressionID {
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: bundle %s: gzip: %w", ErrArchiveIntegrity, b.ID, err)
		}
		defer zr.Close()

		data, err = io.ReadAll(io.LimitReader(zr, maxBundleBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: bundle %s: gzip: %w", ErrArchiveIntegrity, b.ID, err)
		}
	case "", "0":
	default:
		return nil, fmt.Errorf("%w: bundle %s: unsupported compression id %q", ErrArchiveIntegrity, b.ID, b.CompressionID)
	}

	var items []*item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: bundle %s: decode items: %w", ErrArchiveIntegrity, b.ID, err)
	}

	c := &content{bundle: b, items: make(map[uint64]*item, len(items))}
	for _, it := range items {
		h, err := common.ParseHeight(it.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle %s: item key: %w", ErrArchiveIntegrity, b.ID, err)
		}
		if !b.Contains(h) {
			return nil, fmt.Errorf("%w: bundle %s: item %d outside [%d, %d]", ErrArchiveIntegrity, b.ID, h, b.from, b.to)
		}
		if _, dup := c.items[h]; dup {
			return nil, fmt.Errorf("%w: bundle %s: duplicate item %d", ErrArchiveIntegrity, b.ID, h)
		}
		c.items[h] = it
	}
	return c, nil
}

// block decodes the canonical shapes stored for height.
func (c *content) block(height uint64) (*pkgrpc.BlockResponse, *pkgrpc.BlockResultsResponse, error) {
	it, ok := c.items[height]
	if !ok {
		return nil, nil, fmt.Errorf("%w: bundle %s has no item for height %d", ErrArchiveIntegrity, c.bundle.ID, height)
	}

	var block pkgrpc.BlockResponse
	if err := json.Unmarshal(it.Value.Block, &block); err != nil {
		return nil, nil, fmt.Errorf("%w: height %d: decode block: %w", ErrArchiveIntegrity, height, err)
	}
	var results pkgrpc.BlockResultsResponse
	if err := json.Unmarshal(it.Value.BlockResults, &results); err != nil {
		return nil, nil, fmt.Errorf("%w: height %d: decode block results: %w", ErrArchiveIntegrity, height, err)
	}

	if uint64(block.Block.Header.Height) != height {
		return nil, nil, fmt.Errorf("%w: item %d holds block %d", ErrArchiveIntegrity, height, block.Block.Header.Height)
	}
	if uint64(results.Height) != height {
		return nil, nil, fmt.Errorf("%w: item %d holds block results %d", ErrArchiveIntegrity, height, results.Height)
	}

	return &block, &results, nil
}
