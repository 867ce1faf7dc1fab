package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
)

const (
	bundlePath        = "/kyve/query/v1beta1/finalized_bundle/%d/%d"
	latestBundlesPath = "/kyve/query/v1beta1/finalized_bundles/%d"
	poolsPath         = "/kyve/query/v1beta1/pools"

	// CompressionGzip is the compression id of gzip compressed bundles.
	CompressionGzip = "1"

	maxBundleBytes = 256 << 20
)

var (
	ErrPoolNotFound   = errors.New("no archive pool for chain")
	ErrBundleNotFound = errors.New("bundle not found")
	errNotFound       = errors.New("not found")
)

// FinalizedAt records when a bundle was finalized on the KYVE chain.
type FinalizedAt struct {
	Height    string    `json:"height"`
	Timestamp time.Time `json:"timestamp"`
}

// Bundle is the registry entry of one finalized bundle. Keys are block heights.
type Bundle struct {
	PoolID            string      `json:"pool_id"`
	ID                string      `json:"id"`
	StorageID         string      `json:"storage_id"`
	Uploader          string      `json:"uploader"`
	FromIndex         string      `json:"from_index"`
	ToIndex           string      `json:"to_index"`
	FromKey           string      `json:"from_key"`
	ToKey             string      `json:"to_key"`
	BundleSummary     string      `json:"bundle_summary"`
	DataHash          string      `json:"data_hash"`
	FinalizedAt       FinalizedAt `json:"finalized_at"`
	StorageProviderID string      `json:"storage_provider_id"`
	CompressionID     string      `json:"compression_id"`

	// parsed forms of ID, FromKey and ToKey
	id, from, to uint64
}

// BundleID returns the numeric bundle id.
func (b *Bundle) BundleID() uint64 { return b.id }

// From returns the first height in the bundle.
func (b *Bundle) From() uint64 { return b.from }

// To returns the last height in the bundle.
func (b *Bundle) To() uint64 { return b.to }

// Contains reports whether height lies in [From, To].
func (b *Bundle) Contains(height uint64) bool {
	return b != nil && b.from <= height && height <= b.to
}

func (b *Bundle) parse() error {
	var err error
	if b.id, err = strconv.ParseUint(b.ID, 10, 64); err != nil {
		return fmt.Errorf("invalid bundle id %q: %w", b.ID, err)
	}
	if b.from, err = common.ParseHeight(b.FromKey); err != nil {
		return fmt.Errorf("bundle %s: from_key: %w", b.ID, err)
	}
	if b.to, err = common.ParseHeight(b.ToKey); err != nil {
		return fmt.Errorf("bundle %s: to_key: %w", b.ID, err)
	}
	if b.to < b.from {
		return fmt.Errorf("bundle %s: to_key %d below from_key %d", b.ID, b.to, b.from)
	}
	return nil
}

type bundlesResponse struct {
	FinalizedBundles []Bundle `json:"finalized_bundles"`
	Pagination       struct {
		NextKey string `json:"next_key"`
		Total   string `json:"total"`
	} `json:"pagination"`
}

type poolsResponse struct {
	Pools []struct {
		ID   string `json:"id"`
		Data struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Runtime string `json:"runtime"`
			Config  string `json:"config"`
		} `json:"data"`
	} `json:"pools"`
}

// Registry queries the KYVE REST API for pools and finalized bundles.
type Registry struct {
	lcd        string
	httpClient *http.Client
}

// NewRegistry creates a registry client for the KYVE REST endpoint lcd.
func NewRegistry(lcd string, httpClient *http.Client) *Registry {
	return &Registry{lcd: strings.TrimRight(lcd, "/"), httpClient: httpClient}
}

// Bundle returns the finalized bundle id of pool.
func (r *Registry) Bundle(ctx context.Context, pool, id uint64) (*Bundle, error) {
	var b Bundle
	if err := r.get(ctx, fmt.Sprintf(bundlePath, pool, id), nil, &b); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: pool %d bundle %d", ErrBundleNotFound, pool, id)
		}
		return nil, err
	}
	if err := b.parse(); err != nil {
		return nil, err
	}
	return &b, nil
}

// LatestBundle returns the most recently finalized bundle of pool.
func (r *Registry) LatestBundle(ctx context.Context, pool uint64) (*Bundle, error) {
	query := url.Values{}
	query.Set("pagination.reverse", "true")
	query.Set("pagination.limit", "1")

	var resp bundlesResponse
	if err := r.get(ctx, fmt.Sprintf(latestBundlesPath, pool), query, &resp); err != nil {
		return nil, err
	}
	if len(resp.FinalizedBundles) == 0 {
		return nil, fmt.Errorf("%w: pool %d has no finalized bundles", ErrBundleNotFound, pool)
	}

	b := resp.FinalizedBundles[0]
	if err := b.parse(); err != nil {
		return nil, err
	}
	return &b, nil
}

// DiscoverPool returns the id of the pool archiving chainID. Pool configs are JSON
// documents carrying the archived network name.
func (r *Registry) DiscoverPool(ctx context.Context, chainID string) (uint64, error) {
	var resp poolsResponse
	if err := r.get(ctx, poolsPath, nil, &resp); err != nil {
		return 0, err
	}

	for _, p := range resp.Pools {
		var cfg struct {
			Network string `json:"network"`
		}
		if err := json.Unmarshal([]byte(p.Data.Config), &cfg); err != nil {
			continue
		}
		if cfg.Network != chainID {
			continue
		}

		id := p.ID
		if id == "" {
			id = p.Data.ID
		}
		pool, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid pool id %q: %w", id, err)
		}
		return pool, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrPoolNotFound, chainID)
}

func (r *Registry) get(ctx context.Context, path string, query url.Values, out any) error {
	target := r.lcd + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	body, err := httpGet(ctx, r.httpClient, target)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func httpGet(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", target, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("GET %s: %w", target, errNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return body, nil
}
