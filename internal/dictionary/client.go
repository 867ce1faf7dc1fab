package dictionary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
)

var (
	// ErrDictionaryUnavailable covers transport, status and schema failures.
	ErrDictionaryUnavailable = errors.New("dictionary unavailable")

	// ErrChainMismatch is returned when the dictionary indexes a different chain.
	ErrChainMismatch = errors.New("dictionary chain mismatch")

	// ErrStaleDictionary is returned when the dictionary lags behind the requested range
	// by more than the configured tolerance.
	ErrStaleDictionary = errors.New("dictionary is stale")
)

const maxResponseBytes = 32 << 20

// Result is the answer to one Query.
type Result struct {
	// Heights are the matching heights, ascending and distinct, all within [From, CoveredTo].
	Heights []uint64
	// CoveredTo is the highest height the answer is complete for. It is below From when
	// the dictionary has nothing to say about the range yet.
	CoveredTo uint64

	LastProcessedHeight uint64
	Chain               string
}

// Client sends translated queries to a dictionary GraphQL endpoint.
type Client struct {
	url            string
	chainID        string
	staleTolerance uint64
	httpClient     *http.Client
	log            *logger.Logger
}

// NewClient creates a dictionary client that expects the dictionary to index chainID.
func NewClient(cfg *config.DictionaryConfig, chainID string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNopLogger()
	}
	timeout := cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 10 * time.Second //nolint:mnd
	}

	return &Client{
		url:            cfg.URL,
		chainID:        chainID,
		staleTolerance: cfg.StaleTolerance,
		httpClient:     &http.Client{Timeout: timeout},
		log:            log.WithComponent(common.ComponentDictionary),
	}
}

type metadata struct {
	LastProcessedHeight json.Number `json:"lastProcessedHeight"`
	Chain               string      `json:"chain"`
}

type heightNode struct {
	BlockHeight json.RawMessage `json:"blockHeight"`
}

type groupResult struct {
	Nodes []heightNode `json:"nodes"`
}

type gqlError struct {
	Message string `json:"message"`
}

type response struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []gqlError                 `json:"errors"`
}

// Query runs q. Errors wrap ErrDictionaryUnavailable, ErrChainMismatch or
// ErrStaleDictionary; none of them should stop indexing.
func (c *Client) Query(ctx context.Context, q *Query) (*Result, error) {
	start := time.Now()
	res, err := c.query(ctx, q)
	DictionaryQueryDuration(time.Since(start))

	switch {
	case err == nil:
		DictionaryQueryInc("ok")
	case errors.Is(err, ErrStaleDictionary):
		DictionaryStaleInc()
		DictionaryQueryInc("stale")
	case errors.Is(err, ErrChainMismatch):
		DictionaryQueryInc("chain_mismatch")
	default:
		DictionaryQueryInc("unavailable")
	}

	if err != nil {
		c.log.Warnw("dictionary query failed", "from", q.From, "to", q.To, "error", err)
		return nil, err
	}

	c.log.Debugw("dictionary query",
		"from", q.From,
		"to", q.To,
		"heights", len(res.Heights),
		"covered_to", res.CoveredTo,
		"duration", time.Since(start),
	)
	return res, nil
}

func (c *Client) query(ctx context.Context, q *Query) (*Result, error) {
	if q.Query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrDictionaryUnavailable)
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrDictionaryUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDictionaryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDictionaryUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrDictionaryUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrDictionaryUnavailable, resp.StatusCode, truncate(raw))
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrDictionaryUnavailable, err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDictionaryUnavailable, decoded.Errors[0].Message)
	}

	return c.interpret(q, decoded.Data)
}

func (c *Client) interpret(q *Query, data map[string]json.RawMessage) (*Result, error) {
	rawMeta, ok := data["_metadata"]
	if !ok {
		return nil, fmt.Errorf("%w: response has no _metadata", ErrDictionaryUnavailable)
	}
	var meta metadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode _metadata: %w", ErrDictionaryUnavailable, err)
	}
	lastProcessed, err := strconv.ParseUint(meta.LastProcessedHeight.String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid lastProcessedHeight %q", ErrDictionaryUnavailable, meta.LastProcessedHeight)
	}
	DictionaryLastProcessedSet(lastProcessed)

	if c.chainID != "" && meta.Chain != c.chainID {
		return nil, fmt.Errorf("%w: dictionary indexes %q, expected %q", ErrChainMismatch, meta.Chain, c.chainID)
	}
	if lastProcessed+c.staleTolerance < q.From {
		return nil, fmt.Errorf("%w: last processed height %d, requested from %d (tolerance %d)",
			ErrStaleDictionary, lastProcessed, q.From, c.staleTolerance)
	}

	res := &Result{
		LastProcessedHeight: lastProcessed,
		Chain:               meta.Chain,
		CoveredTo:           q.To - 1,
	}
	if lastProcessed < res.CoveredTo {
		res.CoveredTo = lastProcessed
	}

	seen := map[uint64]struct{}{}
	for _, name := range q.Groups {
		rawGroup, ok := data[name]
		if !ok {
			return nil, fmt.Errorf("%w: response has no %s", ErrDictionaryUnavailable, name)
		}
		var group groupResult
		if err := json.Unmarshal(rawGroup, &group); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrDictionaryUnavailable, name, err)
		}

		heights := make([]uint64, 0, len(group.Nodes))
		for _, node := range group.Nodes {
			h, err := parseBlockHeight(node.BlockHeight)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrDictionaryUnavailable, name, err)
			}
			if h < q.From || h >= q.To {
				return nil, fmt.Errorf("%w: %s returned height %d outside [%d, %d)",
					ErrDictionaryUnavailable, name, h, q.From, q.To)
			}
			heights = append(heights, h)
		}

		// a full page means rows past the last one may be missing
		if q.Limit > 0 && len(heights) >= q.Limit {
			last := heights[0]
			for _, h := range heights {
				last = max(last, h)
			}
			if last < res.CoveredTo {
				res.CoveredTo = last
			}
		}

		for _, h := range heights {
			seen[h] = struct{}{}
		}
	}

	for h := range seen {
		if h <= res.CoveredTo {
			res.Heights = append(res.Heights, h)
		}
	}
	sort.Slice(res.Heights, func(i, j int) bool { return res.Heights[i] < res.Heights[j] })

	return res, nil
}

// parseBlockHeight accepts heights encoded as JSON numbers or as strings.
func parseBlockHeight(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return common.ParseHeight(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid blockHeight %s", string(raw))
	}
	return common.ParseHeight(n.String())
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
