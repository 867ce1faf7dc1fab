// Package testutil provides in-process fakes of the remote services the indexer talks to.
package testutil

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bz888/subql-cosmos/internal/decoder"
	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
)

// GenesisTime is the timestamp of height 1 on every fake chain; each block adds 6s.
var GenesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeBlock is one block served by the fake node.
type FakeBlock struct {
	Height     uint64
	Hash       pkgrpc.HexBytes
	ParentHash pkgrpc.HexBytes
	Time       time.Time
	Txs        [][]byte
	Results    []pkgrpc.TxResult
}

type injectedFailure struct {
	status  int
	message string
	count   int
}

// Tendermint is a fake Tendermint JSON-RPC node.
type Tendermint struct {
	*httptest.Server

	mu       sync.Mutex
	chainID  string
	blocks   map[uint64]*FakeBlock
	latest   uint64
	lowest   uint64
	failures map[string]*injectedFailure
	calls    map[string]int
	delay    time.Duration
}

// NewTendermint starts a fake node for chainID. It is closed with the test.
func NewTendermint(t *testing.T, chainID string) *Tendermint {
	t.Helper()

	tm := &Tendermint{
		chainID:  chainID,
		blocks:   make(map[uint64]*FakeBlock),
		failures: make(map[string]*injectedFailure),
		calls:    make(map[string]int),
	}
	tm.Server = httptest.NewServer(http.HandlerFunc(tm.serve))
	t.Cleanup(tm.Close)

	return tm
}

// BlockHash derives a deterministic hash for a height on a branch.
func BlockHash(chainID string, height uint64, branch string) pkgrpc.HexBytes {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%s", chainID, height, branch)))
	return sum[:]
}

// AddChain appends linked blocks for heights [from, to] on branch. Existing blocks are replaced.
func (tm *Tendermint) AddChain(from, to uint64, branch string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for h := from; h <= to; h++ {
		parent := BlockHash(tm.chainID, h-1, branch)
		if prev, ok := tm.blocks[h-1]; ok {
			parent = prev.Hash
		}
		tm.blocks[h] = &FakeBlock{
			Height:     h,
			Hash:       BlockHash(tm.chainID, h, branch),
			ParentHash: parent,
			Time:       GenesisTime.Add(time.Duration(h-1) * 6 * time.Second),
		}
		if h > tm.latest {
			tm.latest = h
		}
	}
}

// SetTxs attaches transactions to an existing block. Every tx succeeds.
func (tm *Tendermint) SetTxs(height uint64, txs ...[]byte) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	b := tm.blocks[height]
	b.Txs = txs
	b.Results = make([]pkgrpc.TxResult, len(txs))
	for i := range txs {
		b.Results[i] = pkgrpc.TxResult{
			GasWanted: 200000,
			GasUsed:   100000,
			Events: []pkgrpc.Event{{
				Type:       "message",
				Attributes: []pkgrpc.EventAttribute{{Key: "action", Value: "send"}},
			}},
		}
	}
}

// SetLatest overrides the head height reported by status.
func (tm *Tendermint) SetLatest(h uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.latest = h
}

// Prune makes every height below lowest unavailable.
func (tm *Tendermint) Prune(lowest uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lowest = lowest
}

// SetDelay delays every response.
func (tm *Tendermint) SetDelay(d time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.delay = d
}

// FailNext makes the next count calls of method fail with the HTTP status. A negative
// count fails forever. An empty method matches every method.
func (tm *Tendermint) FailNext(method string, status, count int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.failures[method] = &injectedFailure{status: status, count: count}
}

// FailNextRPC is like FailNext but answers with a JSON-RPC error carrying message as data.
func (tm *Tendermint) FailNextRPC(method, message string, count int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.failures[method] = &injectedFailure{message: message, count: count}
}

// Calls returns how many times method was called.
func (tm *Tendermint) Calls(method string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.calls[method]
}

// Block returns the fake block at height.
func (tm *Tendermint) Block(height uint64) *FakeBlock {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.blocks[height]
}

// BlockResponse renders the canonical block shape for height.
func (tm *Tendermint) BlockResponse(height uint64) *pkgrpc.BlockResponse {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.blockResponse(tm.blocks[height])
}

// BlockResultsResponse renders the canonical block results shape for height.
func (tm *Tendermint) BlockResultsResponse(height uint64) *pkgrpc.BlockResultsResponse {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return blockResultsResponse(tm.blocks[height])
}

func (tm *Tendermint) blockResponse(b *FakeBlock) *pkgrpc.BlockResponse {
	resp := &pkgrpc.BlockResponse{BlockID: pkgrpc.BlockID{Hash: b.Hash}}
	resp.Block.Header = pkgrpc.Header{
		ChainID:     tm.chainID,
		Height:      int64(b.Height),
		Time:        b.Time,
		LastBlockID: pkgrpc.BlockID{Hash: b.ParentHash},
	}
	resp.Block.Data.Txs = b.Txs
	if resp.Block.Data.Txs == nil {
		resp.Block.Data.Txs = [][]byte{}
	}
	return resp
}

func blockResultsResponse(b *FakeBlock) *pkgrpc.BlockResultsResponse {
	results := b.Results
	if results == nil {
		results = []pkgrpc.TxResult{}
	}
	return &pkgrpc.BlockResultsResponse{
		Height:           int64(b.Height),
		TxsResults:       results,
		BeginBlockEvents: []pkgrpc.Event{{Type: "coinbase", Attributes: []pkgrpc.EventAttribute{{Key: "minter", Value: "mint"}}}},
	}
}

type jsonRPCRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (tm *Tendermint) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tm.mu.Lock()
	tm.calls[req.Method]++
	delay := tm.delay
	failure := tm.failures[req.Method]
	if failure == nil {
		failure = tm.failures[""]
	}
	var active *injectedFailure
	if failure != nil && failure.count != 0 {
		copied := *failure
		active = &copied
		if failure.count > 0 {
			failure.count--
		}
	}
	tm.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if active != nil {
		if active.status != 0 {
			http.Error(w, http.StatusText(active.status), active.status)
			return
		}
		writeJSON(w, req.ID, nil, &jsonRPCError{Code: -32603, Message: "Internal error", Data: active.message})
		return
	}

	result, rpcErr := tm.handle(req)
	writeJSON(w, req.ID, result, rpcErr)
}

func (tm *Tendermint) handle(req jsonRPCRequest) (any, *jsonRPCError) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	switch req.Method {
	case "status":
		latest := tm.blocks[tm.latest]
		status := &pkgrpc.StatusResponse{
			NodeInfo: pkgrpc.NodeInfo{Network: tm.chainID, Version: "0.37.2"},
			SyncInfo: pkgrpc.SyncInfo{LatestBlockHeight: int64(tm.latest), EarliestBlockHeight: int64(tm.lowest)},
		}
		if latest != nil {
			status.SyncInfo.LatestBlockHash = latest.Hash
			status.SyncInfo.LatestBlockTime = latest.Time
		}
		return status, nil
	case "block", "block_results", "validators":
		height, err := heightParam(req.Params)
		if err != nil {
			return nil, &jsonRPCError{Code: -32602, Message: "Invalid params", Data: err.Error()}
		}
		if height < tm.lowest {
			return nil, &jsonRPCError{
				Code:    -32603,
				Message: "Internal error",
				Data:    fmt.Sprintf("height %d is not available, lowest height is %d", height, tm.lowest),
			}
		}
		b, ok := tm.blocks[height]
		if !ok || height > tm.latest {
			return nil, &jsonRPCError{
				Code:    -32603,
				Message: "Internal error",
				Data:    fmt.Sprintf("height %d must be less than or equal to the current blockchain height %d", height, tm.latest),
			}
		}
		switch req.Method {
		case "block":
			return tm.blockResponse(b), nil
		case "block_results":
			return blockResultsResponse(b), nil
		default:
			return &pkgrpc.ValidatorsResponse{
				BlockHeight: int64(height),
				Validators:  []pkgrpc.Validator{{Address: b.Hash[:20], VotingPower: 10}},
				Count:       1,
				Total:       1,
			}, nil
		}
	case "tx_search":
		return tm.searchTxs(req.Params)
	default:
		return nil, &jsonRPCError{Code: -32601, Message: "Method not found"}
	}
}

func (tm *Tendermint) searchTxs(params []json.RawMessage) (any, *jsonRPCError) {
	if len(params) == 0 {
		return nil, &jsonRPCError{Code: -32602, Message: "Invalid params"}
	}

	var query string
	if err := json.Unmarshal(params[0], &query); err != nil {
		return nil, &jsonRPCError{Code: -32602, Message: "Invalid params", Data: err.Error()}
	}

	var height uint64
	if _, err := fmt.Sscanf(query, "tx.height=%d", &height); err != nil {
		return nil, &jsonRPCError{Code: -32602, Message: "Invalid params", Data: "unsupported query " + query}
	}

	resp := &pkgrpc.TxSearchResponse{Txs: []pkgrpc.TxResponse{}}
	if b, ok := tm.blocks[height]; ok {
		for i, tx := range b.Txs {
			sum := sha256.Sum256(tx)
			resp.Txs = append(resp.Txs, pkgrpc.TxResponse{
				Hash:     sum[:],
				Height:   int64(height),
				Index:    uint32(i),
				TxResult: b.Results[i],
				Tx:       tx,
			})
		}
	}
	resp.TotalCount = len(resp.Txs)
	return resp, nil
}

func heightParam(params []json.RawMessage) (uint64, error) {
	if len(params) == 0 {
		return 0, fmt.Errorf("missing height")
	}

	var s string
	if err := json.Unmarshal(params[0], &s); err != nil {
		return 0, fmt.Errorf("height must be a string: %w", err)
	}
	return strconv.ParseUint(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *jsonRPCError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// SendTx builds a transaction with a single MsgSend.
func SendTx(from, to string) []byte {
	return decoder.EncodeTx("", decoder.EncodeMsgSend(&decoder.MsgSend{
		FromAddress: from,
		ToAddress:   to,
		Amount:      []decoder.Coin{{Denom: "uatom", Amount: "1"}},
	}))
}
