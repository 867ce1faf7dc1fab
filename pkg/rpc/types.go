package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HexBytes is a byte slice rendered as upper case hex, the Tendermint JSON encoding of hashes.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToUpper(hex.EncodeToString(b)))
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hex bytes must be a string: %w", err)
	}

	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex bytes %q: %w", s, err)
	}

	*b = decoded
	return nil
}

func (b HexBytes) String() string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// BlockID identifies a block by hash.
type BlockID struct {
	Hash  HexBytes        `json:"hash"`
	Parts json.RawMessage `json:"parts,omitempty"`
}

// Header is the block header. Raw keeps the exact JSON received from the source.
type Header struct {
	ChainID         string          `json:"chain_id"`
	Height          int64           `json:"height,string"`
	Time            time.Time       `json:"time"`
	LastBlockID     BlockID         `json:"last_block_id"`
	DataHash        HexBytes        `json:"data_hash"`
	AppHash         HexBytes        `json:"app_hash"`
	ProposerAddress HexBytes        `json:"proposer_address"`
	Raw             json.RawMessage `json:"-"`
}

func (h *Header) UnmarshalJSON(data []byte) error {
	type plain Header
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	*h = Header(p)
	h.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes Raw back when present so a header survives a round trip unchanged.
func (h Header) MarshalJSON() ([]byte, error) {
	if len(h.Raw) > 0 {
		return h.Raw, nil
	}
	type plain Header
	return json.Marshal(plain(h))
}

// BlockData carries the raw transactions; base64 in JSON.
type BlockData struct {
	Txs [][]byte `json:"txs"`
}

// Block is the body of a block response.
type Block struct {
	Header     Header          `json:"header"`
	Data       BlockData       `json:"data"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	LastCommit json.RawMessage `json:"last_commit,omitempty"`
}

// BlockResponse is the result of the "block" RPC method.
type BlockResponse struct {
	BlockID BlockID `json:"block_id"`
	Block   Block   `json:"block"`
}

// EventAttribute is one key/value pair of an ABCI event.
type EventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Index bool   `json:"index,omitempty"`
}

// Event is an ABCI event.
type Event struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}

// TxResult is the execution result of one transaction.
type TxResult struct {
	Code      uint32  `json:"code"`
	Data      []byte  `json:"data,omitempty"`
	Log       string  `json:"log"`
	Info      string  `json:"info,omitempty"`
	GasWanted int64   `json:"gas_wanted,string"`
	GasUsed   int64   `json:"gas_used,string"`
	Events    []Event `json:"events"`
	Codespace string  `json:"codespace,omitempty"`
}

// BlockResultsResponse is the result of the "block_results" RPC method.
type BlockResultsResponse struct {
	Height              int64           `json:"height,string"`
	TxsResults          []TxResult      `json:"txs_results"`
	BeginBlockEvents    []Event         `json:"begin_block_events"`
	EndBlockEvents      []Event         `json:"end_block_events"`
	FinalizeBlockEvents []Event         `json:"finalize_block_events,omitempty"`
	ValidatorUpdates    json.RawMessage `json:"validator_updates,omitempty"`
	ConsensusParams     json.RawMessage `json:"consensus_param_updates,omitempty"`
}

// NodeInfo is the node section of the status response.
type NodeInfo struct {
	Network string `json:"network"`
	Version string `json:"version"`
	Moniker string `json:"moniker"`
}

// SyncInfo is the sync section of the status response.
type SyncInfo struct {
	LatestBlockHash     HexBytes  `json:"latest_block_hash"`
	LatestBlockHeight   int64     `json:"latest_block_height,string"`
	LatestBlockTime     time.Time `json:"latest_block_time"`
	EarliestBlockHeight int64     `json:"earliest_block_height,string"`
	CatchingUp          bool      `json:"catching_up"`
}

// StatusResponse is the result of the "status" RPC method.
type StatusResponse struct {
	NodeInfo NodeInfo `json:"node_info"`
	SyncInfo SyncInfo `json:"sync_info"`
}

// Validator is one entry of the validator set.
type Validator struct {
	Address          HexBytes        `json:"address"`
	PubKey           json.RawMessage `json:"pub_key"`
	VotingPower      int64           `json:"voting_power,string"`
	ProposerPriority int64           `json:"proposer_priority,string"`
}

// ValidatorsResponse is the result of the "validators" RPC method.
type ValidatorsResponse struct {
	BlockHeight int64       `json:"block_height,string"`
	Validators  []Validator `json:"validators"`
	Count       int         `json:"count,string"`
	Total       int         `json:"total,string"`
}

// TxResponse is one transaction returned by tx_search.
type TxResponse struct {
	Hash     HexBytes `json:"hash"`
	Height   int64    `json:"height,string"`
	Index    uint32   `json:"index"`
	TxResult TxResult `json:"tx_result"`
	Tx       []byte   `json:"tx"`
}

// TxSearchResponse is the result of the "tx_search" RPC method.
type TxSearchResponse struct {
	Txs        []TxResponse `json:"txs"`
	TotalCount int          `json:"total_count,string"`
}
