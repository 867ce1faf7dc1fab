package decoder

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNilBlock          = errors.New("block or block results missing")
	ErrResultsHeight     = errors.New("block results height does not match block height")
	ErrResultsTxCount    = errors.New("block results tx count does not match block tx count")
	ErrChainIDMismatch   = errors.New("block chain id does not match")
)

// msgIndexAttribute is added to every tx event by cosmos-sdk 0.50 and later.
const msgIndexAttribute = "msg_index"

// DecodeBlock turns the canonical block and block results shapes into a types.Block.
// The same function is used for RPC and archive sources so both produce identical blocks.
func DecodeBlock(
	block *pkgrpc.BlockResponse, results *pkgrpc.BlockResultsResponse, registry *Registry,
) (*types.Block, error) {
	if block == nil || results == nil {
		return nil, ErrNilBlock
	}

	header := block.Block.Header
	if header.Height != results.Height {
		return nil, fmt.Errorf("%w: block %d, results %d", ErrResultsHeight, header.Height, results.Height)
	}
	if len(block.Block.Data.Txs) != len(results.TxsResults) {
		return nil, fmt.Errorf("%w: %d txs, %d results at height %d",
			ErrResultsTxCount, len(block.Block.Data.Txs), len(results.TxsResults), header.Height)
	}

	rawHeader, err := canonicalHeader(header)
	if err != nil {
		return nil, err
	}

	out := &types.Block{
		Height:       uint64(header.Height),
		Hash:         common.BytesToHash(block.BlockID.Hash),
		ParentHash:   common.BytesToHash(header.LastBlockID.Hash),
		ChainID:      header.ChainID,
		Time:         header.Time,
		Header:       rawHeader,
		Transactions: make([]types.Transaction, 0, len(block.Block.Data.Txs)),
	}

	encoded := attributesEncoded(results)

	for _, group := range [][]pkgrpc.Event{results.BeginBlockEvents, results.EndBlockEvents, results.FinalizeBlockEvents} {
		out.Events = append(out.Events, convertEvents(group, types.BlockLevelTxIndex, 0, encoded)...)
	}

	for i, raw := range block.Block.Data.Txs {
		out.Transactions = append(out.Transactions, decodeTransaction(i, raw, results.TxsResults[i], registry, encoded))
	}

	return out, nil
}

// ValidateChainID returns ErrChainIDMismatch when b does not belong to chainID.
func ValidateChainID(b *types.Block, chainID string) error {
	if b.ChainID != chainID {
		return fmt.Errorf("%w: block %d is from %q, expected %q", ErrChainIDMismatch, b.Height, b.ChainID, chainID)
	}
	return nil
}

func decodeTransaction(index int, raw []byte, result pkgrpc.TxResult, registry *Registry, encoded bool) types.Transaction {
	hash := sha256.Sum256(raw)
	tx := types.Transaction{
		Index:     index,
		Hash:      common.Hash(hash),
		Code:      result.Code,
		Log:       result.Log,
		GasWanted: result.GasWanted,
		GasUsed:   result.GasUsed,
		Raw:       raw,
	}

	decoded, err := DecodeTx(raw)
	if err != nil {
		TxDecodeErrorInc()
	} else {
		for j, anyMsg := range decoded.Messages {
			payload, err := registry.Decode(anyMsg.TypeURL, anyMsg.Value)
			if err != nil {
				MessageDecodeErrorInc(anyMsg.TypeURL, errors.Is(err, ErrUnknownMessageType))
			}
			tx.Messages = append(tx.Messages, types.Message{
				Index:   j,
				TxIndex: index,
				TypeURL: anyMsg.TypeURL,
				Payload: payload,
			})
		}
	}

	defaultMsgIndex := -1
	if len(tx.Messages) == 1 {
		defaultMsgIndex = 0
	}
	tx.Events = convertEvents(result.Events, index, defaultMsgIndex, encoded)

	return tx
}

func convertEvents(events []pkgrpc.Event, txIndex, defaultMsgIndex int, encoded bool) []types.Event {
	if len(events) == 0 {
		return nil
	}

	out := make([]types.Event, 0, len(events))
	for _, ev := range events {
		converted := types.Event{
			Type:       ev.Type,
			TxIndex:    txIndex,
			MsgIndex:   defaultMsgIndex,
			Attributes: make([]types.Attribute, 0, len(ev.Attributes)),
		}
		if txIndex == types.BlockLevelTxIndex {
			converted.MsgIndex = -1
		}

		for _, attr := range ev.Attributes {
			key, value := attr.Key, attr.Value
			if encoded {
				key, value = decodeBase64(key), decodeBase64(value)
			}
			converted.Attributes = append(converted.Attributes, types.Attribute{Key: key, Value: value})
			if key == msgIndexAttribute {
				if idx, err := strconv.Atoi(value); err == nil {
					converted.MsgIndex = idx
				}
			}
		}
		out = append(out, converted)
	}
	return out
}

// attributesEncoded reports whether the event attributes of results are base64 encoded, as
// Tendermint 0.34 nodes send them. It holds when every key and value of the block is
// valid base64 and every key decodes to an attribute name. Blocks without attributes are
// treated as plain.
func attributesEncoded(results *pkgrpc.BlockResultsResponse) bool {
	seen := false
	check := func(events []pkgrpc.Event) bool {
		for _, ev := range events {
			for _, attr := range ev.Attributes {
				seen = true
				key, err := base64.StdEncoding.DecodeString(attr.Key)
				if err != nil || !isAttributeName(key) {
					return false
				}
				if _, err := base64.StdEncoding.DecodeString(attr.Value); err != nil {
					return false
				}
			}
		}
		return true
	}

	for _, group := range [][]pkgrpc.Event{results.BeginBlockEvents, results.EndBlockEvents, results.FinalizeBlockEvents} {
		if !check(group) {
			return false
		}
	}
	for _, tx := range results.TxsResults {
		if !check(tx.Events) {
			return false
		}
	}
	return seen
}

func isAttributeName(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == '-', c == '/':
		default:
			return false
		}
	}
	return true
}

func decodeBase64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

// canonicalHeader returns the header JSON in compact form so that sources which differ
// only in whitespace produce identical blocks.
func canonicalHeader(h pkgrpc.Header) (json.RawMessage, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact header: %w", err)
	}
	return buf.Bytes(), nil
}
