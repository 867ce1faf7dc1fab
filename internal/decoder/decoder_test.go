package decoder

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pkgrpc "github.com/bz888/subql-cosmos/pkg/rpc"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTx(t *testing.T) {
	send := EncodeMsgSend(&MsgSend{
		FromAddress: "cosmos1from",
		ToAddress:   "cosmos1to",
		Amount:      []Coin{{Denom: "uatom", Amount: "10"}, {Denom: "uosmo", Amount: "3"}},
	})
	exec := EncodeMsgExecuteContract(&MsgExecuteContract{
		Sender:   "archway1sender",
		Contract: "archway1contract",
		Msg:      json.RawMessage(`{"swap":{"input_token":"Token2"}}`),
	})

	tx, err := DecodeTx(EncodeTx("hello", send, exec))
	require.NoError(t, err)
	require.Len(t, tx.Messages, 2)
	assert.Equal(t, "hello", tx.Memo)
	assert.Equal(t, MsgSendType, tx.Messages[0].TypeURL)
	assert.Equal(t, types.MsgExecuteContractType, tx.Messages[1].TypeURL)

	reg := DefaultRegistry()
	payload, err := reg.Decode(tx.Messages[0].TypeURL, tx.Messages[0].Value)
	require.NoError(t, err)
	assert.Equal(t, &MsgSend{
		FromAddress: "cosmos1from",
		ToAddress:   "cosmos1to",
		Amount:      []Coin{{Denom: "uatom", Amount: "10"}, {Denom: "uosmo", Amount: "3"}},
	}, payload)

	payload, err = reg.Decode(tx.Messages[1].TypeURL, tx.Messages[1].Value)
	require.NoError(t, err)
	execMsg, ok := payload.(*MsgExecuteContract)
	require.True(t, ok)
	assert.JSONEq(t, `{"swap":{"input_token":"Token2"}}`, string(execMsg.Msg))
}

func TestDecodeTx_Invalid(t *testing.T) {
	_, err := DecodeTx([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)

	_, err = DecodeTx(nil)
	require.ErrorIs(t, err, errEmptyTxBody)
}

func TestRegistry_Unknown(t *testing.T) {
	reg := DefaultRegistry()
	assert.Contains(t, reg.TypeURLs(), MsgSendType)

	payload, err := reg.Decode("/ibc.core.client.v1.MsgUpdateClient", []byte{1, 2})
	require.ErrorIs(t, err, ErrUnknownMessageType)
	assert.Equal(t, &types.UnknownMessage{TypeURL: "/ibc.core.client.v1.MsgUpdateClient", Value: []byte{1, 2}}, payload)

	bad := EncodeMsgExecuteContract(&MsgExecuteContract{Sender: "a", Msg: []byte("not json")})
	payload, err = reg.Decode(bad.TypeURL, bad.Value)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnknownMessageType))
	assert.IsType(t, &types.UnknownMessage{}, payload)
}

func testBlockPair(t *testing.T) (*pkgrpc.BlockResponse, *pkgrpc.BlockResultsResponse) {
	t.Helper()

	send := EncodeTx("", EncodeMsgSend(&MsgSend{FromAddress: "a", ToAddress: "b"}))
	unknown := EncodeTx("", AnyMsg{TypeURL: "/custom.v1.MsgPing", Value: []byte{}},
		EncodeMsgSend(&MsgSend{FromAddress: "c", ToAddress: "d"}))

	blockJSON := `{
		"block_id": {"hash": "AA00000000000000000000000000000000000000000000000000000000000001"},
		"block": {
			"header": {
				"chain_id": "archway-1",
				"height": "3856726",
				"time": "2023-09-06T12:20:22.5Z",
				"last_block_id": {"hash": "AA00000000000000000000000000000000000000000000000000000000000000"}
			},
			"data": {"txs": []}
		}
	}`
	var block pkgrpc.BlockResponse
	require.NoError(t, json.Unmarshal([]byte(blockJSON), &block))
	block.Block.Data.Txs = [][]byte{send, unknown}

	results := &pkgrpc.BlockResultsResponse{
		Height: 3856726,
		TxsResults: []pkgrpc.TxResult{
			{Code: 0, GasUsed: 10, Events: []pkgrpc.Event{{Type: "transfer", Attributes: []pkgrpc.EventAttribute{{Key: "amount", Value: "1"}}}}},
			{Code: 11, Events: []pkgrpc.Event{
				{Type: "message", Attributes: []pkgrpc.EventAttribute{{Key: "msg_index", Value: "1"}}},
				{Type: "tx"},
			}},
		},
		BeginBlockEvents: []pkgrpc.Event{{Type: "mint"}},
		EndBlockEvents:   []pkgrpc.Event{{Type: "complete_unbonding"}},
	}

	return &block, results
}

func TestDecodeBlock(t *testing.T) {
	block, results := testBlockPair(t)

	decoded, err := DecodeBlock(block, results, DefaultRegistry())
	require.NoError(t, err)

	assert.Equal(t, uint64(3856726), decoded.Height)
	assert.Equal(t, "archway-1", decoded.ChainID)
	assert.Equal(t, time.Date(2023, 9, 6, 12, 20, 22, 500_000_000, time.UTC), decoded.Time)
	assert.Equal(t, common.HexToHash("AA00000000000000000000000000000000000000000000000000000000000001"), decoded.Hash)
	assert.Equal(t, common.HexToHash("AA00000000000000000000000000000000000000000000000000000000000000"), decoded.ParentHash)
	assert.NotContains(t, string(decoded.Header), "\n")

	require.Len(t, decoded.Events, 2)
	assert.Equal(t, "mint", decoded.Events[0].Type)
	assert.Equal(t, types.BlockLevelTxIndex, decoded.Events[1].TxIndex)

	require.Len(t, decoded.Transactions, 2)
	first := decoded.Transactions[0]
	assert.True(t, first.Success())
	assert.Equal(t, common.Hash(sha256.Sum256(block.Block.Data.Txs[0])), first.Hash)
	require.Len(t, first.Events, 1)
	assert.Equal(t, 0, first.Events[0].MsgIndex)

	second := decoded.Transactions[1]
	assert.False(t, second.Success())
	require.Len(t, second.Messages, 2)
	assert.IsType(t, &types.UnknownMessage{}, second.Messages[0].Payload)
	assert.IsType(t, &MsgSend{}, second.Messages[1].Payload)
	assert.Equal(t, 1, second.Messages[1].TxIndex)
	assert.Equal(t, 1, second.Events[0].MsgIndex)
	assert.Equal(t, -1, second.Events[1].MsgIndex)

	require.NoError(t, ValidateChainID(decoded, "archway-1"))
	require.ErrorIs(t, ValidateChainID(decoded, "juno-1"), ErrChainIDMismatch)
}

func TestDecodeBlock_Base64Attributes(t *testing.T) {
	block, results := testBlockPair(t)

	// tendermint 0.34 shape: keys and values are base64, values may be null
	resultsJSON := `{
		"height": "3856726",
		"txs_results": [
			{"code": 0, "events": [
				{"type": "transfer", "attributes": [
					{"key": "c2VuZGVy", "value": "Y29zbW9zMWFiYw==", "index": true},
					{"key": "YW1vdW50", "value": "MTB1YXRvbQ==", "index": true}
				]}
			]},
			{"code": 0, "events": [
				{"type": "message", "attributes": [
					{"key": "bXNnX2luZGV4", "value": "MQ==", "index": true},
					{"key": "bW9kdWxl", "value": null, "index": true}
				]}
			]}
		],
		"begin_block_events": [
			{"type": "mint", "attributes": [{"key": "aW5mbGF0aW9u", "value": "MC4x", "index": true}]}
		],
		"end_block_events": null
	}`
	var encoded pkgrpc.BlockResultsResponse
	require.NoError(t, json.Unmarshal([]byte(resultsJSON), &encoded))
	require.Equal(t, results.Height, encoded.Height)

	decoded, err := DecodeBlock(block, &encoded, DefaultRegistry())
	require.NoError(t, err)

	require.Len(t, decoded.Events, 1)
	inflation, ok := decoded.Events[0].Attribute("inflation")
	require.True(t, ok)
	assert.Equal(t, "0.1", inflation)

	transfer := decoded.Transactions[0].Events[0]
	assert.Equal(t, []types.Attribute{{Key: "sender", Value: "cosmos1abc"}, {Key: "amount", Value: "10uatom"}},
		transfer.Attributes)

	filter := &types.EventFilter{Type: "transfer", Attributes: map[string]string{"sender": "cosmos1abc"}}
	assert.True(t, filter.Matches(&transfer, nil, &decoded.Transactions[0]))

	message := decoded.Transactions[1].Events[0]
	assert.Equal(t, 1, message.MsgIndex)
	module, ok := message.Attribute("module")
	require.True(t, ok)
	assert.Empty(t, module)
}

func TestDecodeBlock_PlainAttributesKept(t *testing.T) {
	block, results := testBlockPair(t)
	results.TxsResults[0].Events = []pkgrpc.Event{{
		Type: "transfer",
		Attributes: []pkgrpc.EventAttribute{
			{Key: "receiver", Value: "Y29zbW9zMWFiYw=="},
			{Key: "sender", Value: "cosmos1abc"},
		},
	}}

	decoded, err := DecodeBlock(block, results, DefaultRegistry())
	require.NoError(t, err)

	receiver, ok := decoded.Transactions[0].Events[0].Attribute("receiver")
	require.True(t, ok)
	assert.Equal(t, "Y29zbW9zMWFiYw==", receiver)
	assert.Equal(t, 1, decoded.Transactions[1].Events[0].MsgIndex)
}

func TestDecodeBlock_Mismatches(t *testing.T) {
	block, results := testBlockPair(t)

	_, err := DecodeBlock(nil, results, DefaultRegistry())
	require.ErrorIs(t, err, ErrNilBlock)

	wrongHeight := *results
	wrongHeight.Height = 1
	_, err = DecodeBlock(block, &wrongHeight, DefaultRegistry())
	require.ErrorIs(t, err, ErrResultsHeight)

	missing := *results
	missing.TxsResults = missing.TxsResults[:1]
	_, err = DecodeBlock(block, &missing, DefaultRegistry())
	require.ErrorIs(t, err, ErrResultsTxCount)
}
