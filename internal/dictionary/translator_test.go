package dictionary

import (
	"testing"

	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/stretchr/testify/require"
)

const wasmExecute = "/cosmwasm.wasm.v1.MsgExecuteContract"

func TestTranslate_BasicMessageFilter(t *testing.T) {
	filters := []types.FilterCondition{
		types.NewMessageCondition(types.MessageFilter{Type: wasmExecute}),
	}

	q, err := Translate(filters, 3_093_822, 4_000_000, 5)
	require.NoError(t, err)

	require.Equal(t,
		`query($messages_0_0:String!){_metadata {lastProcessedHeight chain }  messages (filter:{or:[{type:{equalTo:$messages_0_0}}],blockHeight:{greaterThanOrEqualTo:"3093822",lessThan:"4000000"}},orderBy:BLOCK_HEIGHT_ASC,first:5,distinct:[BLOCK_HEIGHT]){nodes {blockHeight }  } }`, //nolint:lll
		q.Query,
	)
	require.Equal(t, map[string]any{"messages_0_0": wasmExecute}, q.Variables)
	require.Equal(t, []string{"messages"}, q.Groups)
	require.Equal(t, uint64(3_093_822), q.From)
	require.Equal(t, uint64(4_000_000), q.To)
	require.Equal(t, 5, q.Limit)
}

func TestTranslate_ContractCallFilter(t *testing.T) {
	filters := []types.FilterCondition{
		types.NewMessageCondition(types.MessageFilter{
			Type:         wasmExecute,
			ContractCall: "vote",
			Values: map[string]string{
				"contract": "juno1lgnstas4ruflg0eta394y8epq67s4rzhg5anssz3rc5zwvjmmvcql6qps2",
			},
		}),
	}

	q, err := Translate(filters, 3_093_822, 4_000_000, 5)
	require.NoError(t, err)

	require.Equal(t,
		`query($messages_0_0:String!,$messages_0_1:JSON){_metadata {lastProcessedHeight chain }  messages (filter:{or:[{and:[{type:{equalTo:$messages_0_0}},{data:{contains:$messages_0_1}}]}],blockHeight:{greaterThanOrEqualTo:"3093822",lessThan:"4000000"}},orderBy:BLOCK_HEIGHT_ASC,first:5,distinct:[BLOCK_HEIGHT]){nodes {blockHeight }  } }`, //nolint:lll
		q.Query,
	)
	require.Equal(t, map[string]any{
		"messages_0_0": wasmExecute,
		"messages_0_1": map[string]any{
			"contract": "juno1lgnstas4ruflg0eta394y8epq67s4rzhg5anssz3rc5zwvjmmvcql6qps2",
		},
	}, q.Variables)
}

func TestTranslate_NestedValues(t *testing.T) {
	filters := []types.FilterCondition{
		types.NewMessageCondition(types.MessageFilter{
			Type:         wasmExecute,
			ContractCall: "swap",
			Values:       map[string]string{"msg.swap.input_token": "Token2"},
		}),
	}

	q, err := Translate(filters, 1, 100, 10)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"msg": map[string]any{"swap": map[string]any{"input_token": "Token2"}},
	}, q.Variables["messages_0_1"])
}

func TestTranslate_ConflictingValuePaths(t *testing.T) {
	filters := []types.FilterCondition{
		types.NewMessageCondition(types.MessageFilter{
			Type:   wasmExecute,
			Values: map[string]string{"msg": "a", "msg.swap": "b"},
		}),
	}

	_, err := Translate(filters, 1, 100, 10)
	require.ErrorIs(t, err, ErrConflictingValuePaths)
}

func TestTranslate_EventsBeforeMessages(t *testing.T) {
	filters := []types.FilterCondition{
		types.NewMessageCondition(types.MessageFilter{Type: "/cosmos.bank.v1beta1.MsgSend"}),
		types.NewEventCondition(types.EventFilter{
			Type:       "transfer",
			Attributes: map[string]string{"amount": "100uatom"},
			MessageFilter: &types.MessageFilter{
				Type:   wasmExecute,
				Values: map[string]string{"contract": "juno1abc"},
			},
		}),
	}

	q, err := Translate(filters, 10, 20, 3)
	require.NoError(t, err)

	require.Equal(t,
		`query($events_0_0:String!,$events_0_1:String!,$events_0_2:JSON,$messages_0_0:String!){_metadata {lastProcessedHeight chain }  `+
			`events (filter:{or:[{and:[{type:{equalTo:$events_0_0}},{msgType:{equalTo:$events_0_1}},{data:{contains:$events_0_2}}]}],blockHeight:{greaterThanOrEqualTo:"10",lessThan:"20"}},orderBy:BLOCK_HEIGHT_ASC,first:3,distinct:[BLOCK_HEIGHT]){nodes {blockHeight }  }  `+ //nolint:lll
			`messages (filter:{or:[{type:{equalTo:$messages_0_0}}],blockHeight:{greaterThanOrEqualTo:"10",lessThan:"20"}},orderBy:BLOCK_HEIGHT_ASC,first:3,distinct:[BLOCK_HEIGHT]){nodes {blockHeight }  } }`, //nolint:lll
		q.Query,
	)
	require.Equal(t, []string{"events", "messages"}, q.Groups)
	require.Equal(t, map[string]any{
		"events_0_0":   "transfer",
		"events_0_1":   wasmExecute,
		"events_0_2":   map[string]any{"contract": "juno1abc"},
		"messages_0_0": "/cosmos.bank.v1beta1.MsgSend",
	}, q.Variables)
}

func TestTranslate_ReusesIdenticalLiterals(t *testing.T) {
	filters := []types.FilterCondition{
		types.NewMessageCondition(types.MessageFilter{Type: wasmExecute, Values: map[string]string{"contract": "a"}}),
		types.NewMessageCondition(types.MessageFilter{Type: wasmExecute, Values: map[string]string{"contract": "b"}}),
	}

	q, err := Translate(filters, 1, 2, 1)
	require.NoError(t, err)

	require.Contains(t, q.Query, "query($messages_0_0:String!,$messages_0_1:JSON,$messages_1_1:JSON)")
	require.Contains(t, q.Query,
		"{or:[{and:[{type:{equalTo:$messages_0_0}},{data:{contains:$messages_0_1}}]},"+
			"{and:[{type:{equalTo:$messages_0_0}},{data:{contains:$messages_1_1}}]}]")
	require.Len(t, q.Variables, 3)
	require.NotContains(t, q.Variables, "messages_1_0")
}

func TestTranslate_Deterministic(t *testing.T) {
	a := types.NewMessageCondition(types.MessageFilter{Type: "/cosmos.bank.v1beta1.MsgSend"})
	b := types.NewMessageCondition(types.MessageFilter{
		Type:   wasmExecute,
		Values: map[string]string{"msg.swap.input_token": "Token2", "contract": "juno1abc"},
	})
	c := types.NewEventCondition(types.EventFilter{Type: "transfer"})

	first, err := Translate([]types.FilterCondition{a, b, c}, 100, 200, 50)
	require.NoError(t, err)

	for _, order := range [][]types.FilterCondition{{c, b, a}, {b, a, c}, {a, c, b, a}} {
		q, err := Translate(order, 100, 200, 50)
		require.NoError(t, err)
		require.Equal(t, first.Query, q.Query)
		require.Equal(t, first.Variables, q.Variables)
	}
}

func TestTranslate_Modulo(t *testing.T) {
	t.Run("modulo only", func(t *testing.T) {
		q, err := Translate([]types.FilterCondition{
			types.NewBlockCondition(types.BlockFilter{Modulo: 10}),
			types.NewBlockCondition(types.BlockFilter{Modulo: 5}),
			types.NewBlockCondition(types.BlockFilter{Modulo: 10}),
		}, 1, 100, 10)
		require.NoError(t, err)
		require.Empty(t, q.Query)
		require.Empty(t, q.Groups)
		require.Equal(t, []uint64{5, 10}, q.Modulos)
	})

	t.Run("modulo with messages", func(t *testing.T) {
		q, err := Translate([]types.FilterCondition{
			types.NewBlockCondition(types.BlockFilter{Modulo: 7}),
			types.NewMessageCondition(types.MessageFilter{Type: wasmExecute}),
		}, 1, 100, 10)
		require.NoError(t, err)
		require.NotEmpty(t, q.Query)
		require.NotContains(t, q.Query, "7")
		require.Equal(t, []uint64{7}, q.Modulos)
	})
}

func TestTranslate_FullScanRequired(t *testing.T) {
	tests := []struct {
		name    string
		filters []types.FilterCondition
	}{
		{name: "no filters"},
		{
			name:    "block filter without modulo",
			filters: []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{})},
		},
		{
			name:    "timestamp filter",
			filters: []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Timestamp: "0 * * * *"})},
		},
		{
			name: "transaction filter",
			filters: []types.FilterCondition{
				types.NewMessageCondition(types.MessageFilter{Type: wasmExecute}),
				types.NewTransactionCondition(types.TxFilter{}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.filters, 1, 100, 10)
			require.ErrorIs(t, err, ErrFullScanRequired)
		})
	}
}

func TestTranslate_InvalidArguments(t *testing.T) {
	filters := []types.FilterCondition{types.NewMessageCondition(types.MessageFilter{Type: wasmExecute})}

	_, err := Translate(filters, 10, 10, 5)
	require.Error(t, err)

	_, err = Translate(filters, 1, 10, 0)
	require.Error(t, err)
}
