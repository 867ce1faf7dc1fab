package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProcessor struct {
	mock.Mock
	name string
}

func (m *mockProcessor) Name() string {
	return m.name
}

func (m *mockProcessor) ProcessBlock(ctx context.Context, block *types.Block) error {
	args := m.Called(ctx, block)
	return args.Error(0)
}

type mockRewinder struct {
	mockProcessor
}

func (m *mockRewinder) Rewind(ctx context.Context, height uint64) error {
	args := m.Called(ctx, height)
	return args.Error(0)
}

const msgSend = "/cosmos.bank.v1beta1.MsgSend"

func bankBlock(height uint64, code uint32) *types.Block {
	return &types.Block{
		Height: height,
		Time:   time.Date(2024, 1, 1, 0, 0, int(height)*6, 0, time.UTC),
		Transactions: []types.Transaction{{
			Index: 0,
			Code:  code,
			Messages: []types.Message{{
				TypeURL: msgSend,
				Payload: map[string]any{"from_address": "cosmos1a", "to_address": "cosmos1b"},
			}},
			Events: []types.Event{{
				Type:       "transfer",
				Attributes: []types.Attribute{{Key: "recipient", Value: "cosmos1b"}},
				TxIndex:    0,
				MsgIndex:   0,
			}},
		}},
		Events: []types.Event{{Type: "rewards", TxIndex: types.BlockLevelTxIndex, MsgIndex: -1}},
	}
}

func TestSelects(t *testing.T) {
	tests := []struct {
		name    string
		filters []types.FilterCondition
		block   *types.Block
		want    bool
	}{
		{name: "no filters", block: bankBlock(7, 0), want: true},
		{
			name:    "block modulo hit",
			filters: []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Modulo: 7})},
			block:   bankBlock(14, 0),
			want:    true,
		},
		{
			name:    "block modulo miss",
			filters: []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Modulo: 7})},
			block:   bankBlock(15, 0),
		},
		{
			name:    "successful transaction",
			filters: []types.FilterCondition{types.NewTransactionCondition(types.TxFilter{})},
			block:   bankBlock(3, 0),
			want:    true,
		},
		{
			name:    "failed transaction excluded",
			filters: []types.FilterCondition{types.NewTransactionCondition(types.TxFilter{})},
			block:   bankBlock(3, 5),
		},
		{
			name:    "failed transaction included",
			filters: []types.FilterCondition{types.NewTransactionCondition(types.TxFilter{IncludeFailedTx: true})},
			block:   bankBlock(3, 5),
			want:    true,
		},
		{
			name: "message with value",
			filters: []types.FilterCondition{types.NewMessageCondition(types.MessageFilter{
				Type:   msgSend,
				Values: map[string]string{"to_address": "cosmos1b"},
			})},
			block: bankBlock(3, 0),
			want:  true,
		},
		{
			name: "message value mismatch",
			filters: []types.FilterCondition{types.NewMessageCondition(types.MessageFilter{
				Type:   msgSend,
				Values: map[string]string{"to_address": "cosmos1z"},
			})},
			block: bankBlock(3, 0),
		},
		{
			name: "event scoped to its message",
			filters: []types.FilterCondition{types.NewEventCondition(types.EventFilter{
				Type:          "transfer",
				Attributes:    map[string]string{"recipient": "cosmos1b"},
				MessageFilter: &types.MessageFilter{Type: msgSend},
			})},
			block: bankBlock(3, 0),
			want:  true,
		},
		{
			name: "event whose message does not match",
			filters: []types.FilterCondition{types.NewEventCondition(types.EventFilter{
				Type:          "transfer",
				MessageFilter: &types.MessageFilter{Type: "/cosmos.staking.v1beta1.MsgDelegate"},
			})},
			block: bankBlock(3, 0),
		},
		{
			name:    "block level event",
			filters: []types.FilterCondition{types.NewEventCondition(types.EventFilter{Type: "rewards"})},
			block:   bankBlock(3, 0),
			want:    true,
		},
		{
			name: "any filter selects",
			filters: []types.FilterCondition{
				types.NewBlockCondition(types.BlockFilter{Modulo: 1000}),
				types.NewEventCondition(types.EventFilter{Type: "rewards"}),
			},
			block: bankBlock(3, 0),
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Selects(tt.filters, tt.block, time.Time{}))
		})
	}
}

func TestCoordinator_RoutesByFilter(t *testing.T) {
	all := &mockProcessor{name: "all"}
	every10 := &mockProcessor{name: "every-10"}

	c := NewCoordinator()
	c.RegisterProcessor(all, nil)
	c.RegisterProcessor(every10, []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Modulo: 10})})
	require.Equal(t, []Processor{all, every10}, c.Processors())

	ctx := context.Background()
	b9, b10 := bankBlock(9, 0), bankBlock(10, 0)

	all.On("ProcessBlock", ctx, b9).Return(nil).Once()
	all.On("ProcessBlock", ctx, b10).Return(nil).Once()
	every10.On("ProcessBlock", ctx, b10).Return(nil).Once()

	require.NoError(t, c.ProcessBlock(ctx, b9))
	require.NoError(t, c.ProcessBlock(ctx, b10))

	all.AssertExpectations(t)
	every10.AssertExpectations(t)
	every10.AssertNotCalled(t, "ProcessBlock", ctx, b9)
}

func TestCoordinator_ExtendFilters(t *testing.T) {
	all := &mockProcessor{name: "all"}
	every10 := &mockProcessor{name: "every-10"}

	c := NewCoordinator()
	c.RegisterProcessor(all, nil)
	c.RegisterProcessor(every10, []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Modulo: 10})})

	extra := []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Modulo: 7})}
	c.ExtendFilters(every10, extra)
	c.ExtendFilters(all, extra)

	ctx := context.Background()
	b7, b9 := bankBlock(7, 0), bankBlock(9, 0)

	all.On("ProcessBlock", ctx, b7).Return(nil).Once()
	all.On("ProcessBlock", ctx, b9).Return(nil).Once()
	every10.On("ProcessBlock", ctx, b7).Return(nil).Once()

	require.NoError(t, c.ProcessBlock(ctx, b7))
	require.NoError(t, c.ProcessBlock(ctx, b9))

	all.AssertExpectations(t)
	every10.AssertExpectations(t)
}

func TestCoordinator_ProcessorError(t *testing.T) {
	failing := &mockProcessor{name: "failing"}
	after := &mockProcessor{name: "after"}

	c := NewCoordinator()
	c.RegisterProcessor(failing, nil)
	c.RegisterProcessor(after, nil)

	ctx := context.Background()
	block := bankBlock(5, 0)
	failing.On("ProcessBlock", ctx, block).Return(errors.New("mapping failed"))

	err := c.ProcessBlock(ctx, block)
	require.ErrorContains(t, err, "processor failing failed at height 5")
	require.ErrorContains(t, err, "mapping failed")
	after.AssertNotCalled(t, "ProcessBlock", mock.Anything, mock.Anything)
}

func TestCoordinator_Rewind(t *testing.T) {
	plain := &mockProcessor{name: "plain"}
	stateful := &mockRewinder{mockProcessor{name: "stateful"}}

	c := NewCoordinator()
	c.RegisterProcessor(plain, nil)
	c.RegisterProcessor(stateful, nil)

	ctx := context.Background()
	stateful.On("Rewind", ctx, uint64(41)).Return(nil).Once()

	require.NoError(t, c.Rewind(ctx, 41))
	stateful.AssertExpectations(t)

	stateful.On("Rewind", ctx, uint64(30)).Return(errors.New("locked")).Once()
	require.ErrorContains(t, c.Rewind(ctx, 30), "processor stateful failed to rewind to height 30")
}

func TestCoordinator_TimestampUsesPreviousBlock(t *testing.T) {
	hourly := &mockProcessor{name: "hourly"}

	c := NewCoordinator()
	c.RegisterProcessor(hourly, []types.FilterCondition{types.NewBlockCondition(types.BlockFilter{Timestamp: "0 * * * *"})})

	ctx := context.Background()
	before := &types.Block{Height: 1, Time: time.Date(2024, 1, 1, 9, 59, 55, 0, time.UTC)}
	across := &types.Block{Height: 2, Time: time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC)}
	after := &types.Block{Height: 3, Time: time.Date(2024, 1, 1, 10, 0, 7, 0, time.UTC)}

	hourly.On("ProcessBlock", ctx, across).Return(nil).Once()

	require.NoError(t, c.ProcessBlock(ctx, before))
	require.NoError(t, c.ProcessBlock(ctx, across))
	require.NoError(t, c.ProcessBlock(ctx, after))

	hourly.AssertExpectations(t)
	hourly.AssertNumberOfCalls(t, "ProcessBlock", 1)
}
