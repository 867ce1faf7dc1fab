package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bz888/subql-cosmos/internal/dictionary"
	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSequentialProvider_Plan(t *testing.T) {
	tests := []struct {
		name        string
		modulos     []uint64
		bypass      []config.HeightRange
		from, to    uint64
		n           int
		wantHeights []uint64
		wantCovered uint64
	}{
		{
			name: "capped", from: 1, to: 100, n: 3,
			wantHeights: []uint64{1, 2, 3}, wantCovered: 3,
		},
		{
			name: "range shorter than limit", from: 8, to: 10, n: 5,
			wantHeights: []uint64{8, 9, 10}, wantCovered: 10,
		},
		{
			name: "modulo", modulos: []uint64{10}, from: 1, to: 35, n: 10,
			wantHeights: []uint64{10, 20, 30}, wantCovered: 35,
		},
		{
			name: "two modulos", modulos: []uint64{4, 6}, from: 1, to: 13, n: 10,
			wantHeights: []uint64{4, 6, 8, 12}, wantCovered: 13,
		},
		{
			name: "modulo capped", modulos: []uint64{10}, from: 1, to: 100, n: 2,
			wantHeights: []uint64{10, 20}, wantCovered: 20,
		},
		{
			name: "no modulo multiple in range", modulos: []uint64{100}, from: 1, to: 50, n: 10,
			wantCovered: 50,
		},
		{
			name: "bypass", bypass: []config.HeightRange{{From: 3, To: 5}}, from: 1, to: 7, n: 10,
			wantHeights: []uint64{1, 2, 6, 7}, wantCovered: 7,
		},
		{
			name: "bypass with modulo", modulos: []uint64{5}, bypass: []config.HeightRange{{From: 10, To: 10}},
			from: 1, to: 20, n: 10,
			wantHeights: []uint64{5, 15, 20}, wantCovered: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewSequentialProvider(tt.modulos, tt.bypass)
			plan, err := p.Plan(context.Background(), tt.from, tt.to, tt.n)
			require.NoError(t, err)
			require.Equal(t, tt.wantHeights, plan.Heights)
			require.Equal(t, tt.wantCovered, plan.CoveredTo)
		})
	}
}

func TestSequentialProvider_InvalidArguments(t *testing.T) {
	p := NewSequentialProvider(nil, nil)

	_, err := p.Plan(context.Background(), 10, 5, 1)
	require.Error(t, err)
	_, err = p.Plan(context.Background(), 1, 5, 0)
	require.Error(t, err)
}

func TestModulosOnly(t *testing.T) {
	modulos, ok := ModulosOnly([]types.FilterCondition{
		types.NewBlockCondition(types.BlockFilter{Modulo: 10}),
		types.NewBlockCondition(types.BlockFilter{Modulo: 5}),
		types.NewBlockCondition(types.BlockFilter{Modulo: 10}),
	})
	require.True(t, ok)
	require.Equal(t, []uint64{5, 10}, modulos)

	_, ok = ModulosOnly(nil)
	require.False(t, ok)

	_, ok = ModulosOnly([]types.FilterCondition{
		types.NewBlockCondition(types.BlockFilter{Modulo: 10}),
		types.NewBlockCondition(types.BlockFilter{Timestamp: "0 * * * *"}),
	})
	require.False(t, ok)

	_, ok = ModulosOnly([]types.FilterCondition{
		{Kind: types.FilterKindMessage, Message: &types.MessageFilter{Type: "/cosmos.bank.v1beta1.MsgSend"}},
	})
	require.False(t, ok)
}

type stubQuerier struct {
	mu      sync.Mutex
	queries []*dictionary.Query
	answer  func(q *dictionary.Query) (*dictionary.Result, error)
}

func (s *stubQuerier) Query(_ context.Context, q *dictionary.Query) (*dictionary.Result, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	return s.answer(q)
}

func (s *stubQuerier) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// matchingHeights answers with the given heights that lie in the queried range.
func matchingHeights(heights ...uint64) func(q *dictionary.Query) (*dictionary.Result, error) {
	return func(q *dictionary.Query) (*dictionary.Result, error) {
		var out []uint64
		for _, h := range heights {
			if h >= q.From && h < q.To {
				out = append(out, h)
			}
		}
		return &dictionary.Result{Heights: out, CoveredTo: q.To - 1, LastProcessedHeight: 10_000, Chain: "test-1"}, nil
	}
}

func failing(err error) func(q *dictionary.Query) (*dictionary.Result, error) {
	return func(*dictionary.Query) (*dictionary.Result, error) {
		return nil, err
	}
}

func sendFilters() []types.FilterCondition {
	return []types.FilterCondition{
		{Kind: types.FilterKindMessage, Message: &types.MessageFilter{Type: "/cosmos.bank.v1beta1.MsgSend"}},
	}
}

func TestDictionaryProvider_NarrowsRange(t *testing.T) {
	q := &stubQuerier{answer: matchingHeights(5, 9, 40, 75)}
	p := NewDictionaryProvider(q, sendFilters(), 100, 50, nil, nil)

	plan, err := p.Plan(context.Background(), 1, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 9, 40}, plan.Heights)
	require.Equal(t, uint64(50), plan.CoveredTo)

	require.Equal(t, 1, q.calls())
	require.Equal(t, uint64(1), q.queries[0].From)
	require.Equal(t, uint64(51), q.queries[0].To)

	plan, err = p.Plan(context.Background(), 51, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{75}, plan.Heights)
	require.Equal(t, uint64(100), plan.CoveredTo)
}

func TestDictionaryProvider_ServesFromCache(t *testing.T) {
	q := &stubQuerier{answer: matchingHeights(5, 9, 40)}
	p := NewDictionaryProvider(q, sendFilters(), 100, 50, nil, nil)

	plan, err := p.Plan(context.Background(), 1, 100, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 9}, plan.Heights)
	require.Equal(t, uint64(9), plan.CoveredTo)

	plan, err = p.Plan(context.Background(), 10, 100, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{40}, plan.Heights)
	require.Equal(t, uint64(50), plan.CoveredTo)

	require.Equal(t, 1, q.calls())
}

func TestDictionaryProvider_MergesModulos(t *testing.T) {
	q := &stubQuerier{answer: matchingHeights(5, 20)}
	filters := append(sendFilters(), types.NewBlockCondition(types.BlockFilter{Modulo: 20}))
	p := NewDictionaryProvider(q, filters, 100, 50, nil, nil)

	plan, err := p.Plan(context.Background(), 1, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 20, 40}, plan.Heights)
	require.Equal(t, uint64(50), plan.CoveredTo)
}

func TestDictionaryProvider_SkipsBypassedHeights(t *testing.T) {
	q := &stubQuerier{answer: matchingHeights(5, 9, 40)}
	bypass := []config.HeightRange{{From: 9, To: 12}}
	p := NewDictionaryProvider(q, sendFilters(), 100, 50, bypass, nil)

	plan, err := p.Plan(context.Background(), 1, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 40}, plan.Heights)
}

func TestDictionaryProvider_Fallback(t *testing.T) {
	tests := []struct {
		name         string
		filters      []types.FilterCondition
		answer       func(q *dictionary.Query) (*dictionary.Result, error)
		wantCalls    int
		wantDisabled bool
	}{
		{
			name:      "unavailable",
			filters:   sendFilters(),
			answer:    failing(fmt.Errorf("%w: status 502", dictionary.ErrDictionaryUnavailable)),
			wantCalls: 1,
		},
		{
			name:      "stale",
			filters:   sendFilters(),
			answer:    failing(fmt.Errorf("%w: last processed 3", dictionary.ErrStaleDictionary)),
			wantCalls: 1,
		},
		{
			name:         "chain mismatch",
			filters:      sendFilters(),
			answer:       failing(fmt.Errorf("%w: osmosis-1", dictionary.ErrChainMismatch)),
			wantCalls:    1,
			wantDisabled: true,
		},
		{
			name:    "behind the range",
			filters: sendFilters(),
			answer: func(q *dictionary.Query) (*dictionary.Result, error) {
				return &dictionary.Result{CoveredTo: q.From - 1, LastProcessedHeight: q.From - 1}, nil
			},
			wantCalls: 1,
		},
		{
			name:         "full scan required",
			filters:      []types.FilterCondition{types.NewTransactionCondition(types.TxFilter{})},
			answer:       matchingHeights(5),
			wantCalls:    0,
			wantDisabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &stubQuerier{answer: tt.answer}
			p := NewDictionaryProvider(q, tt.filters, 100, 50, nil, nil)

			plan, err := p.Plan(context.Background(), 1, 100, 5)
			require.NoError(t, err)
			require.Equal(t, []uint64{1, 2, 3, 4, 5}, plan.Heights)
			require.Equal(t, uint64(5), plan.CoveredTo)

			// the dictionary is not asked again right away
			plan, err = p.Plan(context.Background(), 6, 100, 5)
			require.NoError(t, err)
			require.Equal(t, []uint64{6, 7, 8, 9, 10}, plan.Heights)
			require.Equal(t, tt.wantCalls, q.calls())
			require.Equal(t, tt.wantDisabled, p.disabled)
		})
	}
}

func TestDictionaryProvider_SetFiltersReenables(t *testing.T) {
	q := &stubQuerier{answer: matchingHeights(7)}
	p := NewDictionaryProvider(q, []types.FilterCondition{types.NewTransactionCondition(types.TxFilter{})}, 100, 50, nil, nil)

	_, err := p.Plan(context.Background(), 1, 100, 5)
	require.NoError(t, err)
	require.True(t, p.disabled)

	p.SetFilters(sendFilters())
	plan, err := p.Plan(context.Background(), 6, 100, 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, plan.Heights)
	require.Equal(t, uint64(55), plan.CoveredTo)
	require.Equal(t, 1, q.calls())
}

func TestDictionaryProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := &stubQuerier{answer: func(*dictionary.Query) (*dictionary.Result, error) {
		cancel()
		return nil, context.Canceled
	}}
	p := NewDictionaryProvider(q, sendFilters(), 100, 50, nil, nil)

	_, err := p.Plan(ctx, 1, 100, 5)
	require.ErrorIs(t, err, context.Canceled)
}
