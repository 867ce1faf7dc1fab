package archive

import (
	"context"
	"sync"
	"testing"

	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu     sync.Mutex
	blocks map[uint64]*types.Block
	calls  []uint64
}

func (s *stubFetcher) FetchBlock(_ context.Context, height uint64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, height)
	return s.blocks[height], nil
}

func TestVerifier(t *testing.T) {
	f := newArchiveFixture(t, 1, true, true)
	reference := &stubFetcher{blocks: map[uint64]*types.Block{
		100: f.expected(t, 100),
		120: f.expected(t, 120),
	}}
	v := NewVerifier(f.source, reference, 10, nil)
	ctx := context.Background()

	block, err := v.FetchBlock(ctx, 120)
	require.NoError(t, err)
	require.Equal(t, uint64(120), block.Height)

	_, err = v.FetchBlock(ctx, 121)
	require.NoError(t, err)
	require.Equal(t, []uint64{120}, reference.calls)

	t.Run("divergence", func(t *testing.T) {
		tampered := *f.expected(t, 100)
		tampered.Hash = common.HexToHash("0xdead")
		reference.blocks[100] = &tampered

		_, err := v.FetchBlock(ctx, 100)
		require.ErrorIs(t, err, ErrArchiveIntegrity)
	})

	t.Run("disabled", func(t *testing.T) {
		off := NewVerifier(f.source, reference, 0, nil)
		_, err := off.FetchBlock(ctx, 100)
		require.NoError(t, err)
	})
}

func TestReconcile(t *testing.T) {
	f := newArchiveFixture(t, 1, false, true)
	base := f.expected(t, 120)

	tests := []struct {
		name   string
		mutate func(b *types.Block)
		ok     bool
	}{
		{name: "identical", mutate: func(*types.Block) {}, ok: true},
		{name: "tx log ignored", mutate: func(b *types.Block) { b.Transactions[0].Log = "" }, ok: true},
		{name: "parent hash", mutate: func(b *types.Block) { b.ParentHash = common.Hash{1} }},
		{name: "chain id", mutate: func(b *types.Block) { b.ChainID = "other" }},
		{name: "header", mutate: func(b *types.Block) { b.Header = []byte(`{}`) }},
		{name: "tx count", mutate: func(b *types.Block) { b.Transactions = b.Transactions[:1] }},
		{name: "tx gas", mutate: func(b *types.Block) { b.Transactions[1].GasUsed++ }},
		{name: "tx code", mutate: func(b *types.Block) { b.Transactions[0].Code = 5 }},
		{name: "block events", mutate: func(b *types.Block) { b.Events = nil }},
		{name: "tx events", mutate: func(b *types.Block) { b.Transactions[0].Events[0].Type = "other" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archived := f.expected(t, 120)
			tt.mutate(archived)

			err := Reconcile(archived, base)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrArchiveIntegrity)
		})
	}
}
