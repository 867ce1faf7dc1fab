package rpc

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bz888/subql-cosmos/internal/testutil"
	"github.com/stretchr/testify/require"
)

const testChainID = "cosmoshub-4"

func dialTest(t *testing.T, tm *testutil.Tendermint) *Connection {
	t.Helper()

	conn, err := Dial(context.Background(), tm.URL, Options{RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return conn
}

func TestConnection_StatusAndChainID(t *testing.T) {
	tm := testutil.NewTendermint(t, testChainID)
	tm.AddChain(1, 20, "main")
	conn := dialTest(t, tm)

	status, err := conn.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(20), status.SyncInfo.LatestBlockHeight)
	require.Equal(t, tm.Block(20).Hash, status.SyncInfo.LatestBlockHash)

	chainID, err := conn.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, testChainID, chainID)
	require.Equal(t, tm.URL, conn.Endpoint())
}

func TestConnection_BlockAndResults(t *testing.T) {
	tm := testutil.NewTendermint(t, testChainID)
	tm.AddChain(1, 10, "main")
	tm.SetTxs(5, testutil.SendTx("cosmos1a", "cosmos1b"))
	conn := dialTest(t, tm)

	block, err := conn.Block(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), block.Block.Header.Height)
	require.Equal(t, testChainID, block.Block.Header.ChainID)
	require.Equal(t, tm.Block(5).Hash, block.BlockID.Hash)
	require.Equal(t, tm.Block(4).Hash, block.Block.Header.LastBlockID.Hash)
	require.Len(t, block.Block.Data.Txs, 1)
	require.NotEmpty(t, block.Block.Header.Raw)

	results, err := conn.BlockResults(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), results.Height)
	require.Len(t, results.TxsResults, 1)
	require.Equal(t, int64(100000), results.TxsResults[0].GasUsed)
	require.Equal(t, 1, tm.Calls("block"))
	require.Equal(t, 1, tm.Calls("block_results"))
}

func TestConnection_ErrorClassification(t *testing.T) {
	tm := testutil.NewTendermint(t, testChainID)
	tm.AddChain(1, 10, "main")
	conn := dialTest(t, tm)

	t.Run("rate limited", func(t *testing.T) {
		tm.FailNext("block", http.StatusTooManyRequests, 1)

		_, err := conn.Block(context.Background(), 3)
		require.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("forbidden", func(t *testing.T) {
		tm.FailNext("block", http.StatusForbidden, 1)

		_, err := conn.Block(context.Background(), 3)
		require.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("pruned", func(t *testing.T) {
		tm.Prune(6)
		defer tm.Prune(0)

		_, err := conn.Block(context.Background(), 3)
		require.ErrorIs(t, err, ErrPrunedHeight)

		kind, lowest := Classify(err)
		require.Equal(t, KindPruned, kind)
		require.Equal(t, uint64(6), lowest)
	})

	t.Run("service unavailable", func(t *testing.T) {
		tm.FailNext("", http.StatusServiceUnavailable, 1)

		_, err := conn.Status(context.Background())
		require.ErrorIs(t, err, ErrTransientNetwork)
	})

	t.Run("future height is fatal", func(t *testing.T) {
		_, err := conn.Block(context.Background(), 11)
		require.Error(t, err)

		kind, _ := Classify(err)
		require.Equal(t, KindFatal, kind)
	})
}

func TestConnection_RequestTimeout(t *testing.T) {
	tm := testutil.NewTendermint(t, testChainID)
	tm.AddChain(1, 3, "main")
	tm.SetDelay(200 * time.Millisecond)

	conn, err := Dial(context.Background(), tm.URL, Options{RequestTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Status(context.Background())
	require.ErrorIs(t, err, ErrTransientNetwork)
}

func TestSafeClient(t *testing.T) {
	tm := testutil.NewTendermint(t, testChainID)
	tm.AddChain(1, 10, "main")
	tm.SetTxs(7,
		testutil.SendTx("cosmos1a", "cosmos1b"),
		testutil.SendTx("cosmos1c", "cosmos1d"),
	)
	conn := dialTest(t, tm)

	safe := conn.SafeAt(7)
	require.Equal(t, uint64(7), safe.Height())

	block, err := safe.Block(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), block.Block.Header.Height)

	results, err := safe.BlockResults(context.Background())
	require.NoError(t, err)
	require.Len(t, results.TxsResults, 2)

	validators, err := safe.Validators(context.Background())
	require.NoError(t, err)
	require.Len(t, validators, 1)

	txs, err := safe.SearchTxs(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, uint32(1), txs[1].Index)

	empty, err := conn.SafeAt(3).SearchTxs(context.Background())
	require.NoError(t, err)
	require.Empty(t, empty)
}
