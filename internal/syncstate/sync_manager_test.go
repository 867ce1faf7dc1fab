package syncstate

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bz888/subql-cosmos/internal/db"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/migrations"
	"github.com/bz888/subql-cosmos/pkg/config"
	pkgsyncstate "github.com/bz888/subql-cosmos/pkg/syncstate"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbConfig := config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "sync_state.db")}
	dbConfig.ApplyDefaults()
	require.NoError(t, migrations.RunMigrations(dbConfig))

	database, err := db.NewSQLiteDBFromConfig(dbConfig)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func TestSyncManager(t *testing.T) {
	log, err := logger.NewLogger("info", true)
	require.NoError(t, err)

	sm := NewSyncManager(setupTestDB(t), log, nil)

	// initial state
	state, err := sm.GetState()
	require.NoError(t, err)
	require.Equal(t, uint64(0), state.LastHeight)
	require.Equal(t, common.Hash{}, state.LastHash)
	require.Equal(t, pkgsyncstate.ModeBackfill, state.GetMode())

	last, err := sm.LastHeight()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	// SaveCheckpoint
	testHash := common.HexToHash("0xabc123")
	require.NoError(t, sm.SaveCheckpoint(100, testHash, pkgsyncstate.ModeBackfill))

	state, err = sm.GetState()
	require.NoError(t, err)
	require.Equal(t, uint64(100), state.LastHeight)
	require.Equal(t, testHash, state.LastHash)
	require.Equal(t, pkgsyncstate.ModeBackfill, state.GetMode())
	require.Positive(t, state.LastTimestamp)

	// mode change with a checkpoint
	testHash2 := common.HexToHash("0xdef456")
	require.NoError(t, sm.SaveCheckpoint(200, testHash2, pkgsyncstate.ModeLive))

	state, err = sm.GetState()
	require.NoError(t, err)
	require.Equal(t, uint64(200), state.LastHeight)
	require.Equal(t, testHash2, state.LastHash)
	require.Equal(t, pkgsyncstate.ModeLive, state.GetMode())

	// SetMode keeps the checkpoint
	require.NoError(t, sm.SetMode(pkgsyncstate.ModeBackfill))

	state, err = sm.GetState()
	require.NoError(t, err)
	require.Equal(t, uint64(200), state.LastHeight)
	require.Equal(t, testHash2, state.LastHash)
	require.Equal(t, pkgsyncstate.ModeBackfill, state.GetMode())

	// Reset clears the hash
	require.NoError(t, sm.Reset(50))

	state, err = sm.GetState()
	require.NoError(t, err)
	require.Equal(t, uint64(50), state.LastHeight)
	require.Equal(t, common.Hash{}, state.LastHash)
	require.Equal(t, pkgsyncstate.ModeBackfill, state.GetMode())
}

func TestSyncManagerPersistence(t *testing.T) {
	database := setupTestDB(t)

	sm := NewSyncManager(database, nil, nil)
	persistHash := common.HexToHash("0x123abc")
	require.NoError(t, sm.BindChain("cosmoshub-4"))
	require.NoError(t, sm.SaveCheckpoint(500, persistHash, pkgsyncstate.ModeLive))

	sm2 := NewSyncManager(database, nil, nil)
	state, err := sm2.GetState()
	require.NoError(t, err)
	require.Equal(t, uint64(500), state.LastHeight)
	require.Equal(t, persistHash, state.LastHash)
	require.Equal(t, pkgsyncstate.ModeLive, state.GetMode())
	require.Equal(t, "cosmoshub-4", state.ChainID)
}

func TestSyncManager_BindChain(t *testing.T) {
	sm := NewSyncManager(setupTestDB(t), nil, nil)

	require.NoError(t, sm.BindChain("juno-1"))
	require.NoError(t, sm.BindChain("juno-1"))

	// checkpoints keep the bound chain
	require.NoError(t, sm.SaveCheckpoint(10, common.HexToHash("0x01"), pkgsyncstate.ModeBackfill))
	require.NoError(t, sm.Reset(5))

	err := sm.BindChain("osmosis-1")
	require.ErrorIs(t, err, pkgsyncstate.ErrChainMismatch)

	state, err := sm.GetState()
	require.NoError(t, err)
	require.Equal(t, "juno-1", state.ChainID)
}

func TestSyncManager_StartHeight(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint uint64
		configured uint64
		want       uint64
	}{
		{name: "fresh database", checkpoint: 0, configured: 1000, want: 1000},
		{name: "fresh database default start", checkpoint: 0, configured: 0, want: 1},
		{name: "checkpoint ahead", checkpoint: 1500, configured: 1000, want: 1501},
		{name: "configured ahead", checkpoint: 500, configured: 1000, want: 1000},
		{name: "checkpoint just below start", checkpoint: 999, configured: 1000, want: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewSyncManager(setupTestDB(t), nil, nil)
			if tt.checkpoint > 0 {
				require.NoError(t, sm.SaveCheckpoint(tt.checkpoint, common.HexToHash("0xaa"), pkgsyncstate.ModeBackfill))
			}

			start, err := sm.StartHeight(tt.configured)
			require.NoError(t, err)
			require.Equal(t, tt.want, start)
		})
	}
}

func TestSyncManager_WithMaintenance(t *testing.T) {
	database := setupTestDB(t)
	cfg := &config.MaintenanceConfig{WALCheckpointMode: "PASSIVE"}
	coordinator := db.NewMaintenanceCoordinator(filepath.Join(t.TempDir(), "unused.db"), database, cfg, nil)

	sm := NewSyncManager(database, nil, coordinator)
	require.NoError(t, sm.SaveCheckpoint(7, common.HexToHash("0x07"), pkgsyncstate.ModeLive))
	require.NoError(t, coordinator.RunMaintenance(t.Context()))

	last, err := sm.LastHeight()
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)
}
