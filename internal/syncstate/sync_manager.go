package syncstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalcommon "github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/db"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/metrics"
	pkgsyncstate "github.com/bz888/subql-cosmos/pkg/syncstate"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

const tableName = "sync_state"

// Compile-time check to ensure SyncManager implements pkgsyncstate.SyncManager interface.
var _ pkgsyncstate.SyncManager = (*SyncManager)(nil)

// SyncManager persists the checkpoint of the last processed height in the single
// sync_state row.
type SyncManager struct {
	db                     *sql.DB
	log                    *logger.Logger
	maintenanceCoordinator db.Maintenance
}

// SyncState is a type alias for the public SyncState type.
type SyncState = pkgsyncstate.SyncState

// NewSyncManager creates a new SyncManager instance.
func NewSyncManager(database *sql.DB, log *logger.Logger, maintenanceCoordinator db.Maintenance) *SyncManager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if maintenanceCoordinator == nil {
		maintenanceCoordinator = &db.NoOpMaintenance{}
	}

	sm := &SyncManager{
		db:                     database,
		log:                    log.WithComponent(internalcommon.ComponentSyncManager),
		maintenanceCoordinator: maintenanceCoordinator,
	}
	sm.log.Info("sync manager initialized")
	return sm
}

// GetState returns the current synchronization state.
func (sm *SyncManager) GetState() (*SyncState, error) {
	unlock := sm.maintenanceCoordinator.AcquireOperationLock()
	defer unlock()

	return sm.getState(sm.db)
}

func (sm *SyncManager) getState(q meddler.DB) (*SyncState, error) {
	start := time.Now()
	metrics.DBQueryInc(tableName, "get")

	var state SyncState
	if err := meddler.QueryRow(q, &state, `SELECT * FROM sync_state WHERE id = 1`); err != nil {
		metrics.DBErrorsInc(tableName, "get")
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	metrics.DBQueryDuration(tableName, "get", time.Since(start))

	return &state, nil
}

// LastHeight returns the last height whose processing completed.
func (sm *SyncManager) LastHeight() (uint64, error) {
	state, err := sm.GetState()
	if err != nil {
		return 0, err
	}
	return state.LastHeight, nil
}

// SaveCheckpoint saves a checkpoint with the given height, hash and mode. The bound chain
// is preserved.
func (sm *SyncManager) SaveCheckpoint(height uint64, hash common.Hash, mode pkgsyncstate.Mode) error {
	return sm.update("checkpoint", func(state *SyncState) {
		state.LastHeight = height
		state.LastHash = hash
		state.LastTimestamp = time.Now().Unix()
		state.Mode = string(mode)
	}, func() {
		sm.log.Debugw("saved checkpoint",
			"height", height,
			"hash", types.HashString(hash),
			"mode", mode,
		)
	})
}

// SetMode updates the synchronization mode.
func (sm *SyncManager) SetMode(mode pkgsyncstate.Mode) error {
	return sm.update("set_mode", func(state *SyncState) {
		state.Mode = string(mode)
	}, func() {
		sm.log.Infow("sync mode updated", "mode", mode)
	})
}

// Reset moves the checkpoint back to height and clears its hash. The mode returns to
// backfill.
func (sm *SyncManager) Reset(height uint64) error {
	return sm.update("reset", func(state *SyncState) {
		state.LastHeight = height
		state.LastHash = common.Hash{}
		state.LastTimestamp = time.Now().Unix()
		state.Mode = string(pkgsyncstate.ModeBackfill)
	}, func() {
		sm.log.Warnw("sync state reset", "height", height, "mode", pkgsyncstate.ModeBackfill)
	})
}

// BindChain records chainID on first use. A database already bound to another chain
// returns ErrChainMismatch.
func (sm *SyncManager) BindChain(chainID string) error {
	var bindErr error
	err := sm.update("bind_chain", func(state *SyncState) {
		switch state.ChainID {
		case chainID:
		case "":
			state.ChainID = chainID
		default:
			bindErr = fmt.Errorf("%w: database holds %q, network reports %q",
				pkgsyncstate.ErrChainMismatch, state.ChainID, chainID)
		}
	}, func() {
		sm.log.Infow("sync state bound to chain", "chain_id", chainID)
	})
	if bindErr != nil {
		return bindErr
	}
	return err
}

// StartHeight returns the first height to dispatch.
func (sm *SyncManager) StartHeight(configured uint64) (uint64, error) {
	last, err := sm.LastHeight()
	if err != nil {
		return 0, err
	}
	if configured == 0 {
		configured = 1
	}
	if last+1 > configured {
		sm.log.Infow("resuming from checkpoint", "last_height", last, "configured_start", configured)
		return last + 1, nil
	}
	return configured, nil
}

// Close closes the database connection.
func (sm *SyncManager) Close() error {
	return sm.db.Close()
}

// DB returns the database connection for use by other components.
func (sm *SyncManager) DB() *sql.DB {
	return sm.db
}

// update applies change to the state row in one transaction. done runs after a commit.
func (sm *SyncManager) update(op string, change func(*SyncState), done func()) error {
	unlock := sm.maintenanceCoordinator.AcquireOperationLock()
	defer unlock()

	start := time.Now()
	metrics.DBQueryInc(tableName, op)

	tx, err := sm.db.Begin()
	if err != nil {
		metrics.DBErrorsInc(tableName, op)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			sm.log.Errorw("failed to rollback transaction", "error", err)
		}
	}()

	state, err := sm.getState(tx)
	if err != nil {
		metrics.DBErrorsInc(tableName, op)
		return err
	}

	before := *state
	change(state)
	if *state == before {
		return nil
	}

	state.ID = 1
	if err := meddler.Update(tx, tableName, state); err != nil {
		metrics.DBErrorsInc(tableName, op)
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		metrics.DBErrorsInc(tableName, op)
		return fmt.Errorf("failed to commit sync state: %w", err)
	}

	metrics.DBQueryDuration(tableName, op, time.Since(start))
	done()
	return nil
}
