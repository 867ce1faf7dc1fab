package unfinalized

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	internalcommon "github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/db"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/metrics"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

const tableName = "unfinalized_blocks"

// HashSource returns the canonical hash of a height. The connection pool implements it.
type HashSource interface {
	BlockHash(ctx context.Context, height uint64) (common.Hash, error)
}

// RecordedBlock is one row of the unfinalized tail.
type RecordedBlock struct {
	Height     uint64      `meddler:"height"`
	Hash       common.Hash `meddler:"hash,hash"`
	ParentHash common.Hash `meddler:"parent_hash,hash"`
}

// Tracker records the hashes of blocks within the finalization depth of the head and
// detects blocks that do not extend them.
type Tracker struct {
	db          *sql.DB
	hashes      HashSource
	depth       uint64
	log         *logger.Logger
	maintenance db.Maintenance
}

// NewTracker creates a tracker over the unfinalized_blocks table of database.
func NewTracker(
	database *sql.DB,
	hashes HashSource,
	depth uint64,
	log *logger.Logger,
	maintenance db.Maintenance,
) *Tracker {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if maintenance == nil {
		maintenance = &db.NoOpMaintenance{}
	}

	metrics.ComponentHealthSet(internalcommon.ComponentUnfinalized, true)

	return &Tracker{
		db:          database,
		hashes:      hashes,
		depth:       depth,
		log:         log.WithComponent(internalcommon.ComponentUnfinalized),
		maintenance: maintenance,
	}
}

// Depth returns the finalization depth.
func (t *Tracker) Depth() uint64 {
	return t.depth
}

// Finalized returns the highest height considered final for head.
func (t *Tracker) Finalized(head uint64) uint64 {
	if head <= t.depth {
		return 0
	}
	return head - t.depth
}

// Check validates that block extends the recorded tail and records it. Blocks at or below
// the finalized height only prune the tail. A block whose parent hash differs from the
// recorded hash at height-1 yields a *ForkDetectedError; the tail above the fork point is
// dropped before returning so the re-fetched blocks are checked against the new branch.
// When height-1 was never fetched the nearest recorded block must still be canonical.
func (t *Tracker) Check(ctx context.Context, block *types.Block, head uint64) error {
	unlock := t.maintenance.AcquireOperationLock()
	defer unlock()

	finalized := t.Finalized(head)
	if block.Height <= finalized {
		return t.prune(finalized)
	}

	prev, err := t.recordedBelow(block.Height)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to load recorded block below %d: %w", block.Height, err)
	case prev.Height == block.Height-1:
		if prev.Hash != block.ParentHash {
			t.log.Warnw("block does not extend recorded tail",
				"height", block.Height,
				"parent_hash", types.HashString(block.ParentHash),
				"recorded_hash", types.HashString(prev.Hash),
			)
			return t.fork(ctx, block)
		}
	default:
		// heights between prev and block were not fetched, so prev is checked against the
		// canonical chain instead of the parent hash
		canonical, err := t.hashes.BlockHash(ctx, prev.Height)
		if err != nil {
			return fmt.Errorf("failed to resolve canonical hash at %d: %w", prev.Height, err)
		}
		if canonical != prev.Hash {
			t.log.Warnw("recorded tail is no longer canonical",
				"height", block.Height,
				"recorded_height", prev.Height,
				"recorded_hash", types.HashString(prev.Hash),
				"canonical_hash", types.HashString(canonical),
			)
			return t.fork(ctx, block)
		}
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.log.Errorw("failed to rollback transaction", "error", err)
		}
	}()

	if _, err := tx.Exec(`DELETE FROM unfinalized_blocks WHERE height >= ?`, block.Height); err != nil {
		return fmt.Errorf("failed to clear height %d: %w", block.Height, err)
	}
	row := &RecordedBlock{Height: block.Height, Hash: block.Hash, ParentHash: block.ParentHash}
	if err := meddler.Insert(tx, tableName, row); err != nil {
		return fmt.Errorf("failed to record block %d: %w", block.Height, err)
	}
	if _, err := tx.Exec(`DELETE FROM unfinalized_blocks WHERE height <= ?`, finalized); err != nil {
		return fmt.Errorf("failed to prune finalized blocks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	t.updateGauge()
	return nil
}

// fork walks the recorded tail down from block.Height-1 until a recorded hash agrees with
// the canonical chain. The fork point is the height above it, or the lowest recorded height
// when nothing agrees.
func (t *Tracker) fork(ctx context.Context, block *types.Block) error {
	var rows []*RecordedBlock
	err := meddler.QueryAll(t.db, &rows,
		`SELECT * FROM unfinalized_blocks WHERE height < ? ORDER BY height DESC`, block.Height)
	if err != nil {
		return fmt.Errorf("failed to load recorded tail: %w", err)
	}

	forkHeight := block.Height
	for _, row := range rows {
		canonical, err := t.hashes.BlockHash(ctx, row.Height)
		if err != nil {
			return fmt.Errorf("failed to resolve canonical hash at %d: %w", row.Height, err)
		}
		if canonical == row.Hash {
			break
		}
		forkHeight = row.Height
	}

	res, err := t.db.Exec(`DELETE FROM unfinalized_blocks WHERE height >= ?`, forkHeight)
	if err != nil {
		return fmt.Errorf("failed to discard forked blocks: %w", err)
	}

	discarded, _ := res.RowsAffected()
	ForkDetectedLog(uint64(discarded))
	t.updateGauge()

	t.log.Warnw("fork detected",
		"fork_height", forkHeight,
		"block_height", block.Height,
		"discarded", discarded,
	)

	return NewForkError(forkHeight, fmt.Sprintf("block %d parent %s does not match recorded tail",
		block.Height, types.HashString(block.ParentHash)))
}

// Prune drops every recorded block at or below finalized.
func (t *Tracker) Prune(finalized uint64) error {
	unlock := t.maintenance.AcquireOperationLock()
	defer unlock()

	return t.prune(finalized)
}

func (t *Tracker) prune(finalized uint64) error {
	res, err := t.db.Exec(`DELETE FROM unfinalized_blocks WHERE height <= ?`, finalized)
	if err != nil {
		return fmt.Errorf("failed to prune finalized blocks: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		t.log.Debugw("pruned finalized blocks", "finalized", finalized, "deleted", n)
		t.updateGauge()
	}
	return nil
}

// Rewind drops every recorded block above height.
func (t *Tracker) Rewind(height uint64) error {
	unlock := t.maintenance.AcquireOperationLock()
	defer unlock()

	res, err := t.db.Exec(`DELETE FROM unfinalized_blocks WHERE height > ?`, height)
	if err != nil {
		return fmt.Errorf("failed to rewind unfinalized blocks: %w", err)
	}

	n, _ := res.RowsAffected()
	t.log.Infow("rewound unfinalized blocks", "height", height, "deleted", n)
	t.updateGauge()
	return nil
}

// Recorded returns the recorded block at height, or sql.ErrNoRows.
func (t *Tracker) Recorded(height uint64) (*RecordedBlock, error) {
	var row RecordedBlock
	if err := meddler.QueryRow(t.db, &row, `SELECT * FROM unfinalized_blocks WHERE height = ?`, height); err != nil {
		return nil, err
	}
	return &row, nil
}

// recordedBelow returns the highest recorded block below height, or sql.ErrNoRows.
func (t *Tracker) recordedBelow(height uint64) (*RecordedBlock, error) {
	var row RecordedBlock
	err := meddler.QueryRow(t.db, &row,
		`SELECT * FROM unfinalized_blocks WHERE height < ? ORDER BY height DESC LIMIT 1`, height)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (t *Tracker) updateGauge() {
	var n int64
	if err := t.db.QueryRow(`SELECT COUNT(*) FROM unfinalized_blocks`).Scan(&n); err != nil {
		t.log.Debugw("failed to count unfinalized blocks", "error", err)
		return
	}
	TrackedBlocksSet(n)
}
