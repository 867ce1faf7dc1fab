package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalcommon "github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/db"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/internal/metrics"
	"github.com/bz888/subql-cosmos/pkg/indexer"
	"github.com/bz888/subql-cosmos/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

const metricsDB = "block_store"

var _ indexer.Persister = (*BlockStore)(nil)

// BlockRow is one row of the blocks table.
type BlockRow struct {
	Height     uint64      `meddler:"height"`
	Hash       common.Hash `meddler:"hash,hash"`
	ParentHash common.Hash `meddler:"parent_hash,hash"`
	ChainID    string      `meddler:"chain_id"`
	// Time is the block time in unix nanoseconds.
	Time    int64  `meddler:"time"`
	Header  string `meddler:"header"`
	TxCount int    `meddler:"tx_count"`
}

// TransactionRow is one row of the transactions table.
type TransactionRow struct {
	Height    uint64      `meddler:"height"`
	TxIndex   int         `meddler:"tx_index"`
	Hash      common.Hash `meddler:"hash,hash"`
	Code      uint32      `meddler:"code"`
	Log       string      `meddler:"log"`
	GasWanted int64       `meddler:"gas_wanted"`
	GasUsed   int64       `meddler:"gas_used"`
	Raw       []byte      `meddler:"raw"`
}

// MessageRow is one row of the messages table. Payload holds the JSON of the decoded message.
type MessageRow struct {
	Height   uint64 `meddler:"height"`
	TxIndex  int    `meddler:"tx_index"`
	MsgIndex int    `meddler:"msg_index"`
	TypeURL  string `meddler:"type_url"`
	Payload  any    `meddler:"payload,json"`
}

// EventRow is one row of the events table. Block level events carry tx index -1.
type EventRow struct {
	Height     uint64            `meddler:"height"`
	TxIndex    int               `meddler:"tx_index"`
	EventIndex int               `meddler:"event_index"`
	Type       string            `meddler:"type"`
	Attributes []types.Attribute `meddler:"attributes,json"`
}

var tables = []string{"events", "messages", "transactions", "blocks"}

// BlockStore is the reference Persister writing decoded blocks into sqlite.
type BlockStore struct {
	db          *sql.DB
	log         *logger.Logger
	maintenance db.Maintenance
}

// NewBlockStore creates a store over the tables created by the block store migration.
func NewBlockStore(database *sql.DB, log *logger.Logger, maintenance db.Maintenance) *BlockStore {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if maintenance == nil {
		maintenance = &db.NoOpMaintenance{}
	}

	metrics.ComponentHealthSet(internalcommon.ComponentBlockStore, true)

	return &BlockStore{
		db:          database,
		log:         log.WithComponent(internalcommon.ComponentBlockStore),
		maintenance: maintenance,
	}
}

// Persist writes block and its transactions, messages and events in one transaction,
// replacing anything stored at the same height.
func (s *BlockStore) Persist(ctx context.Context, block *types.Block) (err error) {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	start := time.Now()
	metrics.DBQueryInc(metricsDB, "persist")
	defer func() {
		if err != nil {
			metrics.DBErrorsInc(metricsDB, "persist")
			metrics.ComponentHealthSet(internalcommon.ComponentBlockStore, false)
			return
		}
		metrics.DBQueryDuration(metricsDB, "persist", time.Since(start))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Errorw("failed to rollback transaction", "error", rbErr)
		}
	}()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE height = ?`, block.Height); err != nil {
			return fmt.Errorf("failed to clear %s at height %d: %w", table, block.Height, err)
		}
	}

	header := string(block.Header)
	if header == "" {
		header = "{}"
	}
	row := &BlockRow{
		Height:     block.Height,
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
		ChainID:    block.ChainID,
		Time:       block.Time.UnixNano(),
		Header:     header,
		TxCount:    len(block.Transactions),
	}
	if err := meddler.Insert(tx, "blocks", row); err != nil {
		return fmt.Errorf("failed to insert block %d: %w", block.Height, err)
	}

	for i, ev := range block.Events {
		if err := insertEvent(tx, block.Height, types.BlockLevelTxIndex, i, &ev); err != nil {
			return err
		}
	}

	for i := range block.Transactions {
		t := &block.Transactions[i]
		txRow := &TransactionRow{
			Height:    block.Height,
			TxIndex:   t.Index,
			Hash:      t.Hash,
			Code:      t.Code,
			Log:       t.Log,
			GasWanted: t.GasWanted,
			GasUsed:   t.GasUsed,
			Raw:       t.Raw,
		}
		if err := meddler.Insert(tx, "transactions", txRow); err != nil {
			return fmt.Errorf("failed to insert transaction %d/%d: %w", block.Height, t.Index, err)
		}

		for _, msg := range t.Messages {
			msgRow := &MessageRow{
				Height:   block.Height,
				TxIndex:  t.Index,
				MsgIndex: msg.Index,
				TypeURL:  msg.TypeURL,
				Payload:  msg.Payload,
			}
			if err := meddler.Insert(tx, "messages", msgRow); err != nil {
				return fmt.Errorf("failed to insert message %d/%d/%d: %w", block.Height, t.Index, msg.Index, err)
			}
		}

		for j, ev := range t.Events {
			if err := insertEvent(tx, block.Height, t.Index, j, &ev); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", block.Height, err)
	}

	s.log.Debugw("block persisted", "height", block.Height, "txs", len(block.Transactions))
	return nil
}

func insertEvent(tx *sql.Tx, height uint64, txIndex, eventIndex int, ev *types.Event) error {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = []types.Attribute{}
	}
	row := &EventRow{
		Height:     height,
		TxIndex:    txIndex,
		EventIndex: eventIndex,
		Type:       ev.Type,
		Attributes: attrs,
	}
	if err := meddler.Insert(tx, "events", row); err != nil {
		return fmt.Errorf("failed to insert event %d/%d/%d: %w", height, txIndex, eventIndex, err)
	}
	return nil
}

// Rewind deletes every row above height.
func (s *BlockStore) Rewind(ctx context.Context, height uint64) error {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc(metricsDB, "rewind")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.DBErrorsInc(metricsDB, "rewind")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorw("failed to rollback transaction", "error", err)
		}
	}()

	var deleted int64
	for _, table := range tables {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE height > ?`, height)
		if err != nil {
			metrics.DBErrorsInc(metricsDB, "rewind")
			return fmt.Errorf("failed to rewind %s: %w", table, err)
		}
		if table == "blocks" {
			deleted, _ = res.RowsAffected()
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.DBErrorsInc(metricsDB, "rewind")
		return fmt.Errorf("failed to commit rewind: %w", err)
	}

	s.log.Warnw("block store rewound", "height", height, "blocks_deleted", deleted)
	return nil
}

// Block returns the stored block row at height, or sql.ErrNoRows.
func (s *BlockStore) Block(ctx context.Context, height uint64) (*BlockRow, error) {
	var row BlockRow
	if err := meddler.QueryRow(s.db, &row, `SELECT * FROM blocks WHERE height = ?`, height); err != nil {
		return nil, err
	}
	return &row, nil
}

// LastHeight returns the highest stored height, 0 when empty.
func (s *BlockStore) LastHeight(ctx context.Context) (uint64, error) {
	var h sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&h); err != nil {
		return 0, fmt.Errorf("failed to query last stored height: %w", err)
	}
	return uint64(h.Int64), nil
}
