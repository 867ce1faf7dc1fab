package syncstate

import (
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Mode is the synchronization mode recorded with each checkpoint.
type Mode string

const (
	// ModeBackfill is used while the indexer is behind the finalized head.
	ModeBackfill Mode = "backfill"
	// ModeLive is used once the indexer follows the head within the finalization depth.
	ModeLive Mode = "live"
)

// ErrChainMismatch is returned when a database holds the progress of another chain.
var ErrChainMismatch = errors.New("sync state belongs to another chain")

// SyncManager defines the interface for managing synchronization state and checkpoints.
// This abstraction allows for easier testing and alternative implementations.
type SyncManager interface {
	// GetState returns the current synchronization state.
	GetState() (*SyncState, error)

	// LastHeight returns the last height whose processing completed.
	LastHeight() (uint64, error)

	// SaveCheckpoint saves a checkpoint with the given height, hash and mode.
	SaveCheckpoint(height uint64, hash common.Hash, mode Mode) error

	// SetMode updates the synchronization mode.
	SetMode(mode Mode) error

	// Reset moves the checkpoint back to height, e.g. after a fork or for reindexing.
	Reset(height uint64) error

	// BindChain records chainID on first use and rejects any other chain afterwards.
	BindChain(chainID string) error

	// StartHeight returns the first height to dispatch: the configured start, or the height
	// after the checkpoint when it is further ahead.
	StartHeight(configured uint64) (uint64, error)

	// DB returns the database connection for use by other components.
	DB() *sql.DB
}

// SyncState represents the current synchronization state.
// Uses meddler tags for automatic struct-to-db mapping.
type SyncState struct {
	ID            int         `meddler:"id,pk" json:"-"`
	LastHeight    uint64      `meddler:"last_height" json:"last_height"`
	LastHash      common.Hash `meddler:"last_hash,hash" json:"last_hash"`
	LastTimestamp int64       `meddler:"last_timestamp" json:"last_timestamp"`
	Mode          string      `meddler:"mode" json:"mode"`
	ChainID       string      `meddler:"chain_id" json:"chain_id"`
}

// GetMode returns the Mode as a Mode type.
func (s *SyncState) GetMode() Mode {
	return Mode(s.Mode)
}
