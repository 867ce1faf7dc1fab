package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
)

// Maintenance runs WAL checkpoints and VACUUM while keeping writers out.
type Maintenance interface {
	// Start begins background maintenance if enabled.
	Start(ctx context.Context) error
	// Stop stops background maintenance and waits for completion.
	Stop() error
	// AcquireOperationLock acquires a shared lock for a database write. The returned
	// function releases it.
	AcquireOperationLock() func()
	// RunMaintenance performs one maintenance pass.
	RunMaintenance(ctx context.Context) error
	// GetMetrics returns current maintenance metrics.
	GetMetrics() MaintenanceMetrics
}

// MaintenanceMetrics provides visibility into maintenance operations.
type MaintenanceMetrics struct {
	LastMaintenanceTime  time.Time
	MaintenanceCount     uint64
	LastMaintenanceError error
}

// NoOpMaintenance is used when maintenance is not configured.
type NoOpMaintenance struct{}

func (m *NoOpMaintenance) Start(context.Context) error          { return nil }
func (m *NoOpMaintenance) Stop() error                          { return nil }
func (m *NoOpMaintenance) RunMaintenance(context.Context) error { return nil }
func (m *NoOpMaintenance) AcquireOperationLock() func()         { return func() {} }
func (m *NoOpMaintenance) GetMetrics() MaintenanceMetrics       { return MaintenanceMetrics{} }

var _ Maintenance = (*NoOpMaintenance)(nil)
var _ Maintenance = (*MaintenanceCoordinator)(nil)

// MaintenanceCoordinator coordinates maintenance with the components writing to one
// database. Writers hold the read side of opLock, maintenance takes the write side.
type MaintenanceCoordinator struct {
	db     *sql.DB
	config config.MaintenanceConfig
	dbPath string
	log    *logger.Logger

	opLock sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsLock sync.Mutex
	metrics     MaintenanceMetrics
}

// NewMaintenanceCoordinator returns a coordinator for db, or a no-op when cfg is nil.
func NewMaintenanceCoordinator(dbPath string, db *sql.DB, cfg *config.MaintenanceConfig, log *logger.Logger) Maintenance {
	if cfg == nil {
		return &NoOpMaintenance{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &MaintenanceCoordinator{
		db:     db,
		config: *cfg,
		dbPath: dbPath,
		log:    log.WithComponent(common.ComponentBlockStore),
	}
}

// Start begins background maintenance if enabled.
func (m *MaintenanceCoordinator) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.log.Info("background maintenance is disabled")
		return nil
	}

	ctx, m.cancel = context.WithCancel(ctx)

	if m.config.VacuumOnStartup {
		if err := m.RunMaintenance(ctx); err != nil {
			m.log.Warnw("startup maintenance failed", "error", err)
		}
	}

	m.wg.Add(1)
	go m.worker(ctx, m.config.CheckInterval.Duration)

	m.log.Infow("background maintenance started",
		"interval", m.config.CheckInterval.Duration,
		"checkpoint_mode", m.config.WALCheckpointMode,
	)
	return nil
}

// Stop stops background maintenance and waits for completion.
func (m *MaintenanceCoordinator) Stop() error {
	if m.cancel == nil {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	m.log.Info("background maintenance stopped")
	return nil
}

func (m *MaintenanceCoordinator) worker(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunMaintenance(ctx); err != nil {
				m.log.Warnw("periodic maintenance failed", "error", err)
			}
		}
	}
}

// RunMaintenance checkpoints the WAL and vacuums, holding every writer off.
func (m *MaintenanceCoordinator) RunMaintenance(ctx context.Context) error {
	start := time.Now()
	MaintenanceRunsInc()

	m.opLock.Lock()
	defer m.opLock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	initialSize, err := DBTotalSize(m.dbPath)
	if err != nil {
		m.log.Warnw("failed to get initial db size", "error", err)
	}

	var errs []error
	if err := m.walCheckpoint(); err != nil {
		errs = append(errs, fmt.Errorf("wal checkpoint: %w", err))
	}
	if err := Vacuum(m.db); err != nil {
		errs = append(errs, err)
	}
	maintenanceErr := errors.Join(errs...)

	finalSize, err := DBTotalSize(m.dbPath)
	if err != nil {
		m.log.Warnw("failed to get final db size", "error", err)
	}

	duration := time.Since(start)
	m.metricsLock.Lock()
	m.metrics.LastMaintenanceTime = time.Now().UTC()
	m.metrics.MaintenanceCount++
	m.metrics.LastMaintenanceError = maintenanceErr
	m.metricsLock.Unlock()

	MaintenanceDurationLog(duration)
	MaintenanceLastRunLog()
	DBSizeLog(finalSize)

	if maintenanceErr != nil {
		MaintenanceErrorInc()
		m.log.Warnw("maintenance completed with errors", "duration", duration, "error", maintenanceErr)
		return maintenanceErr
	}

	MaintenanceSuccessInc()
	if initialSize > finalSize {
		reclaimed := uint64(initialSize - finalSize)
		MaintenanceSpaceReclaimedLog(reclaimed)
		m.log.Infow("maintenance completed", "duration", duration, "reclaimed_mb", common.BytesToMB(reclaimed))
	} else {
		m.log.Infow("maintenance completed", "duration", duration)
	}
	return nil
}

func (m *MaintenanceCoordinator) walCheckpoint() error {
	var mode string
	if err := m.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("failed to check journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return nil
	}

	var busy, logFrames, checkpointed int
	query := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", m.config.WALCheckpointMode)
	if err := m.db.QueryRow(query).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("failed to execute wal checkpoint: %w", err)
	}

	WALCheckpointInc(strings.ToLower(m.config.WALCheckpointMode))
	m.log.Debugw("wal checkpoint",
		"mode", m.config.WALCheckpointMode,
		"busy", busy,
		"log_frames", logFrames,
		"checkpointed", checkpointed,
	)
	return nil
}

// AcquireOperationLock acquires the shared side of the operation lock.
func (m *MaintenanceCoordinator) AcquireOperationLock() func() {
	m.opLock.RLock()
	return m.opLock.RUnlock
}

// GetMetrics returns current maintenance metrics.
func (m *MaintenanceCoordinator) GetMetrics() MaintenanceMetrics {
	m.metricsLock.Lock()
	defer m.metricsLock.Unlock()
	return m.metrics
}
