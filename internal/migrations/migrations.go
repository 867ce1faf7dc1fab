package migrations

import (
	_ "embed"
	"fmt"

	"github.com/bz888/subql-cosmos/internal/db"
	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
)

//go:embed 001_sync_state.sql
var mig001 string

//go:embed 002_unfinalized_blocks.sql
var mig002 string

//go:embed 003_block_store.sql
var mig003 string

// All returns every migration in the order it must be applied.
func All() []db.Migration {
	return []db.Migration{
		{ID: "001_sync_state.sql", SQL: mig001},
		{ID: "002_unfinalized_blocks.sql", SQL: mig002},
		{ID: "003_block_store.sql", SQL: mig003},
	}
}

// RunMigrations applies all pending migrations to the database described by cfg.
func RunMigrations(cfg config.DatabaseConfig) error {
	database, err := db.NewSQLiteDBFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	return db.RunMigrationsDB(logger.GetDefaultLogger(), database, All())
}
