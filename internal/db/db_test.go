package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/russross/meddler"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, journal string) (*sql.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "blocks.db")
	dbConfig := config.DatabaseConfig{Path: dbPath, JournalMode: journal}
	dbConfig.ApplyDefaults()

	sqlDB, err := NewSQLiteDBFromConfig(dbConfig)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return sqlDB, dbPath
}

// fillBlocks writes count rows with a 4KiB header each.
func fillBlocks(t *testing.T, sqlDB *sql.DB, count int) {
	t.Helper()

	_, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS blocks (height INTEGER PRIMARY KEY, header TEXT NOT NULL)`)
	require.NoError(t, err)

	header := strings.Repeat("h", 4096)
	tx, err := sqlDB.Begin()
	require.NoError(t, err)
	for h := 1; h <= count; h++ {
		_, err = tx.Exec(`INSERT INTO blocks (height, header) VALUES (?, ?)`, h, header)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestNewSQLiteDBFromConfig_JournalMode(t *testing.T) {
	for _, journal := range []string{"WAL", "TRUNCATE"} {
		t.Run(journal, func(t *testing.T) {
			sqlDB, _ := openTestDB(t, journal)

			var mode string
			require.NoError(t, sqlDB.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
			require.Equal(t, strings.ToLower(journal), strings.ToLower(mode))
		})
	}
}

func TestVacuum_ReclaimsDeletedBlocks(t *testing.T) {
	sqlDB, dbPath := openTestDB(t, "TRUNCATE")
	fillBlocks(t, sqlDB, 500)

	_, err := sqlDB.Exec(`DELETE FROM blocks WHERE height > 50`)
	require.NoError(t, err)

	before, err := DBTotalSize(dbPath)
	require.NoError(t, err)

	runs := testutil.ToFloat64(vacuumRuns)
	require.NoError(t, Vacuum(sqlDB))
	require.Equal(t, runs+1, testutil.ToFloat64(vacuumRuns))

	after, err := DBTotalSize(dbPath)
	require.NoError(t, err)
	require.Less(t, after, before)

	var remaining int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM blocks`).Scan(&remaining))
	require.Equal(t, 50, remaining)
}

func TestVacuum_ClosedDatabase(t *testing.T) {
	sqlDB, _ := openTestDB(t, "WAL")
	require.NoError(t, sqlDB.Close())

	runs := testutil.ToFloat64(vacuumRuns)
	require.ErrorContains(t, Vacuum(sqlDB), "vacuum failed")
	require.Equal(t, runs, testutil.ToFloat64(vacuumRuns))
}

func TestDBTotalSize(t *testing.T) {
	t.Run("counts wal companions", func(t *testing.T) {
		sqlDB, dbPath := openTestDB(t, "WAL")
		fillBlocks(t, sqlDB, 20)

		wal, err := os.Stat(dbPath + "-wal")
		require.NoError(t, err)
		require.Positive(t, wal.Size())

		dbFile, err := os.Stat(dbPath)
		require.NoError(t, err)

		expected := dbFile.Size() + wal.Size()
		if shm, err := os.Stat(dbPath + "-shm"); err == nil {
			expected += shm.Size()
		}

		size, err := DBTotalSize(dbPath)
		require.NoError(t, err)
		require.Equal(t, expected, size)
	})

	t.Run("missing files count as zero", func(t *testing.T) {
		size, err := DBTotalSize(filepath.Join(t.TempDir(), "absent.db"))
		require.NoError(t, err)
		require.Zero(t, size)
	})

	t.Run("stat error", func(t *testing.T) {
		notDir := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))

		_, err := DBTotalSize(filepath.Join(notDir, "blocks.db"))
		require.Error(t, err)
	})
}

func TestHashMeddler(t *testing.T) {
	sqlDB, _ := openTestDB(t, "WAL")
	_, err := sqlDB.Exec(`CREATE TABLE hashes (id INTEGER PRIMARY KEY, hash TEXT, parent TEXT)`)
	require.NoError(t, err)

	type row struct {
		ID     int64        `meddler:"id,pk"`
		Hash   common.Hash  `meddler:"hash,hash"`
		Parent *common.Hash `meddler:"parent,hash"`
	}

	hash := common.HexToHash("0xab12")
	require.NoError(t, meddler.Insert(sqlDB, "hashes", &row{Hash: hash}))

	var stored string
	require.NoError(t, sqlDB.QueryRow(`SELECT hash FROM hashes WHERE id = 1`).Scan(&stored))
	require.Equal(t, strings.ToUpper(strings.TrimPrefix(hash.Hex(), "0x")), stored)

	var got row
	require.NoError(t, meddler.Load(sqlDB, "hashes", &got, 1))
	require.Equal(t, hash, got.Hash)
	require.Nil(t, got.Parent)

	_, err = sqlDB.Exec(`UPDATE hashes SET hash = 'zz' WHERE id = 1`)
	require.NoError(t, err)
	require.ErrorContains(t, meddler.Load(sqlDB, "hashes", &got, 1), "invalid hash")
}
