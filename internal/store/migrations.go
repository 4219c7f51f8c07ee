package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"organon/internal/logging"
)

// Schema versions:
// v1: coupling_snapshots, turns and epochs tables
// v2: turns.category and turns.emitted
const CurrentSchemaVersion = 2

// MigrationResult describes one RunMigrations call.
type MigrationResult struct {
	FromVersion  int
	ToVersion    int
	ColumnsAdded int
	BackupPath   string
	Duration     time.Duration
}

// Migration adds one column to an existing table.
type Migration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

// pendingMigrations is applied in order. A database created by an older
// build has the v1 tables without these columns.
var pendingMigrations = []Migration{
	{2, "turns", "category", "TEXT NOT NULL DEFAULT ''"},
	{2, "turns", "emitted", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations brings the history schema up to CurrentSchemaVersion. When
// backupPath is not empty and the database predates the current version, a
// copy is written there first.
func RunMigrations(ctx context.Context, db *sql.DB, backupPath string) (*MigrationResult, error) {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	from := GetSchemaVersion(ctx, db)
	result := &MigrationResult{FromVersion: from, ToVersion: from}
	if from >= CurrentSchemaVersion {
		logging.StoreDebug("history schema at v%d, nothing to migrate", from)
		return result, nil
	}

	if from > 0 && backupPath != "" {
		if err := CreateBackup(ctx, db, backupPath); err != nil {
			return result, err
		}
		result.BackupPath = backupPath
	}

	for _, m := range pendingMigrations {
		if m.Version <= from {
			continue
		}
		if !tableExists(ctx, db, m.Table) {
			return result, fmt.Errorf("migration v%d: table %s missing", m.Version, m.Table)
		}
		if columnExists(ctx, db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return result, fmt.Errorf("migration v%d: add %s.%s: %w", m.Version, m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		result.ColumnsAdded++
	}

	if err := SetSchemaVersion(ctx, db, CurrentSchemaVersion); err != nil {
		return result, err
	}
	result.ToVersion = CurrentSchemaVersion
	result.Duration = time.Since(start)
	logging.Store("history schema migrated v%d -> v%d (%d columns)", from, result.ToVersion, result.ColumnsAdded)
	return result, nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(ctx context.Context, db *sql.DB, table, column string) bool {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(ctx context.Context, db *sql.DB, table string) bool {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	if err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, inferring it from
// the table layout when no version was recorded. 0 means an empty database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) int {
	if tableExists(ctx, db, "schema_versions") {
		var version int
		err := db.QueryRowContext(ctx, "SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1").Scan(&version)
		if err == nil {
			return version
		}
	}
	return inferSchemaVersion(ctx, db)
}

func inferSchemaVersion(ctx context.Context, db *sql.DB) int {
	if !tableExists(ctx, db, "turns") {
		return 0
	}
	if columnExists(ctx, db, "turns", "emitted") {
		return 2
	}
	return 1
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL,
			description TEXT
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO schema_versions (version, applied_at, description) VALUES (?, ?, ?)",
		version, formatTime(time.Now().UTC()), fmt.Sprintf("Migrated to schema version %d", version))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// CreateBackup writes a consistent copy of the database to path.
func CreateBackup(ctx context.Context, db *sql.DB, path string) error {
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to back up history: %w", err)
	}
	logging.Store("history backup written to %s", path)
	return nil
}
