package storage

import "fmt"

// migrate creates the schema if it doesn't exist.
func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	db.logger.Debug("database migrations applied", "count", len(migrations))
	return nil
}

var migrations = []string{
	// Static feed metadata (last_modified, etag, checksum, imported_at)
	`CREATE TABLE IF NOT EXISTS feed_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	// Built static snapshots in their tagged JSON form
	`CREATE TABLE IF NOT EXISTS static_snapshots (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		checksum         TEXT NOT NULL,
		name             TEXT NOT NULL,
		static_timestamp INTEGER NOT NULL,
		json             BLOB NOT NULL,
		imported_at      TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_static_snapshots_checksum ON static_snapshots(checksum)`,
}
