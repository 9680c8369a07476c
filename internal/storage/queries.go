package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// keepSnapshots is how many static snapshots survive a save.
const keepSnapshots = 3

// GetMetadata retrieves a value from the feed_metadata table.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM feed_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a key-value pair in the feed_metadata table.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`,
		key, value)
	return err
}

// StaticSnapshot is a stored static build.
type StaticSnapshot struct {
	Checksum        string
	Name            string
	StaticTimestamp int64
	JSON            []byte
	ImportedAt      string
}

// SaveStaticSnapshot stores a build and prunes all but the newest few.
func (db *DB) SaveStaticSnapshot(ctx context.Context, s StaticSnapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO static_snapshots (checksum, name, static_timestamp, json) VALUES (?, ?, ?, ?)`,
		s.Checksum, s.Name, s.StaticTimestamp, s.JSON); err != nil {
		return fmt.Errorf("insert static snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM static_snapshots WHERE id NOT IN (
			SELECT id FROM static_snapshots ORDER BY id DESC LIMIT ?
		)`, keepSnapshots); err != nil {
		return fmt.Errorf("prune static snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES ('checksum', ?)`, s.Checksum); err != nil {
		return fmt.Errorf("store checksum: %w", err)
	}
	return tx.Commit()
}

// LatestStaticSnapshot returns the newest stored build, or nil if there is none.
func (db *DB) LatestStaticSnapshot(ctx context.Context) (*StaticSnapshot, error) {
	var s StaticSnapshot
	err := db.QueryRowContext(ctx, `
		SELECT checksum, name, static_timestamp, json, imported_at
		FROM static_snapshots
		ORDER BY id DESC
		LIMIT 1`).Scan(&s.Checksum, &s.Name, &s.StaticTimestamp, &s.JSON, &s.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest static snapshot: %w", err)
	}
	return &s, nil
}
