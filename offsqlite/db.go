// Package offsqlite provides the SQLite-backed durable stores of the offline
// layer: the local structured cache, the pending-action queue and the small
// key/value sync state (last successful sync).
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the SQLite database at path and initializes the
// offline tables. A single connection is used so that ":memory:" databases are
// shared by every store and writes are naturally serialized.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// initializeDatabase creates the offline metadata tables
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Pending mutations, append-only until pruned. seq gives FIFO order.
		`CREATE TABLE IF NOT EXISTS _sync_pending_actions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			type        TEXT NOT NULL CHECK (type IN ('create','update','delete')),
			table_name  TEXT NOT NULL,
			payload     TEXT,                        -- JSON object (may be NULL for delete)
			queued_at   INTEGER NOT NULL,            -- unix nanoseconds
			synced      INTEGER NOT NULL DEFAULT 0,
			conflict    INTEGER NOT NULL DEFAULT 0,  -- rejected by the remote, held until retried or discarded
			last_error  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_pending_actions_unsynced
			ON _sync_pending_actions (synced, table_name, seq)`,

		// Read-mostly snapshots of remote records, replaced per table.
		`CREATE TABLE IF NOT EXISTS _cache_entities (
			table_name  TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			payload     TEXT NOT NULL,
			cached_at   INTEGER NOT NULL,            -- unix nanoseconds
			PRIMARY KEY (table_name, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entities_cached_at
			ON _cache_entities (cached_at)`,

		`CREATE TABLE IF NOT EXISTS _sync_state (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		)`,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create offline table: %w", err)
		}
	}
	return migrateConflictColumn(db)
}

// migrateConflictColumn adds the conflict flag to queues created before it existed
func migrateConflictColumn(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('_sync_pending_actions') WHERE name = 'conflict'`).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect pending action table: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE _sync_pending_actions ADD COLUMN conflict INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("failed to add conflict column: %w", err)
	}
	return nil
}

func toUnixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
