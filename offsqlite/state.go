// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
)

const stateKeyLastSync = "last_sync"

// State persists the small amount of sync bookkeeping that must survive restarts
type State struct {
	db *sql.DB
}

// NewState creates a state store over db, creating the offline tables if needed
func NewState(db *sql.DB) (*State, error) {
	if err := initializeDatabase(db); err != nil {
		return nil, err
	}
	return &State{db: db}, nil
}

// LastSync returns the time of the last fully successful sync, or nil if none
func (s *State) LastSync(ctx context.Context) (*time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _sync_state WHERE key = ?`, stateKeyLastSync).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &offsync.StorageError{Op: "read last sync", Err: err}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, &offsync.StorageError{Op: "parse last sync", Err: err}
	}
	t := fromUnixNano(n)
	return &t, nil
}

// SetLastSync records t as the last fully successful sync
func (s *State) SetLastSync(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		stateKeyLastSync, strconv.FormatInt(toUnixNano(t), 10))
	if err != nil {
		return &offsync.StorageError{Op: "write last sync", Err: err}
	}
	return nil
}
