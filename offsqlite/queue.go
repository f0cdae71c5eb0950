// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-offsync/offsync"
)

// Queue is the durable FIFO of mutations attempted while offline. Synced
// actions stay in storage (excluded from List) until Prune removes them.
type Queue struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serializes read-modify-write of the queue table
	now     func() time.Time
	newID   func() string
}

// NewQueue creates a queue over db, creating the offline tables if needed
func NewQueue(db *sql.DB, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, err
	}
	return &Queue{
		db:     db,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}, nil
}

// Enqueue validates data against the table's payload type, appends a new
// pending action and returns its synthetic id. For creates without data.id the
// synthetic id is written into the payload so the record can be rendered
// optimistically. Update and delete payloads must carry data.id.
func (q *Queue) Enqueue(ctx context.Context, typ offsync.ActionType, table string, data json.RawMessage) (string, error) {
	table = strings.ToLower(table)
	if _, err := offsync.DecodePayload(table, typ, data); err != nil {
		return "", err
	}

	id := q.newID()
	switch typ {
	case offsync.ActionCreate:
		withID, err := offsync.SetID(data, id, true)
		if err != nil {
			return "", err
		}
		data = withID
	default:
		if _, ok := offsync.ExtractID(data); !ok {
			return "", fmt.Errorf("%w: %s %s requires data.id", offsync.ErrBadPayload, typ, table)
		}
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &offsync.StorageError{Op: "enqueue begin", Err: err}
	}
	defer tx.Rollback()

	var payload sql.NullString
	if len(data) > 0 {
		payload = sql.NullString{String: string(data), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_pending_actions (id, type, table_name, payload, queued_at, synced)
		VALUES (?, ?, ?, ?, ?, 0)`,
		id, string(typ), table, payload, toUnixNano(q.now())); err != nil {
		return "", &offsync.StorageError{Op: "enqueue insert", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &offsync.StorageError{Op: "enqueue commit", Err: err}
	}

	q.logger.Debug("Queued pending action", "action_id", id, "type", typ, "table", table)
	return id, nil
}

// List returns unsynced actions oldest first, restricted to table when it is
// not empty. Storage failures are logged and yield an empty list.
func (q *Queue) List(ctx context.Context, table string) []offsync.PendingAction {
	actions, err := q.Pending(ctx, table)
	if err != nil {
		q.logger.Warn("Pending action list failed", "table", table, "error", err)
		return []offsync.PendingAction{}
	}
	return actions
}

// Pending is List with the storage error reported to the caller
func (q *Queue) Pending(ctx context.Context, table string) ([]offsync.PendingAction, error) {
	query := `
		SELECT seq, id, type, table_name, payload, queued_at, synced, conflict, last_error
		FROM _sync_pending_actions
		WHERE synced = 0`
	var args []any
	if table != "" {
		query += ` AND table_name = ?`
		args = append(args, strings.ToLower(table))
	}
	query += ` ORDER BY seq`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &offsync.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	out := []offsync.PendingAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, &offsync.StorageError{Op: "list scan", Err: err}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &offsync.StorageError{Op: "list", Err: err}
	}
	return out, nil
}

// Get returns a single action by id, synced or not
func (q *Queue) Get(ctx context.Context, id string) (*offsync.PendingAction, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT seq, id, type, table_name, payload, queued_at, synced, conflict, last_error
		FROM _sync_pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending action %s: %w", id, offsync.ErrNotFound)
	}
	if err != nil {
		return nil, &offsync.StorageError{Op: "get", Err: err}
	}
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(s rowScanner) (offsync.PendingAction, error) {
	var (
		a         offsync.PendingAction
		typ       string
		payload   sql.NullString
		queuedAt  int64
		synced    int
		conflict  int
		lastError sql.NullString
	)
	if err := s.Scan(&a.Seq, &a.ID, &typ, &a.Table, &payload, &queuedAt, &synced, &conflict, &lastError); err != nil {
		return a, err
	}
	a.Type = offsync.ActionType(typ)
	if payload.Valid {
		a.Data = json.RawMessage(payload.String)
	}
	a.Timestamp = fromUnixNano(queuedAt)
	a.Synced = synced != 0
	a.Conflict = conflict != 0
	a.LastError = lastError.String
	return a, nil
}

// MarkSynced flags an action as synced; it is never replayed again
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending_actions SET synced = 1, last_error = NULL WHERE id = ?`, id)
	if err != nil {
		return &offsync.StorageError{Op: "mark synced", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending action %s: %w", id, offsync.ErrNotFound)
	}
	return nil
}

// RecordFailure stores the latest replay error of an action for display
func (q *Queue) RecordFailure(ctx context.Context, id, message string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending_actions SET last_error = ? WHERE id = ? AND synced = 0`, message, id); err != nil {
		return &offsync.StorageError{Op: "record failure", Err: err}
	}
	return nil
}

// MarkConflict records a terminal replay failure. The action stays queued but
// is not replayed, and holds back its table, until Retry or Discard.
func (q *Queue) MarkConflict(ctx context.Context, id, message string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending_actions SET conflict = 1, last_error = ? WHERE id = ? AND synced = 0`, message, id)
	if err != nil {
		return &offsync.StorageError{Op: "mark conflict", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending action %s: %w", id, offsync.ErrNotFound)
	}
	return nil
}

// Retry clears the conflict flag so the next sync replays the action again,
// usually after the user fixed the record on the server side
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending_actions SET conflict = 0 WHERE id = ? AND synced = 0`, id)
	if err != nil {
		return &offsync.StorageError{Op: "retry", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending action %s: %w", id, offsync.ErrNotFound)
	}
	q.logger.Info("Pending action released for retry", "action_id", id)
	return nil
}

// Prune permanently removes synced actions and returns how many were removed
func (q *Queue) Prune(ctx context.Context) (int, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM _sync_pending_actions WHERE synced = 1`)
	if err != nil {
		return 0, &offsync.StorageError{Op: "prune", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Discard removes an unsynced action, typically after a permanent failure the
// user chose not to resolve
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM _sync_pending_actions WHERE id = ?`, id)
	if err != nil {
		return &offsync.StorageError{Op: "discard", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending action %s: %w", id, offsync.ErrNotFound)
	}
	q.logger.Info("Discarded pending action", "action_id", id)
	return nil
}

// RewriteID replaces references to a synthetic record id with the server-issued
// one in every unsynced payload, so later actions target the confirmed record
// even if the sync run is interrupted.
func (q *Queue) RewriteID(ctx context.Context, from, to string) (int, error) {
	if from == "" || from == to {
		return 0, nil
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &offsync.StorageError{Op: "rewrite begin", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload FROM _sync_pending_actions
		WHERE synced = 0 AND payload IS NOT NULL AND instr(payload, ?) > 0`, from)
	if err != nil {
		return 0, &offsync.StorageError{Op: "rewrite query", Err: err}
	}
	type candidate struct {
		id      string
		payload string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.payload); err != nil {
			rows.Close()
			return 0, &offsync.StorageError{Op: "rewrite scan", Err: err}
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &offsync.StorageError{Op: "rewrite query", Err: err}
	}

	mapping := map[string]string{from: to}
	rewritten := 0
	for _, c := range candidates {
		updated, changed, err := offsync.RewriteRefs(json.RawMessage(c.payload), mapping)
		if err != nil {
			q.logger.Warn("Skipping unparsable payload during id rewrite", "action_id", c.id, "error", err)
			continue
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_pending_actions SET payload = ? WHERE id = ?`, string(updated), c.id); err != nil {
			return 0, &offsync.StorageError{Op: "rewrite update", Err: err}
		}
		rewritten++
	}

	if err := tx.Commit(); err != nil {
		return 0, &offsync.StorageError{Op: "rewrite commit", Err: err}
	}
	return rewritten, nil
}

// Count returns the number of unsynced actions
func (q *Queue) Count(ctx context.Context) int {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_pending_actions WHERE synced = 0`).Scan(&n); err != nil {
		q.logger.Warn("Pending action count failed", "error", err)
		return 0
	}
	return n
}
