// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
)

// CacheConfig holds configuration for the local structured cache
type CacheConfig struct {
	MaxEntries int // Capacity across all tables; oldest entries are evicted first (0 = unbounded)
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{MaxEntries: 5000}
}

// Cache persists read-mostly remote records for offline display. It is a
// best-effort layer: storage failures are logged and the cache behaves as if
// empty, it never returns errors to its callers.
type Cache struct {
	db      *sql.DB
	config  *CacheConfig
	logger  *slog.Logger
	writeMu sync.Mutex
	now     func() time.Time
}

// NewCache creates a cache over db, creating the offline tables if needed
func NewCache(db *sql.DB, config *CacheConfig, logger *slog.Logger) (*Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, err
	}
	return &Cache{db: db, config: config, logger: logger, now: time.Now}, nil
}

// Put replaces every cached entity of table with records, stamping each with
// the current time. Records without an id are skipped. On failure the previous
// contents of the table are kept.
func (c *Cache) Put(ctx context.Context, table string, records []json.RawMessage) {
	if err := c.put(ctx, strings.ToLower(table), records); err != nil {
		c.logger.Warn("Cache put failed, keeping previous snapshot",
			"table", table, "records", len(records), "error", err)
		return
	}
	if err := c.evict(ctx); err != nil {
		c.logger.Warn("Cache eviction failed", "error", err)
	}
}

func (c *Cache) put(ctx context.Context, table string, records []json.RawMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &offsync.StorageError{Op: "cache begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _cache_entities WHERE table_name = ?`, table); err != nil {
		return &offsync.StorageError{Op: "cache replace", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO _cache_entities (table_name, entity_id, payload, cached_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return &offsync.StorageError{Op: "cache prepare", Err: err}
	}
	defer stmt.Close()

	cachedAt := toUnixNano(c.now())
	for _, rec := range records {
		id, ok := offsync.ExtractID(rec)
		if !ok {
			c.logger.Warn("Skipping cached record without id", "table", table)
			continue
		}
		if _, err := stmt.ExecContext(ctx, table, id, string(rec), cachedAt); err != nil {
			return &offsync.StorageError{Op: "cache insert", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &offsync.StorageError{Op: "cache commit", Err: err}
	}
	return nil
}

// evict drops the oldest entries beyond the configured capacity
func (c *Cache) evict(ctx context.Context) error {
	if c.config.MaxEntries <= 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _cache_entities`).Scan(&count); err != nil {
		return &offsync.StorageError{Op: "cache count", Err: err}
	}
	excess := count - c.config.MaxEntries
	if excess <= 0 {
		return nil
	}

	res, err := c.db.ExecContext(ctx, `
		DELETE FROM _cache_entities WHERE rowid IN (
			SELECT rowid FROM _cache_entities
			ORDER BY cached_at ASC, rowid ASC
			LIMIT ?
		)`, excess)
	if err != nil {
		return &offsync.StorageError{Op: "cache evict", Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.logger.Debug("Evicted cached entities", "count", n)
	}
	return nil
}

// Get returns the cached entities of table ordered by id, or only the entity
// with the given id when id is not empty. Unknown tables yield an empty result.
func (c *Cache) Get(ctx context.Context, table, id string) []offsync.CachedEntity {
	table = strings.ToLower(table)
	query := `SELECT entity_id, payload, cached_at FROM _cache_entities WHERE table_name = ?`
	args := []any{table}
	if id != "" {
		query += ` AND entity_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY entity_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		c.logger.Warn("Cache read failed", "table", table, "error", err)
		return []offsync.CachedEntity{}
	}
	defer rows.Close()

	out := []offsync.CachedEntity{}
	for rows.Next() {
		var (
			entityID, payload string
			cachedAt          int64
		)
		if err := rows.Scan(&entityID, &payload, &cachedAt); err != nil {
			c.logger.Warn("Cache scan failed", "table", table, "error", err)
			return []offsync.CachedEntity{}
		}
		out = append(out, offsync.CachedEntity{
			Table:    table,
			ID:       entityID,
			Data:     json.RawMessage(payload),
			CachedAt: fromUnixNano(cachedAt),
		})
	}
	if err := rows.Err(); err != nil {
		c.logger.Warn("Cache iteration failed", "table", table, "error", err)
		return []offsync.CachedEntity{}
	}
	return out
}

// Clear evicts all entities of table, or the whole cache when table is empty
func (c *Cache) Clear(ctx context.Context, table string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var err error
	if table == "" {
		_, err = c.db.ExecContext(ctx, `DELETE FROM _cache_entities`)
	} else {
		_, err = c.db.ExecContext(ctx, `DELETE FROM _cache_entities WHERE table_name = ?`, strings.ToLower(table))
	}
	if err != nil {
		c.logger.Warn("Cache clear failed", "table", table, "error", err)
	}
}

// Size returns the total payload bytes held by the cache
func (c *Cache) Size(ctx context.Context) int64 {
	var size sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(payload)) FROM _cache_entities`).Scan(&size); err != nil {
		c.logger.Warn("Cache size query failed", "error", err)
		return 0
	}
	return size.Int64
}

// DecodeEntities unmarshals the data of each entity into T, skipping entities
// that do not decode
func DecodeEntities[T any](entities []offsync.CachedEntity) []T {
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		var v T
		if err := json.Unmarshal(e.Data, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
