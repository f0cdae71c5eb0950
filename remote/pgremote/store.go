// Package pgremote binds the remote data contract directly to Postgres using
// pgx. Records are stored as JSONB documents keyed by tenant, table and id,
// with a monotonically increasing version for optimistic concurrency.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-offsync/offsync"
)

// StoreConfig holds configuration for the Postgres store
type StoreConfig struct {
	Schema string // Postgres schema holding the records table (default "offsync")
	Tenant string // Tenant used by the offsync.Remote methods
}

// Store implements offsync.Remote on a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	schema string
	tenant string
	logger *slog.Logger
}

var _ offsync.Remote = (*Store)(nil)

// reserved keys live in columns, not in the JSONB document
var reservedKeys = []string{"id", "version", "updated_at"}

// NewStore creates the store and its schema. The caller owns the pool.
func NewStore(ctx context.Context, pool *pgxpool.Pool, config *StoreConfig, logger *slog.Logger) (*Store, error) {
	if config == nil {
		config = &StoreConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema := config.Schema
	if schema == "" {
		schema = "offsync"
	}
	s := &Store{pool: pool, schema: schema, tenant: config.Tenant, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}
	logger.Debug("Record store initialized", "schema", schema)
	return s, nil
}

func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	schemaIdent := pgx.Identifier{s.schema}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schemaIdent),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.records (
			tenant_id   TEXT        NOT NULL,
			table_name  TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			data        JSONB       NOT NULL DEFAULT '{}'::jsonb,
			version     BIGINT      NOT NULL DEFAULT 1,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, table_name, id)
		)`, schemaIdent),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS records_updated_at_idx ON %s.records (tenant_id, table_name, updated_at)`, schemaIdent),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ForTenant returns a store view scoped to tenant, sharing the pool
func (s *Store) ForTenant(tenant string) *Store {
	cp := *s
	cp.tenant = tenant
	return &cp
}

// Pool returns the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) records() string {
	return pgx.Identifier{s.schema, "records"}.Sanitize()
}

// returning renders the stored document with its column-held keys merged in
const returning = `data || jsonb_build_object('id', id, 'version', version, 'updated_at', updated_at)`

func (s *Store) checkTable(table, id string) error {
	if !offsync.IsTableRegistered(table) {
		return &offsync.ConflictError{Table: table, ID: id, Reason: "unregistered table", Err: offsync.ErrUnknownTable}
	}
	return nil
}

// Create inserts data. A client-supplied id is kept; otherwise a UUID is
// issued. Re-creating an existing id returns the stored record unchanged, so a
// create replayed after an interrupted sync is idempotent.
func (s *Store) Create(ctx context.Context, table string, data json.RawMessage) (json.RawMessage, error) {
	table = strings.ToLower(table)
	if err := s.checkTable(table, ""); err != nil {
		return nil, err
	}
	if _, err := offsync.DecodePayload(table, offsync.ActionCreate, data); err != nil {
		return nil, &offsync.ConflictError{Table: table, Reason: "validation failed", Err: err}
	}
	id, ok := offsync.ExtractID(data)
	if !ok {
		id = uuid.New().String()
	}
	doc, _, err := splitDocument(data)
	if err != nil {
		return nil, &offsync.ConflictError{Table: table, ID: id, Reason: "bad payload", Err: err}
	}

	var rec []byte
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (tenant_id, table_name, id, data)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (tenant_id, table_name, id) DO NOTHING
			RETURNING %s`, s.records(), returning),
			s.tenant, table, id, doc).Scan(&rec)
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Debug("Create of existing record treated as applied", "table", table, "id", id)
			return tx.QueryRow(ctx, fmt.Sprintf(`
				SELECT %s FROM %s WHERE tenant_id = $1 AND table_name = $2 AND id = $3`,
				returning, s.records()), s.tenant, table, id).Scan(&rec)
		}
		return err
	})
	if err != nil {
		return nil, classify("create", table, id, err)
	}
	return rec, nil
}

// Update merges data into the stored document. When data carries a numeric
// "version" it must match the stored version, otherwise a ConflictError is
// returned.
func (s *Store) Update(ctx context.Context, table, id string, data json.RawMessage) (json.RawMessage, error) {
	table = strings.ToLower(table)
	if err := s.checkTable(table, id); err != nil {
		return nil, err
	}
	if _, err := offsync.DecodePayload(table, offsync.ActionUpdate, data); err != nil {
		return nil, &offsync.ConflictError{Table: table, ID: id, Reason: "validation failed", Err: err}
	}
	patch, expected, err := splitDocument(data)
	if err != nil {
		return nil, &offsync.ConflictError{Table: table, ID: id, Reason: "bad payload", Err: err}
	}

	var rec []byte
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
			UPDATE %s SET data = data || $4::jsonb, version = version + 1, updated_at = now()
			WHERE tenant_id = $1 AND table_name = $2 AND id = $3`, s.records())
		args := []any{s.tenant, table, id, patch}
		if expected != nil {
			query += ` AND version = $5`
			args = append(args, *expected)
		}
		query += ` RETURNING ` + returning

		err := tx.QueryRow(ctx, query, args...).Scan(&rec)
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var current int64
		verr := tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT version FROM %s WHERE tenant_id = $1 AND table_name = $2 AND id = $3`, s.records()),
			s.tenant, table, id).Scan(&current)
		if errors.Is(verr, pgx.ErrNoRows) {
			return &offsync.ConflictError{Table: table, ID: id, Reason: "not found", Err: offsync.ErrNotFound}
		}
		if verr != nil {
			return verr
		}
		return &offsync.ConflictError{
			Table:  table,
			ID:     id,
			Reason: fmt.Sprintf("stale version %d, server has %d", *expected, current),
		}
	})
	if err != nil {
		return nil, classify("update", table, id, err)
	}
	return rec, nil
}

// Delete removes the record. A missing record yields an error wrapping
// offsync.ErrNotFound.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	table = strings.ToLower(table)
	if err := s.checkTable(table, id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant_id = $1 AND table_name = $2 AND id = $3`, s.records()),
		s.tenant, table, id)
	if err != nil {
		return classify("delete", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return &offsync.ConflictError{Table: table, ID: id, Reason: "not found", Err: offsync.ErrNotFound}
	}
	return nil
}

// Fetch returns the records of table whose document fields equal every value
// of filter ("id" filters on the record id), ordered by id.
func (s *Store) Fetch(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error) {
	table = strings.ToLower(table)
	if err := s.checkTable(table, ""); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND table_name = $2`, returning, s.records())
	args := []any{s.tenant, table}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "id" {
			args = append(args, filter[k])
			query += fmt.Sprintf(` AND id = $%d`, len(args))
			continue
		}
		args = append(args, k, filter[k])
		query += fmt.Sprintf(` AND data->>($%d::text) = $%d::text`, len(args)-1, len(args))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("fetch", table, "", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var b []byte
		err := row.Scan(&b)
		return json.RawMessage(b), err
	})
	if err != nil {
		return nil, classify("fetch", table, "", err)
	}
	return out, nil
}

// splitDocument strips column-held keys from data and returns the document
// together with the optimistic-concurrency version, if provided
func splitDocument(data json.RawMessage) ([]byte, *int64, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, nil, err
	}
	var expected *int64
	if raw, ok := obj["version"]; ok {
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("version must be an integer: %w", err)
		}
		expected = &v
	}
	for _, k := range reservedKeys {
		delete(obj, k)
	}
	doc, err := json.Marshal(obj)
	return doc, expected, err
}
