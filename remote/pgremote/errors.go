// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-offsync/offsync"
)

// classify maps a pgx error onto the offsync error taxonomy
func classify(op, table, id string, err error) error {
	if err == nil {
		return nil
	}
	var ce *offsync.ConflictError
	if errors.As(err, &ce) {
		return ce
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if isRetryablePGError(pgErr) {
			return &offsync.NetworkError{Op: op, Table: table, Err: err}
		}
		return &offsync.ConflictError{Table: table, ID: id, Reason: pgErr.Code + " " + pgErr.Message, Err: err}
	}
	return &offsync.NetworkError{Op: op, Table: table, Err: err}
}

func isRetryablePGError(pgErr *pgconn.PgError) bool {
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available (incl. lock_timeout)
		"57P01", // admin_shutdown
		"53300": // too_many_connections
		return true
	default:
		return false
	}
}
