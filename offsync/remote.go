// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
)

// Remote is the data store mutations are replayed against and canonical state
// is fetched from. Implementations classify failures as *NetworkError
// (transient) or *ConflictError (terminal); ErrNotFound may be wrapped by either.
type Remote interface {
	// Create inserts data into table and returns the stored record, including
	// the server-issued id.
	Create(ctx context.Context, table string, data json.RawMessage) (json.RawMessage, error)
	// Update applies data to the record identified by id and returns the stored record.
	Update(ctx context.Context, table, id string, data json.RawMessage) (json.RawMessage, error)
	// Delete removes the record identified by id.
	Delete(ctx context.Context, table, id string) error
	// Fetch returns records of table matching every key/value of filter.
	Fetch(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error)
}
