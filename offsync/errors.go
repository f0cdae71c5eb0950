// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrReentrant is reported when sync is requested while a run is in progress
	ErrReentrant = errors.New("sync already running")
	// ErrBadPayload marks a payload that does not match its table's shape
	ErrBadPayload = errors.New("bad payload")
	// ErrUnknownTable marks a table with no registered payload type
	ErrUnknownTable = errors.New("unknown table")
	// ErrNotFound is returned by remotes when the target record does not exist
	ErrNotFound = errors.New("record not found")
)

// StorageError reports a failure of local persistence (quota, serialization, I/O).
// Callers degrade to an empty cache/queue instead of surfacing it to the UI.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError reports a transient remote failure. Replay retries it according
// to the retry policy and halts the table when attempts are exhausted.
type NetworkError struct {
	Op         string
	Table      string
	StatusCode int // HTTP status when known, 0 otherwise
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network %s %s: status %d: %v", e.Op, e.Table, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError reports that the remote rejected a mutation (stale version,
// validation failure, constraint violation). It is terminal for the action.
type ConflictError struct {
	Table  string
	ID     string
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict on %s/%s: %s: %v", e.Table, e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("conflict on %s/%s: %s", e.Table, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConflict reports whether err is a terminal rejection by the remote
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
