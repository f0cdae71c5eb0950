// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// CachedEntity is a snapshot of a remote record held by the local cache
type CachedEntity struct {
	Table    string          `json:"table"`
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cached_at"`
}

// PendingAction is a mutation recorded while offline, waiting to be replayed
type PendingAction struct {
	ID        string          `json:"id"`  // Synthetic local id (UUIDv4)
	Seq       int64           `json:"seq"` // Queue position, strictly increasing
	Type      ActionType      `json:"type"`
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Synced    bool            `json:"synced"`
	Conflict  bool            `json:"conflict,omitempty"` // Rejected by the remote; not replayed until retried
	LastError string          `json:"last_error,omitempty"`
}

// RecordID returns the id the action targets: data.id when present, otherwise
// the action's own synthetic id
func (a *PendingAction) RecordID() string {
	if id, ok := ExtractID(a.Data); ok {
		return id
	}
	return a.ID
}

// ConnectivityMetrics is recomputed on demand; only LastSync is persisted
type ConnectivityMetrics struct {
	IsOffline      bool       `json:"is_offline"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	PendingActions int        `json:"pending_actions"`
	CachedDataSize int64      `json:"cached_data_size"`
}

// OfflineStatus is the aggregate value exposed to UI subscribers
type OfflineStatus struct {
	ConnectivityMetrics
	Quality    Quality     `json:"quality"`
	Syncing    bool        `json:"syncing"`
	LastResult *SyncResult `json:"last_result,omitempty"`
}

// SyncResult reports the outcome of a single reconciliation run
type SyncResult struct {
	Success        bool     `json:"success"`
	SyncedActions  int      `json:"synced_actions"`
	FailedActions  int      `json:"failed_actions"`
	SkippedActions int      `json:"skipped_actions"` // Held back behind a failed or conflicted action on the same table
	Errors         []string `json:"errors"`
	Reentrant      bool     `json:"reentrant,omitempty"` // Rejected because another run was in progress
	AffectedTables []string `json:"affected_tables,omitempty"`
}

// ReentrantResult is returned when a sync run is requested while one is in progress
func ReentrantResult() SyncResult {
	return SyncResult{
		Success:   false,
		Reentrant: true,
		Errors:    []string{ErrReentrant.Error()},
	}
}
