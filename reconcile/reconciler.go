// Package reconcile replays the pending-action queue against the remote store
// and refreshes the local cache with the server's post-mutation state.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
)

// Queue is the subset of the pending-action queue the reconciler drains
type Queue interface {
	Pending(ctx context.Context, table string) ([]offsync.PendingAction, error)
	MarkSynced(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, message string) error
	MarkConflict(ctx context.Context, id, message string) error
	RewriteID(ctx context.Context, from, to string) (int, error)
	Prune(ctx context.Context) (int, error)
}

// Cache receives canonical records after a drain
type Cache interface {
	Put(ctx context.Context, table string, records []json.RawMessage)
}

// StateStore persists the time of the last fully successful sync
type StateStore interface {
	SetLastSync(ctx context.Context, t time.Time) error
}

// Config holds configuration for the reconciler
type Config struct {
	Retry offsync.RetryPolicy
	// RefreshFilters narrows the post-sync fetch per table (e.g. tenant scoping)
	RefreshFilters map[string]map[string]string
	Metrics        MetricsRecorder // Optional stage timings
}

// DefaultConfig returns the default reconciler configuration
func DefaultConfig() *Config {
	return &Config{Retry: offsync.DefaultRetryPolicy()}
}

// Reconciler drains the queue in strict FIFO order. Only one run may be in
// progress at a time; concurrent calls get a reentrant result.
type Reconciler struct {
	remote  offsync.Remote
	queue   Queue
	cache   Cache
	state   StateStore
	config  *Config
	logger  *slog.Logger
	running atomic.Bool
	now     func() time.Time
}

// New creates a reconciler. cache and state may be nil.
func New(remote offsync.Remote, queue Queue, cache Cache, state StateStore, config *Config, logger *slog.Logger) (*Reconciler, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		remote: remote,
		queue:  queue,
		cache:  cache,
		state:  state,
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Running reports whether a sync run is in progress
func (r *Reconciler) Running() bool { return r.running.Load() }

// Sync replays every unsynced action. A failure halts the remaining actions of
// the same table for this run; other tables continue. A conflict is terminal:
// the action is flagged and holds its table in later runs until it is retried
// or discarded. Synced actions are pruned at the end regardless of failures.
func (r *Reconciler) Sync(ctx context.Context) offsync.SyncResult {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("Sync rejected, another run is in progress")
		return offsync.ReentrantResult()
	}
	defer r.running.Store(false)

	started := time.Now()
	result := offsync.SyncResult{Errors: []string{}}

	actions, err := r.queue.Pending(ctx, "")
	if err != nil {
		r.logger.Error("Failed to snapshot pending actions", "error", err)
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	r.logger.Info("Sync started", "pending", len(actions))

	// Bookkeeping for actions already applied remotely must land even if ctx
	// is cancelled mid-run.
	local := context.WithoutCancel(ctx)

	run := &syncRun{
		local:  local,
		halted: make(map[string]bool),
		idMap:  make(map[string]string),
	}
	for i := range actions {
		a := &actions[i]
		if run.halted[a.Table] || ctx.Err() != nil {
			result.SkippedActions++
			continue
		}
		if a.Conflict {
			// Rejected in an earlier run; waits for Retry or Discard
			result.SkippedActions++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s %s/%s: held after conflict: %s", a.Type, a.Table, a.ID, a.LastError))
			run.halted[a.Table] = true
			continue
		}

		replayStart := time.Now()
		err := r.replay(ctx, run, a)
		r.observe(local, StageReplay, a.Table, replayStart, 1, err != nil)
		if err != nil {
			msg := fmt.Sprintf("%s %s/%s: %v", a.Type, a.Table, a.ID, err)
			r.logger.Warn("Replay failed, halting table for this run",
				"action_id", a.ID, "table", a.Table, "type", a.Type,
				"conflict", offsync.IsConflict(err), "error", err)
			result.FailedActions++
			result.Errors = append(result.Errors, msg)
			run.halted[a.Table] = true
			record := r.queue.RecordFailure
			if offsync.IsConflict(err) {
				record = r.queue.MarkConflict
			}
			if rerr := record(local, a.ID, err.Error()); rerr != nil {
				r.logger.Warn("Failed to record replay failure", "action_id", a.ID, "error", rerr)
			}
			continue
		}

		if err := r.queue.MarkSynced(local, a.ID); err != nil {
			// Applied remotely but still queued; halting keeps later actions from
			// running ahead of it.
			r.logger.Error("Failed to mark action synced", "action_id", a.ID, "error", err)
			result.FailedActions++
			result.Errors = append(result.Errors, fmt.Sprintf("mark synced %s: %v", a.ID, err))
			run.halted[a.Table] = true
			continue
		}
		result.SyncedActions++
		run.touch(a.Table)
	}

	result.AffectedTables = run.affected
	r.refresh(ctx, run.affected, &result)

	pruneStart := time.Now()
	n, err := r.queue.Prune(local)
	r.observe(local, StagePrune, "", pruneStart, n, err != nil)
	if err != nil {
		r.logger.Warn("Prune after sync failed", "error", err)
	} else if n > 0 {
		r.logger.Debug("Pruned synced actions", "count", n)
	}

	result.Success = result.FailedActions == 0 && result.SkippedActions == 0
	if result.Success && r.state != nil {
		if err := r.state.SetLastSync(local, r.now()); err != nil {
			r.logger.Warn("Failed to persist last sync time", "error", err)
		}
	}

	r.observe(local, StageTotal, "", started, result.SyncedActions, !result.Success)
	r.logger.Info("Sync finished",
		"success", result.Success,
		"synced", result.SyncedActions,
		"failed", result.FailedActions,
		"skipped", result.SkippedActions)
	return result
}

type syncRun struct {
	local    context.Context
	halted   map[string]bool
	idMap    map[string]string // synthetic id -> server-issued id
	affected []string
}

func (s *syncRun) touch(table string) {
	for _, t := range s.affected {
		if t == table {
			return
		}
	}
	s.affected = append(s.affected, table)
}

// replay translates one action into the matching remote call
func (r *Reconciler) replay(ctx context.Context, run *syncRun, a *offsync.PendingAction) error {
	data, _, err := offsync.RewriteRefs(a.Data, run.idMap)
	if err != nil {
		return &offsync.ConflictError{Table: a.Table, ID: a.ID, Reason: "unparsable payload", Err: err}
	}
	if _, err := offsync.DecodePayload(a.Table, a.Type, data); err != nil {
		return &offsync.ConflictError{Table: a.Table, ID: a.ID, Reason: "invalid payload", Err: err}
	}

	recordID, ok := offsync.ExtractID(data)
	if !ok {
		recordID = a.ID
	}

	switch a.Type {
	case offsync.ActionCreate:
		var rec json.RawMessage
		err := r.config.Retry.Do(ctx, func(ctx context.Context) error {
			var cerr error
			rec, cerr = r.remote.Create(ctx, a.Table, data)
			return cerr
		})
		if err != nil {
			return err
		}
		serverID, ok := offsync.ExtractID(rec)
		if ok && serverID != recordID {
			run.idMap[recordID] = serverID
			if _, err := r.queue.RewriteID(run.local, recordID, serverID); err != nil {
				r.logger.Warn("Failed to persist id mapping", "from", recordID, "to", serverID, "error", err)
			}
			r.logger.Debug("Mapped synthetic id", "table", a.Table, "from", recordID, "to", serverID)
		}
		return nil

	case offsync.ActionUpdate:
		return r.config.Retry.Do(ctx, func(ctx context.Context) error {
			_, uerr := r.remote.Update(ctx, a.Table, recordID, data)
			return uerr
		})

	case offsync.ActionDelete:
		err := r.config.Retry.Do(ctx, func(ctx context.Context) error {
			return r.remote.Delete(ctx, a.Table, recordID)
		})
		if errors.Is(err, offsync.ErrNotFound) {
			r.logger.Debug("Delete target already gone", "table", a.Table, "id", recordID)
			return nil
		}
		return err

	default:
		return &offsync.ConflictError{Table: a.Table, ID: a.ID, Reason: fmt.Sprintf("unsupported action type %q", a.Type)}
	}
}

// refresh re-fetches canonical state of every affected table into the cache
func (r *Reconciler) refresh(ctx context.Context, tables []string, result *offsync.SyncResult) {
	if r.cache == nil {
		return
	}
	for _, table := range tables {
		start := time.Now()
		var records []json.RawMessage
		err := r.config.Retry.Do(ctx, func(ctx context.Context) error {
			var ferr error
			records, ferr = r.remote.Fetch(ctx, table, r.config.RefreshFilters[table])
			return ferr
		})
		r.observe(context.WithoutCancel(ctx), StageRefresh, table, start, len(records), err != nil)
		if err != nil {
			r.logger.Warn("Post-sync refresh failed", "table", table, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("refresh %s: %v", table, err))
			continue
		}
		r.cache.Put(context.WithoutCancel(ctx), table, records)
	}
}
