// Package offline wires the cache, queue, connectivity monitor and reconciler
// into the single object an application bootstraps and talks to.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mobiletoly/go-offsync/netmon"
	"github.com/mobiletoly/go-offsync/offsqlite"
	"github.com/mobiletoly/go-offsync/offsync"
	"github.com/mobiletoly/go-offsync/reconcile"
)

// Config holds configuration for the manager
type Config struct {
	AutoSync         bool // Sync automatically on offline -> online transitions
	QueueOnTransient bool // Queue mutations whose direct remote call failed transiently
	Reconcile        *reconcile.Config
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() *Config {
	return &Config{
		AutoSync:         true,
		QueueOnTransient: true,
		Reconcile:        reconcile.DefaultConfig(),
	}
}

// Deps are the explicitly constructed collaborators of a manager. Their
// lifecycle is owned by the caller.
type Deps struct {
	Remote  offsync.Remote
	Queue   *offsqlite.Queue
	Cache   *offsqlite.Cache
	State   *offsqlite.State
	Monitor *netmon.Monitor
}

// MutationResult describes what happened to a mutation
type MutationResult struct {
	Queued   bool            // Recorded in the pending-action queue instead of sent
	ActionID string          // Pending action id when queued
	Record   json.RawMessage // Server record when sent directly, optimistic payload when queued
}

// Manager routes mutations to the remote store or the pending-action queue
// depending on connectivity, and publishes OfflineStatus to subscribers.
type Manager struct {
	deps       Deps
	config     *Config
	logger     *slog.Logger
	reconciler *reconcile.Reconciler

	mu          sync.RWMutex
	lastResult  *offsync.SyncResult
	subscribers map[uint64]func(offsync.OfflineStatus)
	nextSubID   uint64

	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool // guarded by mu; no background sync starts once set
	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a manager and subscribes it to connectivity transitions
func New(deps Deps, config *Config, logger *slog.Logger) (*Manager, error) {
	if deps.Remote == nil || deps.Queue == nil || deps.Cache == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("remote, queue, cache and monitor are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var state reconcile.StateStore
	if deps.State != nil {
		state = deps.State
	}
	rec, err := reconcile.New(deps.Remote, deps.Queue, deps.Cache, state, config.Reconcile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:        deps,
		config:      config,
		logger:      logger,
		reconciler:  rec,
		subscribers: make(map[uint64]func(offsync.OfflineStatus)),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.unsubscribe = deps.Monitor.OnChange(m.onConnectivityChange)
	return m, nil
}

// Close detaches from the monitor and waits for background syncs to finish
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.unsubscribe()
		m.cancel()
		m.wg.Wait()
	})
}

func (m *Manager) onConnectivityChange(from, to netmon.State) {
	m.publish(context.Background())
	if !m.config.AutoSync || from != offsync.QualityOffline || to == offsync.QualityOffline {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		res := m.SyncNow(m.ctx)
		if res.Reentrant {
			m.logger.Debug("Reconnect sync skipped, a sync is already running")
		}
	}()
}

// Mutate applies a create, update or delete. While offline, or while earlier
// actions on the same table are still queued, the mutation is queued. Online
// mutations go to the remote directly and are queued on transient failure.
// Conflicts are returned to the caller.
func (m *Manager) Mutate(ctx context.Context, typ offsync.ActionType, table string, data json.RawMessage) (MutationResult, error) {
	table = strings.ToLower(table)
	if _, err := offsync.DecodePayload(table, typ, data); err != nil {
		return MutationResult{}, err
	}
	if typ != offsync.ActionCreate {
		if _, ok := offsync.ExtractID(data); !ok {
			return MutationResult{}, fmt.Errorf("%w: %s %s requires data.id", offsync.ErrBadPayload, typ, table)
		}
	}

	if m.deps.Monitor.Status().IsOffline || len(m.deps.Queue.List(ctx, table)) > 0 {
		return m.enqueue(ctx, typ, table, data)
	}

	rec, err := m.direct(ctx, typ, table, data)
	if err == nil {
		return MutationResult{Record: rec}, nil
	}
	if m.config.QueueOnTransient && offsync.IsRetryable(err) {
		m.logger.Info("Remote call failed transiently, queueing mutation", "table", table, "type", typ, "error", err)
		return m.enqueue(ctx, typ, table, data)
	}
	return MutationResult{}, err
}

func (m *Manager) enqueue(ctx context.Context, typ offsync.ActionType, table string, data json.RawMessage) (MutationResult, error) {
	id, err := m.deps.Queue.Enqueue(ctx, typ, table, data)
	if err != nil {
		return MutationResult{}, err
	}
	res := MutationResult{Queued: true, ActionID: id, Record: data}
	if a, err := m.deps.Queue.Get(ctx, id); err == nil {
		res.Record = a.Data
	}
	m.publish(ctx)
	return res, nil
}

func (m *Manager) direct(ctx context.Context, typ offsync.ActionType, table string, data json.RawMessage) (json.RawMessage, error) {
	retry := m.config.Reconcile.Retry
	var rec json.RawMessage
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		switch typ {
		case offsync.ActionCreate:
			rec, err = m.deps.Remote.Create(ctx, table, data)
		case offsync.ActionUpdate:
			id, _ := offsync.ExtractID(data)
			rec, err = m.deps.Remote.Update(ctx, table, id, data)
		case offsync.ActionDelete:
			id, _ := offsync.ExtractID(data)
			err = m.deps.Remote.Delete(ctx, table, id)
		}
		return err
	})
	return rec, err
}

// Fetch returns the records of table. While online they are fetched from the
// remote and cached; offline, or when the fetch fails, the cached snapshot is
// returned.
func (m *Manager) Fetch(ctx context.Context, table string) []offsync.CachedEntity {
	if !m.deps.Monitor.Status().IsOffline {
		var records []json.RawMessage
		err := m.config.Reconcile.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			records, err = m.deps.Remote.Fetch(ctx, table, m.config.Reconcile.RefreshFilters[table])
			return err
		})
		if err == nil {
			m.deps.Cache.Put(ctx, table, records)
		} else {
			m.logger.Info("Remote fetch failed, serving cached snapshot", "table", table, "error", err)
		}
	}
	return m.deps.Cache.Get(ctx, table, "")
}

// SyncNow runs the reconciler and publishes the result. A call made while a
// sync is in progress returns a reentrant result.
func (m *Manager) SyncNow(ctx context.Context) offsync.SyncResult {
	if m.deps.Monitor.Status().IsOffline {
		return offsync.SyncResult{Errors: []string{"offline"}}
	}
	res := m.reconciler.Sync(ctx)
	if !res.Reentrant {
		m.mu.Lock()
		m.lastResult = &res
		m.mu.Unlock()
		m.publish(ctx)
	}
	return res
}

// Status computes the current OfflineStatus
func (m *Manager) Status(ctx context.Context) offsync.OfflineStatus {
	conn := m.deps.Monitor.Status()
	st := offsync.OfflineStatus{
		ConnectivityMetrics: offsync.ConnectivityMetrics{
			IsOffline:      conn.IsOffline,
			PendingActions: m.deps.Queue.Count(ctx),
			CachedDataSize: m.deps.Cache.Size(ctx),
		},
		Quality: conn.Quality,
		Syncing: m.reconciler.Running(),
	}
	if m.deps.State != nil {
		if last, err := m.deps.State.LastSync(ctx); err != nil {
			m.logger.Warn("Failed to read last sync time", "error", err)
		} else {
			st.LastSync = last
		}
	}
	m.mu.RLock()
	if m.lastResult != nil {
		res := *m.lastResult
		st.LastResult = &res
	}
	m.mu.RUnlock()
	return st
}

// Subscribe registers fn to receive the status after every connectivity
// change, queued mutation and sync run. It returns an unsubscribe function.
func (m *Manager) Subscribe(fn func(offsync.OfflineStatus)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) publish(ctx context.Context) {
	m.mu.RLock()
	if len(m.subscribers) == 0 {
		m.mu.RUnlock()
		return
	}
	subs := make([]func(offsync.OfflineStatus), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	st := m.Status(ctx)
	for _, fn := range subs {
		fn(st)
	}
}
