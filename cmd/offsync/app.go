// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mobiletoly/go-offsync/netmon"
	"github.com/mobiletoly/go-offsync/offline"
	"github.com/mobiletoly/go-offsync/offsqlite"
	"github.com/mobiletoly/go-offsync/reconcile"
	"github.com/mobiletoly/go-offsync/remote/httpremote"
	"github.com/mobiletoly/go-offsync/server"
)

// app is the client-side offline stack opened by the local commands
type app struct {
	db      *sql.DB
	queue   *offsqlite.Queue
	cache   *offsqlite.Cache
	state   *offsqlite.State
	monitor *netmon.Monitor
	remote  *httpremote.Client
	manager *offline.Manager
}

// openStores opens only the local SQLite stores
func (c *cli) openStores() (*app, error) {
	db, err := offsqlite.Open(c.cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}
	if a.queue, err = offsqlite.NewQueue(db, c.logger); err != nil {
		db.Close()
		return nil, err
	}
	if a.cache, err = offsqlite.NewCache(db, &offsqlite.CacheConfig{MaxEntries: c.cfg.Cache.MaxEntries}, c.logger); err != nil {
		db.Close()
		return nil, err
	}
	if a.state, err = offsqlite.NewState(db); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// openApp opens the local stores plus the remote client and manager. The
// heartbeat is probed once so the monitor starts from the real connectivity.
func (c *cli) openApp(ctx context.Context) (*app, error) {
	a, err := c.openStores()
	if err != nil {
		return nil, err
	}

	a.remote = httpremote.NewClient(c.cfg.Remote.BaseURL, c.tokenSource(), c.logger)

	var hb *netmon.Heartbeat
	if url := c.cfg.HeartbeatURL(); url != "" {
		hb = &netmon.Heartbeat{
			URL:         url,
			Interval:    c.cfg.Heartbeat.Interval,
			Timeout:     c.cfg.Heartbeat.Timeout,
			SlowLatency: c.cfg.Heartbeat.SlowLatency,
		}
	}
	a.monitor = netmon.NewMonitor(false, hb, c.logger)
	a.monitor.Probe(ctx)

	rc := reconcile.DefaultConfig()
	rc.Retry = c.cfg.RetryPolicy()
	rc.Metrics = reconcile.MetricsRecorderFunc(func(ctx context.Context, st reconcile.StageTiming) {
		c.logger.Debug("Sync stage",
			"stage", st.Stage,
			"table", st.Table,
			"duration", st.Duration.String(),
			"count", st.Count,
			"error", st.Error)
	})
	a.manager, err = offline.New(offline.Deps{
		Remote:  a.remote,
		Queue:   a.queue,
		Cache:   a.cache,
		State:   a.state,
		Monitor: a.monitor,
	}, &offline.Config{
		AutoSync:         false,
		QueueOnTransient: true,
		Reconcile:        rc,
	}, c.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// tokenSource returns the bearer token provider for the REST client: the
// configured token, or one minted from the server secret for user/tenant
func (c *cli) tokenSource() func(context.Context) (string, error) {
	rc := c.cfg.Remote
	if rc.Token != "" {
		return func(context.Context) (string, error) { return rc.Token, nil }
	}
	if c.cfg.Server.JWTSecret == "" || rc.User == "" || rc.Tenant == "" {
		return nil
	}
	jwtAuth := server.NewJWTAuth(c.cfg.Server.JWTSecret)
	return func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(rc.User, rc.Tenant, 15*time.Minute)
	}
}

func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
