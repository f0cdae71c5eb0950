// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"time"
)

// Stages reported to a MetricsRecorder
const (
	StageReplay  = "replay"  // one remote mutation, retries included
	StageRefresh = "refresh" // post-sync fetch of one table
	StagePrune   = "prune"
	StageTotal   = "total" // whole sync run
)

// StageTiming describes one measured stage of a sync run
type StageTiming struct {
	Stage    string
	Table    string // Empty for run-level stages
	Duration time.Duration
	Count    int // Records fetched, actions pruned or actions synced, depending on the stage
	Error    bool
}

// MetricsRecorder receives stage timings. Implementations must be fast and
// must not block.
type MetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder
type MetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f MetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (r *Reconciler) observe(ctx context.Context, stage, table string, start time.Time, count int, failed bool) {
	if r.config.Metrics == nil {
		return
	}
	r.config.Metrics.ObserveStage(ctx, StageTiming{
		Stage:    stage,
		Table:    table,
		Duration: time.Since(start),
		Count:    count,
		Error:    failed,
	})
}
