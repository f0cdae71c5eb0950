// Package netmon tracks host connectivity and connection quality and notifies
// subscribers about transitions between online-fast, online-slow and offline.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
)

// State is the connectivity state of the host
type State = offsync.Quality

// Status is the last known connectivity of the host
type Status struct {
	IsOffline bool
	Quality   State
	Since     time.Time // When the current state was entered
}

// Listener is invoked on every state transition
type Listener func(from, to State)

// Heartbeat configures the optional fallback probe for hosts without reliable
// native online/offline signals
type Heartbeat struct {
	URL         string        // Probed with HEAD; any response below 500 counts as online
	Interval    time.Duration // Delay between probes
	Timeout     time.Duration // Per-probe timeout
	SlowLatency time.Duration // Probes slower than this report online-slow (0 = never)
}

// DefaultHeartbeat returns a low-frequency heartbeat for url
func DefaultHeartbeat(url string) *Heartbeat {
	return &Heartbeat{
		URL:         url,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		SlowLatency: 2 * time.Second,
	}
}

// Monitor holds the connectivity state machine. Transitions are driven by
// SetOnline / SetBandwidth (host signals) or by the heartbeat.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	slow      bool
	since     time.Time
	listeners map[uint64]Listener
	nextID    uint64

	heartbeat *Heartbeat
	http      *http.Client
	logger    *slog.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor in the given initial state. heartbeat may be nil.
func NewMonitor(online bool, heartbeat *Heartbeat, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		online:    online,
		since:     time.Now(),
		listeners: make(map[uint64]Listener),
		heartbeat: heartbeat,
		logger:    logger,
	}
	if heartbeat != nil {
		m.http = &http.Client{Timeout: heartbeat.Timeout}
	}
	return m
}

// Status returns the last known state without any I/O
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.stateLocked()
	return Status{IsOffline: q == offsync.QualityOffline, Quality: q, Since: m.since}
}

func (m *Monitor) stateLocked() State {
	switch {
	case !m.online:
		return offsync.QualityOffline
	case m.slow:
		return offsync.QualityOnlineSlow
	default:
		return offsync.QualityOnlineFast
	}
}

// OnChange registers l and returns a function that unregisters it. Listeners
// are called synchronously in no particular order; a panicking listener does
// not affect the others.
func (m *Monitor) OnChange(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// SetOnline applies a host online/offline signal
func (m *Monitor) SetOnline(online bool) {
	m.transition(func() { m.online = online })
}

// SetBandwidth applies a network-information hint. effectiveType follows the
// browser NetworkInformation API ("slow-2g", "2g", "3g", "4g"); downlinkMbps
// is used when effectiveType is empty.
func (m *Monitor) SetBandwidth(effectiveType string, downlinkMbps float64) {
	slow := false
	switch strings.ToLower(effectiveType) {
	case "slow-2g", "2g", "3g":
		slow = true
	case "":
		slow = downlinkMbps > 0 && downlinkMbps < 1.5
	}
	m.transition(func() { m.slow = slow })
}

func (m *Monitor) transition(apply func()) {
	m.mu.Lock()
	from := m.stateLocked()
	apply()
	to := m.stateLocked()
	if from == to {
		m.mu.Unlock()
		return
	}
	m.since = time.Now()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "from", from, "to", to)
	for _, l := range listeners {
		m.notify(l, from, to)
	}
}

func (m *Monitor) notify(l Listener, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Connectivity listener panicked", "panic", r)
		}
	}()
	l(from, to)
}

// Start runs the heartbeat loop until ctx is done or Stop is called. It is a
// no-op without a heartbeat or when already running.
func (m *Monitor) Start(ctx context.Context) {
	if m.heartbeat == nil || m.heartbeat.URL == "" {
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.heartbeatLoop(runCtx, m.done)
}

// Stop stops the heartbeat loop and waits for it to exit
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.http.CloseIdleConnections()
}

func (m *Monitor) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := m.heartbeat.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		m.Probe(ctx)
		if err := offsync.SleepWithContext(ctx, interval); err != nil {
			return
		}
	}
}

// Probe performs a single heartbeat request and applies its outcome
func (m *Monitor) Probe(ctx context.Context) {
	if m.heartbeat == nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.heartbeat.URL, nil)
	if err != nil {
		m.logger.Warn("Invalid heartbeat URL", "url", m.heartbeat.URL, "error", err)
		return
	}
	start := time.Now()
	resp, err := m.http.Do(req)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("Heartbeat failed", "error", err)
		m.SetOnline(false)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		m.SetOnline(false)
		return
	}
	latency := time.Since(start)
	slow := m.heartbeat.SlowLatency > 0 && latency > m.heartbeat.SlowLatency
	m.transition(func() {
		m.online = true
		m.slow = slow
	})
}
