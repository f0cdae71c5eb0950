package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-offsync/offsqlite"
	"github.com/mobiletoly/go-offsync/offsync"
	"github.com/mobiletoly/go-offsync/remote/httpremote"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory record store with injectable failures
type fakeRemote struct {
	mu       sync.Mutex
	records  map[string]map[string]json.RawMessage
	calls    []string
	nextID   int
	issueIDs bool // replace client ids with server ids on create
	fail     func(op, table, id string) error
	started  chan struct{} // receives on every call when non-nil
	release  chan struct{} // calls block until closed when non-nil
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeRemote) enter(op, table, id string) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s %s", op, table, id))
	if f.fail != nil {
		return f.fail(op, table, id)
	}
	return nil
}

func (f *fakeRemote) Create(ctx context.Context, table string, data json.RawMessage) (json.RawMessage, error) {
	id, _ := offsync.ExtractID(data)
	if err := f.enter("create", table, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueIDs || id == "" {
		f.nextID++
		id = fmt.Sprintf("srv-%d", f.nextID)
	}
	rec, err := offsync.SetID(data, id, false)
	if err != nil {
		return nil, err
	}
	if f.records[table] == nil {
		f.records[table] = make(map[string]json.RawMessage)
	}
	f.records[table][id] = rec
	return rec, nil
}

func (f *fakeRemote) Update(ctx context.Context, table, id string, data json.RawMessage) (json.RawMessage, error) {
	if err := f.enter("update", table, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.records[table][id]
	if !ok {
		return nil, &offsync.ConflictError{Table: table, ID: id, Reason: "not found", Err: offsync.ErrNotFound}
	}
	merged := map[string]any{}
	_ = json.Unmarshal(current, &merged)
	patch := map[string]any{}
	_ = json.Unmarshal(data, &patch)
	for k, v := range patch {
		merged[k] = v
	}
	rec, _ := json.Marshal(merged)
	f.records[table][id] = rec
	return rec, nil
}

func (f *fakeRemote) Delete(ctx context.Context, table, id string) error {
	if err := f.enter("delete", table, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[table][id]; !ok {
		return &offsync.ConflictError{Table: table, ID: id, Reason: "not found", Err: offsync.ErrNotFound}
	}
	delete(f.records[table], id)
	return nil
}

func (f *fakeRemote) Fetch(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error) {
	if err := f.enter("fetch", table, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.records[table]))
	for id := range f.records[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.records[table][id])
	}
	return out, nil
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) get(table, id string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[table][id]
	return rec, ok
}

type fixture struct {
	remote *fakeRemote
	queue  *offsqlite.Queue
	cache  *offsqlite.Cache
	state  *offsqlite.State
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := offsqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{remote: newFakeRemote()}
	f.queue, err = offsqlite.NewQueue(db, nil)
	require.NoError(t, err)
	f.cache, err = offsqlite.NewCache(db, nil, nil)
	require.NoError(t, err)
	f.state, err = offsqlite.NewState(db)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Retry = offsync.RetryPolicy{MaxAttempts: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}
	f.rec, err = New(f.remote, f.queue, f.cache, f.state, cfg, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) enqueue(t *testing.T, typ offsync.ActionType, table, data string) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), typ, table, json.RawMessage(data))
	require.NoError(t, err)
	return id
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = New(newFakeRemote(), nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestSync_OfflineCreateReplayedOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"title":"Troca de óleo"}`)
	require.Len(t, f.queue.List(ctx, offsync.TableJobs), 1)

	res := f.rec.Sync(ctx)
	require.True(t, res.Success)
	require.Equal(t, 1, res.SyncedActions)
	require.Zero(t, res.FailedActions)
	require.Empty(t, res.Errors)
	require.Equal(t, []string{offsync.TableJobs}, res.AffectedTables)
	require.Empty(t, f.queue.List(ctx, offsync.TableJobs))

	cached := f.cache.Get(ctx, offsync.TableJobs, "")
	require.Len(t, cached, 1)
	require.Contains(t, string(cached[0].Data), "Troca de óleo")

	last, err := f.state.LastSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
}

func TestSync_NetworkFailureHaltsTableInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createID := f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"job-a","title":"A"}`)
	updateID := f.enqueue(t, offsync.ActionUpdate, offsync.TableJobs, `{"id":"job-a","status":"done"}`)
	f.remote.fail = func(op, table, id string) error {
		if op == "create" {
			return &offsync.NetworkError{Op: op, Table: table, Err: errors.New("connection refused")}
		}
		return nil
	}

	res := f.rec.Sync(ctx)
	require.False(t, res.Success)
	require.GreaterOrEqual(t, res.FailedActions, 1)
	require.Equal(t, 1, res.SkippedActions)
	require.Zero(t, res.SyncedActions)
	require.Len(t, res.Errors, 1)

	for _, call := range f.remote.callLog() {
		require.NotContains(t, call, "update", "update must not run ahead of its failed create")
	}
	require.Equal(t, []string{"create jobs job-a", "create jobs job-a", "create jobs job-a"}, f.remote.callLog(),
		"network errors are retried up to MaxAttempts")

	pending := f.queue.List(ctx, offsync.TableJobs)
	require.Len(t, pending, 2)
	require.Equal(t, createID, pending[0].ID)
	require.Equal(t, updateID, pending[1].ID)
	require.Contains(t, pending[0].LastError, "connection refused")

	last, err := f.state.LastSync(ctx)
	require.NoError(t, err)
	require.Nil(t, last, "partial runs do not advance last sync")
}

func TestSync_FailureInOneTableDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableVessels, `{"id":"v1","name":"Nordic Star"}`)
	f.enqueue(t, offsync.ActionUpdate, offsync.TableJobs, `{"id":"j1","status":"done"}`)
	f.enqueue(t, offsync.ActionUpdate, offsync.TableVessels, `{"id":"v1","status":"at_sea"}`)
	f.remote.fail = func(op, table, id string) error {
		if table == offsync.TableJobs && op != "fetch" {
			return &offsync.ConflictError{Table: table, ID: id, Reason: "check violation"}
		}
		return nil
	}

	res := f.rec.Sync(ctx)
	require.False(t, res.Success)
	require.Equal(t, 2, res.SyncedActions)
	require.Equal(t, 1, res.FailedActions)
	require.Equal(t, 1, res.SkippedActions)
	require.Equal(t, []string{offsync.TableVessels}, res.AffectedTables)

	jobCalls := 0
	for _, call := range f.remote.callLog() {
		if call == "create jobs j1" {
			jobCalls++
		}
	}
	require.Equal(t, 1, jobCalls, "conflicts are not retried")

	rec, ok := f.remote.get(offsync.TableVessels, "v1")
	require.True(t, ok)
	require.Contains(t, string(rec), `"status":"at_sea"`)
	require.Len(t, f.queue.List(ctx, offsync.TableJobs), 2)
	require.Empty(t, f.queue.List(ctx, offsync.TableVessels))
}

func TestSync_Reentrancy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)
	f.remote.started = make(chan struct{}, 16)
	f.remote.release = make(chan struct{})

	first := make(chan offsync.SyncResult, 1)
	go func() { first <- f.rec.Sync(ctx) }()

	<-f.remote.started
	require.True(t, f.rec.Running())
	second := f.rec.Sync(ctx)
	require.True(t, second.Reentrant)
	require.False(t, second.Success)
	require.Equal(t, []string{offsync.ErrReentrant.Error()}, second.Errors)

	close(f.remote.release)
	res := <-first
	require.True(t, res.Success)
	require.Equal(t, 1, res.SyncedActions)
	require.False(t, f.rec.Running())

	creates := 0
	for _, call := range f.remote.callLog() {
		if call == "create jobs j1" {
			creates++
		}
	}
	require.Equal(t, 1, creates, "no action is applied twice")
}

func TestSync_ServerIssuedIDsFlowIntoLaterActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.issueIDs = true
	f.enqueue(t, offsync.ActionCreate, offsync.TableVessels, `{"id":"local-v","name":"Nordic Star"}`)
	f.enqueue(t, offsync.ActionUpdate, offsync.TableVessels, `{"id":"local-v","status":"at_sea"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableCrewMembers, `{"id":"local-c","full_name":"A. Berg","vessel_id":"local-v"}`)

	res := f.rec.Sync(ctx)
	require.True(t, res.Success, res.Errors)
	require.Equal(t, 3, res.SyncedActions)

	vessel, ok := f.remote.get(offsync.TableVessels, "srv-1")
	require.True(t, ok)
	require.Contains(t, string(vessel), `"status":"at_sea"`)

	crew, ok := f.remote.get(offsync.TableCrewMembers, "srv-2")
	require.True(t, ok)
	require.Contains(t, string(crew), `"vessel_id":"srv-1"`)
	require.ElementsMatch(t, []string{offsync.TableVessels, offsync.TableCrewMembers}, res.AffectedTables)
}

func TestSync_IDMappingPersistsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.issueIDs = true
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"local-j","title":"A"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableCrewMembers, `{"full_name":"A. Berg","vessel_id":"local-j"}`)
	f.remote.fail = func(op, table, id string) error {
		if table == offsync.TableCrewMembers {
			return &offsync.NetworkError{Op: op, Table: table, Err: errors.New("timeout")}
		}
		return nil
	}

	res := f.rec.Sync(ctx)
	require.Equal(t, 1, res.SyncedActions)
	require.Equal(t, 1, res.FailedActions)

	pending := f.queue.List(ctx, offsync.TableCrewMembers)
	require.Len(t, pending, 1)
	require.Contains(t, string(pending[0].Data), `"vessel_id":"srv-1"`)
}

func TestSync_DeleteOfMissingRecordSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, offsync.ActionDelete, offsync.TableRoutes, `{"id":"gone"}`)

	res := f.rec.Sync(ctx)
	require.True(t, res.Success, res.Errors)
	require.Equal(t, 1, res.SyncedActions)
	require.Empty(t, f.queue.List(ctx, ""))
}

func TestSync_DeleteOnUnknownRemoteTableIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var deletes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown_table","message":"unknown table: routes"}`))
	}))
	t.Cleanup(srv.Close)

	rec, err := New(httpremote.NewClient(srv.URL, nil, nil), f.queue, f.cache, f.state, f.rec.config, nil)
	require.NoError(t, err)
	id := f.enqueue(t, offsync.ActionDelete, offsync.TableRoutes, `{"id":"r1"}`)

	res := rec.Sync(ctx)
	require.False(t, res.Success)
	require.Zero(t, res.SyncedActions)
	require.Equal(t, 1, res.FailedActions)
	require.EqualValues(t, 1, deletes.Load(), "terminal errors are not retried")

	pending := f.queue.List(ctx, "")
	require.Len(t, pending, 1, "a delete the server never applied stays queued")
	require.Equal(t, id, pending[0].ID)
	require.True(t, pending[0].Conflict)
}

func TestSync_ConflictIsHeldUntilRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)
	require.True(t, f.rec.Sync(ctx).Success)

	first := f.enqueue(t, offsync.ActionUpdate, offsync.TableJobs, `{"id":"j1","status":"in_progress"}`)
	f.enqueue(t, offsync.ActionUpdate, offsync.TableJobs, `{"id":"j1","status":"done"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableVessels, `{"id":"v1","name":"Nordic Star"}`)
	f.remote.fail = func(op, table, id string) error {
		if op == "update" {
			return &offsync.ConflictError{Table: table, ID: id, Reason: "stale version"}
		}
		return nil
	}
	updateCalls := func() int {
		n := 0
		for _, call := range f.remote.callLog() {
			if call == "update jobs j1" {
				n++
			}
		}
		return n
	}

	res := f.rec.Sync(ctx)
	require.Equal(t, 1, res.FailedActions)
	require.Equal(t, 1, res.SkippedActions)
	require.Equal(t, 1, res.SyncedActions, "other tables continue")
	require.Equal(t, 1, updateCalls())

	for i := 0; i < 2; i++ {
		res = f.rec.Sync(ctx)
		require.False(t, res.Success)
		require.Zero(t, res.FailedActions)
		require.Equal(t, 2, res.SkippedActions)
		require.Len(t, res.Errors, 1)
		require.Contains(t, res.Errors[0], "held after conflict")
	}
	require.Equal(t, 1, updateCalls(), "a conflicted action is not replayed automatically")

	pending := f.queue.List(ctx, offsync.TableJobs)
	require.Len(t, pending, 2)
	require.True(t, pending[0].Conflict)
	require.False(t, pending[1].Conflict)

	f.remote.fail = nil
	require.NoError(t, f.queue.Retry(ctx, first))
	res = f.rec.Sync(ctx)
	require.True(t, res.Success, res.Errors)
	require.Equal(t, 2, res.SyncedActions)
	require.Equal(t, 3, updateCalls())
	rec, ok := f.remote.get(offsync.TableJobs, "j1")
	require.True(t, ok)
	require.Contains(t, string(rec), `"status":"done"`)
}

func TestSync_InvalidQueuedPayloadIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, offsync.ActionUpdate, offsync.TableJobs, `{"id":"j1","status":"open"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableRoutes, `{"id":"r1","name":"x"}`)

	fake := &pendingOverride{Queue: f.queue, patch: map[string]json.RawMessage{id: json.RawMessage(`{"id":"j1","priority":"urgent"}`)}}
	rec, err := New(f.remote, fake, f.cache, f.state, f.rec.config, nil)
	require.NoError(t, err)

	res := rec.Sync(ctx)
	require.Equal(t, 1, res.FailedActions)
	require.Equal(t, 1, res.SyncedActions)
	require.Contains(t, res.Errors[0], "invalid payload")
	for _, call := range f.remote.callLog() {
		require.NotContains(t, call, "update")
	}
}

// pendingOverride replaces payloads returned by Pending to simulate rows
// written by an older client version
type pendingOverride struct {
	*offsqlite.Queue
	patch map[string]json.RawMessage
}

func (p *pendingOverride) Pending(ctx context.Context, table string) ([]offsync.PendingAction, error) {
	actions, err := p.Queue.Pending(ctx, table)
	for i := range actions {
		if data, ok := p.patch[actions[i].ID]; ok {
			actions[i].Data = data
		}
	}
	return actions, err
}

func TestSync_RefreshFailureIsReportedButNotCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.Put(ctx, offsync.TableJobs, []json.RawMessage{json.RawMessage(`{"id":"old","title":"stale"}`)})
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)
	f.remote.fail = func(op, table, id string) error {
		if op == "fetch" {
			return &offsync.NetworkError{Op: op, Table: table, StatusCode: 503, Err: errors.New("unavailable")}
		}
		return nil
	}

	res := f.rec.Sync(ctx)
	require.Equal(t, 1, res.SyncedActions)
	require.Zero(t, res.FailedActions)
	require.True(t, res.Success)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "refresh jobs")

	cached := f.cache.Get(ctx, offsync.TableJobs, "")
	require.Len(t, cached, 1)
	require.Equal(t, "old", cached[0].ID, "failed refresh keeps the previous snapshot")
}

func TestSync_RefreshUsesFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var seen map[string]string
	remote := &filterSpy{fakeRemote: f.remote, seen: &seen}
	cfg := *f.rec.config
	cfg.RefreshFilters = map[string]map[string]string{offsync.TableJobs: {"vessel_id": "v1"}}
	rec, err := New(remote, f.queue, f.cache, f.state, &cfg, nil)
	require.NoError(t, err)

	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A","vessel_id":"v1"}`)
	res := rec.Sync(ctx)
	require.True(t, res.Success)
	require.Equal(t, map[string]string{"vessel_id": "v1"}, seen)
}

type filterSpy struct {
	*fakeRemote
	seen *map[string]string
}

func (s *filterSpy) Fetch(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error) {
	*s.seen = filter
	return s.fakeRemote.Fetch(ctx, table, filter)
}

func TestSync_PrunesSyncedActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)

	require.True(t, f.rec.Sync(ctx).Success)
	_, err := f.queue.Get(ctx, id)
	require.ErrorIs(t, err, offsync.ErrNotFound)
}

func TestSync_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	res := f.rec.Sync(context.Background())
	require.True(t, res.Success)
	require.Zero(t, res.SyncedActions)
	require.Empty(t, res.Errors)
	require.Empty(t, f.remote.callLog())
}

func TestSync_CancelledContextSkipsRemaining(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableVessels, `{"id":"v1","name":"x"}`)

	ctx, cancel := context.WithCancel(context.Background())
	f.remote.fail = func(op, table, id string) error {
		cancel()
		return nil
	}
	res := f.rec.Sync(ctx)
	require.Equal(t, 1, res.SyncedActions)
	require.Equal(t, 1, res.SkippedActions)
	require.False(t, res.Success)
}

func TestSync_ReportsStageTimings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var (
		mu     sync.Mutex
		stages []StageTiming
	)
	f.rec.config.Metrics = MetricsRecorderFunc(func(ctx context.Context, timing StageTiming) {
		mu.Lock()
		stages = append(stages, timing)
		mu.Unlock()
	})
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j1","title":"A"}`)
	f.enqueue(t, offsync.ActionCreate, offsync.TableJobs, `{"id":"j2","title":"B"}`)

	require.True(t, f.rec.Sync(ctx).Success)

	mu.Lock()
	defer mu.Unlock()
	var names []string
	for _, s := range stages {
		names = append(names, s.Stage)
	}
	require.Equal(t, []string{StageReplay, StageReplay, StageRefresh, StagePrune, StageTotal}, names)
	require.Equal(t, offsync.TableJobs, stages[0].Table)
	require.Equal(t, 2, stages[2].Count, "refresh reports fetched records")
	require.Equal(t, 2, stages[3].Count, "prune reports removed actions")
	require.Equal(t, 2, stages[4].Count)
	require.False(t, stages[4].Error)
}
