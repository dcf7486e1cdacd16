package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/apptrackit/trackit-sync/internal/sqlitedb"
	"github.com/apptrackit/trackit-sync/localstore"
	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/netmon"
	"github.com/apptrackit/trackit-sync/queue"
	"github.com/apptrackit/trackit-sync/transport"
)

// fakeBackend is an in-memory metrics API recording every call
type fakeBackend struct {
	mu        sync.Mutex
	nextID    int64
	entries   map[int64]transport.RemoteMetric
	malformed []*transport.MalformedRecordError
	calls     []string

	createErrs   []error // returned by successive creates before the entry is stored
	lostResponse []error // returned by successive creates after the entry is stored
	updateErrs   []error
	deleteErrs   []error
	listErr      error

	createGate chan struct{} // when set, creates block until it yields
	active     int
	maxActive  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextID: 100, entries: map[int64]transport.RemoteMetric{}}
}

func (b *fakeBackend) enter(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()
}

func (b *fakeBackend) leave() {
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (b *fakeBackend) CreateMetric(ctx context.Context, req transport.CreateMetricRequest) (int64, error) {
	b.enter(fmt.Sprintf("create:%d@%s=%v", req.MetricTypeID, req.Date, req.Value))
	defer b.leave()

	b.mu.Lock()
	gate := b.createGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.createErrs); err != nil {
		return 0, err
	}
	kind, _ := measure.KindForRemoteType(req.MetricTypeID)
	date, _ := measure.ParseDay(req.Date, time.UTC)
	origin := measure.OriginManual
	if req.IsHealthBridge {
		origin = measure.OriginHealthBridge
	}
	b.nextID++
	b.entries[b.nextID] = transport.RemoteMetric{
		ID: b.nextID, Kind: kind, Value: req.Value, Date: date, Day: req.Date, Origin: origin,
	}
	if err := pop(&b.lostResponse); err != nil {
		return 0, err
	}
	return b.nextID, nil
}

func (b *fakeBackend) UpdateMetric(ctx context.Context, remoteID int64, req transport.UpdateMetricRequest) error {
	b.enter(fmt.Sprintf("update:%d=%v", remoteID, req.Value))
	defer b.leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.updateErrs); err != nil {
		return err
	}
	entry, ok := b.entries[remoteID]
	if !ok {
		return &transport.ValidationError{Op: "updateMetric", StatusCode: 404, Message: "not_found"}
	}
	entry.Value = req.Value
	entry.Day = req.Date
	entry.Date, _ = measure.ParseDay(req.Date, time.UTC)
	b.entries[remoteID] = entry
	return nil
}

func (b *fakeBackend) DeleteMetric(ctx context.Context, remoteID int64) error {
	b.enter(fmt.Sprintf("delete:%d", remoteID))
	defer b.leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.deleteErrs); err != nil {
		return err
	}
	if _, ok := b.entries[remoteID]; !ok {
		return &transport.ValidationError{Op: "deleteMetric", StatusCode: 404, Message: "not_found"}
	}
	delete(b.entries, remoteID)
	return nil
}

func (b *fakeBackend) ListMetrics(ctx context.Context) (*transport.Listing, error) {
	b.enter("list")
	defer b.leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	listing := &transport.Listing{Malformed: b.malformed}
	for _, e := range b.entries {
		listing.Entries = append(listing.Entries, e)
	}
	sort.Slice(listing.Entries, func(i, j int) bool { return listing.Entries[i].ID < listing.Entries[j].ID })
	listing.Total = len(listing.Entries) + len(b.malformed)
	return listing, nil
}

// put stores an entry as if another device had created it
func (b *fakeBackend) put(kind measure.Kind, day string, value float64, origin measure.Origin) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	date, _ := measure.ParseDay(day, time.UTC)
	b.nextID++
	b.entries[b.nextID] = transport.RemoteMetric{ID: b.nextID, Kind: kind, Value: value, Date: date, Day: day, Origin: origin}
	return b.nextID
}

func (b *fakeBackend) setValue(remoteID int64, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[remoteID]
	e.Value = value
	b.entries[remoteID] = e
}

func (b *fakeBackend) callsMatching(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBackend) allCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) entryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// hookedStore runs afterGet once, after the next Get has read its record
type hookedStore struct {
	*localstore.Store
	afterGet atomic.Pointer[func(id string)]
}

func (s *hookedStore) Get(ctx context.Context, id string) (measure.Record, error) {
	rec, err := s.Store.Get(ctx, id)
	if fn := s.afterGet.Swap(nil); fn != nil {
		(*fn)(id)
	}
	return rec, err
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	clock   *clockwork.FakeClock
	store   *localstore.Store
	queue   *queue.Queue
	monitor *netmon.Monitor
	backend *fakeBackend
	orch    *Orchestrator
}

var day5 = time.Date(2024, 1, 5, 7, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC))
	store, err := localstore.New(ctx, db, clock)
	require.NoError(t, err)
	q, err := queue.Open(ctx, db, store, clock, nil)
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		ctx:     ctx,
		clock:   clock,
		store:   store,
		queue:   q,
		monitor: netmon.NewMonitor(clock),
		backend: newFakeBackend(),
	}
	f.orch, err = New(Deps{
		Backend: f.backend,
		Store:   store,
		Queue:   q,
		Monitor: f.monitor,
		Clock:   clock,
		Codec:   transport.NewCodec(time.UTC),
	}, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) online()  { f.monitor.Set(netmon.Connected) }
func (f *fixture) offline() { f.monitor.Set(netmon.Disconnected) }

func (f *fixture) record(kind measure.Kind, value float64, origin measure.Origin) measure.Record {
	f.t.Helper()
	rec, err := f.orch.Record(f.ctx, Input{Kind: kind, Value: value, Date: day5, Origin: origin})
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) sync() *CycleResult {
	f.t.Helper()
	res, err := f.orch.SyncOnce(f.ctx)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) pending() int {
	f.t.Helper()
	n, err := f.queue.PendingCount(f.ctx)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) local(id string) measure.Record {
	f.t.Helper()
	rec, err := f.store.Get(f.ctx, id)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) localByKey(kind measure.Kind, day string) []measure.Record {
	f.t.Helper()
	recs, err := f.store.Find(f.ctx, kind, day)
	require.NoError(f.t, err)
	return recs
}

func (f *fixture) snapshotJSON() string {
	f.t.Helper()
	snap, err := f.orch.Snapshot(f.ctx)
	require.NoError(f.t, err)
	data, err := json.Marshal(snap)
	require.NoError(f.t, err)
	return string(data)
}
