package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/transport"
)

const waitFor = 5 * time.Second

func (f *fixture) run() (stop func()) {
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(f.t, err)
		case <-time.After(waitFor):
			f.t.Fatal("orchestrator did not stop")
		}
	}
}

func indexOf(calls []string, prefix string) int {
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func TestConcurrentWakeupsKeepPerRecordOrder(t *testing.T) {
	f := newFixture(t)
	f.online()
	gate := make(chan struct{})
	f.backend.createGate = gate

	rec := f.record(measure.KindWeight, 80, measure.OriginManual)
	stop := f.run()
	defer stop()

	require.Eventually(t, func() bool { return len(f.backend.callsMatching("create")) == 1 }, waitFor, 5*time.Millisecond)

	// the create is in flight: the update must queue behind it
	_, err := f.orch.Update(f.ctx, rec.ID, 81, day5)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		f.orch.Refresh()
	}
	close(gate)

	require.Eventually(t, func() bool {
		return f.pending() == 0 && len(f.backend.callsMatching("update")) == 1
	}, waitFor, 5*time.Millisecond)

	calls := f.backend.allCalls()
	assert.Less(t, indexOf(calls, "create"), indexOf(calls, "update"), "calls: %v", calls)
	assert.Len(t, f.backend.callsMatching("create"), 1)

	f.backend.mu.Lock()
	maxActive := f.backend.maxActive
	f.backend.mu.Unlock()
	assert.Equal(t, 1, maxActive, "cycles never overlap")

	remoteID := f.local(rec.ID).RemoteID
	f.backend.mu.Lock()
	assert.Equal(t, 81.0, f.backend.entries[remoteID].Value)
	f.backend.mu.Unlock()
}

func TestRunSyncsWhenConnectivityReturns(t *testing.T) {
	f := newFixture(t)
	f.offline()
	f.record(measure.KindHeight, 180, measure.OriginManual)

	stop := f.run()
	defer stop()

	// the first offline cycle leaves the status pending
	require.Eventually(t, func() bool { return f.orch.Status().State == StatePending }, waitFor, 5*time.Millisecond)
	assert.Empty(t, f.backend.allCalls())

	f.online()
	require.Eventually(t, func() bool { return f.pending() == 0 }, waitFor, 5*time.Millisecond)
	assert.Len(t, f.backend.callsMatching("create"), 1)
	require.Eventually(t, func() bool { return f.orch.Status().State == StateCompleted }, waitFor, 5*time.Millisecond)
}

func TestRunRetriesWhenBackoffElapses(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.backend.createErrs = []error{&transport.TransientError{Op: "createMetric", StatusCode: 503, Err: errors.New("unavailable")}}
	f.record(measure.KindCalf, 38, measure.OriginManual)

	stop := f.run()
	defer stop()

	require.Eventually(t, func() bool { return len(f.backend.callsMatching("create")) == 1 }, waitFor, 5*time.Millisecond)

	// periodic ticker and retry timer
	ctx, cancel := context.WithTimeout(f.ctx, waitFor)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))

	f.clock.Advance(f.queue.Config().Backoff(1))
	require.Eventually(t, func() bool { return f.pending() == 0 }, waitFor, 5*time.Millisecond)
	assert.Len(t, f.backend.callsMatching("create"), 2)
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.online()

	updates, cancel := f.orch.Subscribe(1)
	f.record(measure.KindNeck, 39, measure.OriginManual)

	snap := <-updates
	assert.Equal(t, 1, snap.PendingCount)
	assert.Equal(t, "connected", snap.Connectivity)

	f.sync()
	snap = <-updates
	assert.Equal(t, StateCompleted, snap.Status.State)
	assert.Zero(t, snap.PendingCount)
	assert.False(t, snap.LastSyncAt.IsZero())

	cancel()
	_, open := <-updates
	assert.False(t, open)
	cancel()
}

func TestSnapshotReportsAuthPause(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.backend.createErrs = []error{&transport.AuthError{Op: "createMetric", StatusCode: 401}}
	f.record(measure.KindWeight, 80, measure.OriginManual)

	_, err := f.orch.SyncOnce(f.ctx)
	require.Error(t, err)

	snap, err := f.orch.Snapshot(f.ctx)
	require.NoError(t, err)
	assert.True(t, snap.AuthPaused)
	assert.Equal(t, 1, snap.PendingCount)
	assert.Empty(t, snap.FailedOps)
	assert.Contains(t, f.snapshotJSON(), `"reason":"authentication required"`)
}

func TestImportReadingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.offline()

	in := Input{Kind: measure.KindWeight, Value: 79.6, Date: day5}
	first, created, err := f.orch.ImportReading(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, measure.OriginHealthBridge, first.Origin)

	again, created, err := f.orch.ImportReading(f.ctx, Input{Kind: measure.KindWeight, Value: 79.62, Date: day5.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.pending())

	f.online()
	f.sync()
	calls := f.backend.callsMatching("create")
	require.Len(t, calls, 1)
	assert.Equal(t, "create:1@2024-01-05=79.6", calls[0])
}

func TestDeletedImportIsNotImportedAgain(t *testing.T) {
	f := newFixture(t)
	f.online()

	in := Input{Kind: measure.KindWeight, Value: 79.6, Date: day5}
	rec, created, err := f.orch.ImportReading(f.ctx, in)
	require.NoError(t, err)
	require.True(t, created)
	f.sync()
	require.Equal(t, 1, f.backend.entryCount())

	require.NoError(t, f.orch.Delete(f.ctx, rec.ID))
	f.sync()
	require.Zero(t, f.backend.entryCount())

	// the next poll still sees the reading inside its lookback window
	_, created, err = f.orch.ImportReading(f.ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, f.localByKey(measure.KindWeight, "2024-01-05"))
	assert.Zero(t, f.pending())

	// a different reading for the same day is still welcome
	_, created, err = f.orch.ImportReading(f.ctx, Input{Kind: measure.KindWeight, Value: 78.9, Date: day5})
	require.NoError(t, err)
	assert.True(t, created)
}
