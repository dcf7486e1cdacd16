package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apptrackit/trackit-sync/backend"
	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/transport"
)

// withServer swaps the fake backend for a real HTTP client talking to an in-process metrics server
func withServer(t *testing.T, f *fixture) (*transport.Client, *backend.TestServer) {
	t.Helper()
	ts, err := backend.NewTestServer(&backend.ServerConfig{
		JWTSecret: "e2e-secret",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	token, err := ts.GenerateToken("e2e-user", "e2e-phone", time.Hour)
	require.NoError(t, err)
	client := transport.NewClient(ts.URL(), func(context.Context) (string, error) { return token, nil })
	client.Codec = transport.NewCodec(time.UTC)

	f.orch.backend = client
	return client, ts
}

func TestEndToEndOfflineCreateSyncsOnce(t *testing.T) {
	f := newFixture(t)
	client, ts := withServer(t, f)

	f.offline()
	rec := f.record(measure.KindWeight, 78.3, measure.OriginManual)
	res := f.sync()
	assert.True(t, res.Offline)
	assert.Equal(t, 1, f.pending())

	f.online()
	res = f.sync()
	assert.Equal(t, 1, res.Created)
	assert.Zero(t, f.pending())

	synced := f.local(rec.ID)
	require.Positive(t, synced.RemoteID)

	listing, err := client.ListMetrics(f.ctx)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	entry := listing.Entries[0]
	assert.Equal(t, synced.RemoteID, entry.ID)
	assert.Equal(t, measure.KindWeight, entry.Kind)
	assert.Equal(t, 78.3, entry.Value)
	assert.Equal(t, "2024-01-05", entry.Day)

	// a second cycle has nothing to send and does not duplicate
	res = f.sync()
	assert.Zero(t, res.Created)
	entries, total, err := ts.Repository.List(f.ctx, "e2e-user", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, entries, 1)
}

func TestEndToEndUpdateDeleteAndPull(t *testing.T) {
	f := newFixture(t)
	client, ts := withServer(t, f)
	f.online()

	rec := f.record(measure.KindBodyFat, 18.5, measure.OriginManual)
	f.sync()
	rec = f.local(rec.ID)
	require.Positive(t, rec.RemoteID)

	_, err := f.orch.Update(f.ctx, rec.ID, 18.1, day5)
	require.NoError(t, err)
	f.sync()

	entries, _, err := ts.Repository.List(f.ctx, "e2e-user", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 18.1, entries[0].Value)

	// another device adds a waist entry
	_, err = client.CreateMetric(f.ctx, transport.CreateMetricRequest{MetricTypeID: 4, Value: 84, Date: "2024-01-04"})
	require.NoError(t, err)
	res := f.sync()
	assert.Equal(t, 1, res.Pulled)
	pulled := f.localByKey(measure.KindWaist, "2024-01-04")
	require.Len(t, pulled, 1)
	assert.Equal(t, 84.0, pulled[0].Value)

	require.NoError(t, f.orch.Delete(f.ctx, rec.ID))
	f.sync()
	entries, total, err := ts.Repository.List(f.ctx, "e2e-user", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].MetricTypeID)
	assert.Zero(t, f.pending())
}

func TestEndToEndRejectedTokenPausesSync(t *testing.T) {
	f := newFixture(t)
	_, ts := withServer(t, f)
	f.orch.backend = transport.NewClient(ts.URL(), func(context.Context) (string, error) { return "revoked", nil })
	f.online()

	f.record(measure.KindHeight, 181, measure.OriginManual)
	_, err := f.orch.SyncOnce(f.ctx)
	require.Error(t, err)
	assert.True(t, transport.IsAuth(err))
	assert.Equal(t, StateFailed, f.orch.Status().State)
	assert.Equal(t, 1, f.pending())
}
