package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apptrackit/trackit-sync/engine"
)

type fakeSource struct {
	mu      sync.Mutex
	current engine.Snapshot
	err     error
	updates chan engine.Snapshot
}

func newFakeSource(snap engine.Snapshot) *fakeSource {
	return &fakeSource{current: snap, updates: make(chan engine.Snapshot, 8)}
}

func (s *fakeSource) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.err
}

func (s *fakeSource) Subscribe(buffer int) (<-chan engine.Snapshot, func()) {
	return s.updates, func() {}
}

func (s *fakeSource) publish(snap engine.Snapshot) {
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
	s.updates <- snap
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStatusEndpoint(t *testing.T) {
	source := newFakeSource(engine.Snapshot{
		Status:       engine.Status{State: engine.StatePending},
		PendingCount: 3,
		Connectivity: "disconnected",
	})
	feed := New(source, clockwork.NewFakeClock(), nil)
	defer feed.Close()
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap engine.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, engine.StatePending, snap.Status.State)
	assert.Equal(t, 3, snap.PendingCount)
	assert.Equal(t, "disconnected", snap.Connectivity)
}

func TestStatusEndpointSnapshotFailure(t *testing.T) {
	source := newFakeSource(engine.Snapshot{})
	source.err = errors.New("database is locked")
	feed := New(source, nil, nil)
	defer feed.Close()
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	source := newFakeSource(engine.Snapshot{Status: engine.Status{State: engine.StateCompleted}})
	feed := New(source, clockwork.NewFakeClock(), nil)
	defer feed.Close()
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	initial := readMessage(t, ctx, conn)
	assert.Equal(t, MessageTypeSnapshot, initial.Type)
	assert.Equal(t, engine.StateCompleted, initial.Snapshot.Status.State)
	assert.Equal(t, 1, feed.ClientCount())

	source.publish(engine.Snapshot{
		Status:     engine.Status{State: engine.StateFailed, Reason: "authentication required"},
		AuthPaused: true,
	})
	pushed := readMessage(t, ctx, conn)
	assert.Equal(t, engine.StateFailed, pushed.Snapshot.Status.State)
	assert.True(t, pushed.Snapshot.AuthPaused)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return feed.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
