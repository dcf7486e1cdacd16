// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package statusfeed exposes the sync status over HTTP: a JSON snapshot at
// /status and a WebSocket stream of snapshots at /ws.
package statusfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/apptrackit/trackit-sync/engine"
)

const writeTimeout = 5 * time.Second

// MessageType identifies a feed message
type MessageType string

const (
	// MessageTypeSnapshot carries the current status snapshot
	MessageTypeSnapshot MessageType = "snapshot"
)

// Message is the envelope sent to WebSocket clients
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  engine.Snapshot `json:"snapshot"`
}

// Source provides snapshots. *engine.Orchestrator implements it.
type Source interface {
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	Subscribe(buffer int) (<-chan engine.Snapshot, func())
}

// Feed serves status snapshots and pushes every change to connected clients
type Feed struct {
	source Source
	clock  clockwork.Clock
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a feed over source. clock and logger may be nil.
func New(source Source, clock clockwork.Clock, logger *slog.Logger) *Feed {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		source:  source,
		clock:   clock,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler returns the HTTP routes of the feed
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", f.handleStatus)
	mux.HandleFunc("GET /ws", f.handleWebSocket)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": f.ClientCount()})
	})
	return mux
}

// Run forwards every snapshot published by the source to all clients until ctx is done
func (f *Feed) Run(ctx context.Context) error {
	updates, unsubscribe := f.source.Subscribe(8)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			f.broadcast(snap)
		}
	}
}

// Close disconnects every client
func (f *Feed) Close() {
	f.cancel()
	f.clientsMu.Lock()
	for conn := range f.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(f.clients, conn)
	}
	f.clientsMu.Unlock()
}

// ClientCount returns the number of connected WebSocket clients
func (f *Feed) ClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

func (f *Feed) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := f.source.Snapshot(r.Context())
	if err != nil {
		f.logger.Error("failed to build status snapshot", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	f.clientsMu.Lock()
	f.clients[conn] = struct{}{}
	count := len(f.clients)
	f.clientsMu.Unlock()
	f.logger.Debug("status client connected", "clients", count)
	defer f.removeClient(conn)

	snap, err := f.source.Snapshot(r.Context())
	if err != nil {
		f.logger.Error("failed to build status snapshot", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}
	if err := f.send(conn, snap); err != nil {
		return
	}

	// clients never send anything; CloseRead notices when they go away
	<-conn.CloseRead(f.ctx).Done()
}

func (f *Feed) broadcast(snap engine.Snapshot) {
	f.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(f.clients))
	for conn := range f.clients {
		clients = append(clients, conn)
	}
	f.clientsMu.RUnlock()

	for _, conn := range clients {
		if err := f.send(conn, snap); err != nil {
			f.logger.Debug("dropping status client", "error", err)
			f.removeClient(conn)
		}
	}
}

func (f *Feed) send(conn *websocket.Conn, snap engine.Snapshot) error {
	data, err := json.Marshal(Message{Type: MessageTypeSnapshot, Timestamp: f.clock.Now(), Snapshot: snap})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(f.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	f.clientsMu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
