// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/netmon"
	"github.com/apptrackit/trackit-sync/queue"
	"github.com/apptrackit/trackit-sync/transport"
)

// Config holds orchestrator settings
type Config struct {
	SyncInterval time.Duration // periodic wake-up, 5m
	CycleTimeout time.Duration // upper bound for one drain+reconcile cycle, 2m
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
		CycleTimeout: 2 * time.Minute,
	}
}

// Backend is the remote metrics API
type Backend interface {
	CreateMetric(ctx context.Context, req transport.CreateMetricRequest) (int64, error)
	UpdateMetric(ctx context.Context, remoteID int64, req transport.UpdateMetricRequest) error
	DeleteMetric(ctx context.Context, remoteID int64) error
	ListMetrics(ctx context.Context) (*transport.Listing, error)
}

// Store is the local record store. Get and FindByRemoteID return an error
// matching measure.ErrNotFound when nothing matches.
type Store interface {
	Upsert(ctx context.Context, rec measure.Record) (measure.Record, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (measure.Record, error)
	ListByKind(ctx context.Context, kind measure.Kind) ([]measure.Record, error)
	Find(ctx context.Context, kind measure.Kind, day string) ([]measure.Record, error)
	FindByRemoteID(ctx context.Context, remoteID int64) (measure.Record, error)
	WasDeletedImport(ctx context.Context, kind measure.Kind, day string, value float64) (bool, error)
}

// Queue is the durable operation queue
type Queue interface {
	Enqueue(ctx context.Context, op queue.Operation) (*queue.Operation, error)
	Next(ctx context.Context) (*queue.Operation, error)
	MarkSucceeded(ctx context.Context, opID string, remoteID int64) error
	MarkFailed(ctx context.Context, opID string, cause error, permanent bool) (*queue.Operation, error)
	MarkAttempted(ctx context.Context, opID string) error
	Release(opID string)
	DiscardRecord(ctx context.Context, recordID string) (int, error)
	HasPendingCreate(ctx context.Context, recordID string) (bool, error)
	HasPendingMutation(ctx context.Context, recordID string) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Failed(ctx context.Context) ([]queue.Operation, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	RetryFailed(ctx context.Context) (int, error)
}

// Connectivity is the network monitor as seen by the orchestrator
type Connectivity interface {
	State() netmon.State
	Subscribe(buffer int) (<-chan netmon.Transition, func())
}

// Deps are the collaborators injected into the orchestrator
type Deps struct {
	Backend Backend
	Store   Store
	Queue   Queue
	Monitor Connectivity
	Clock   clockwork.Clock // defaults to the real clock
	Codec   transport.Codec // zero value places remote days in time.Local
	Logger  *slog.Logger    // defaults to slog.Default()
}
