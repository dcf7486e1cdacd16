// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the sync orchestrator: it drains the operation queue
// to the backend, reconciles the remote listing into the local store and
// reports a single sync status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/apptrackit/trackit-sync/netmon"
	"github.com/apptrackit/trackit-sync/transport"
)

var (
	// ErrAuthPaused is returned while sync waits for re-authentication
	ErrAuthPaused = errors.New("sync paused until re-authentication")
	// ErrDerivedKind rejects local mutations of derived kinds
	ErrDerivedKind = errors.New("derived kinds are computed locally and cannot be recorded")
)

// Orchestrator coordinates queue, backend, local store and network monitor
type Orchestrator struct {
	backend Backend
	store   Store
	queue   Queue
	monitor Connectivity
	clock   clockwork.Clock
	codec   transport.Codec
	config  *Config
	logger  *slog.Logger

	cycleMu sync.Mutex // one cycle at a time
	writeMu sync.Mutex // local mutations and reconciliation writes

	wake chan struct{}

	mu         sync.Mutex
	running    bool
	rerun      bool
	status     Status
	lastErr    string
	lastSyncAt time.Time
	authPaused bool
	subs       map[int]chan Snapshot
	nextSub    int
}

// New creates an orchestrator. config may be nil for DefaultConfig.
func New(deps Deps, config *Config) (*Orchestrator, error) {
	if deps.Backend == nil || deps.Store == nil || deps.Queue == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("backend, store, queue and monitor are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		backend: deps.Backend,
		store:   deps.Store,
		queue:   deps.Queue,
		monitor: deps.Monitor,
		clock:   deps.Clock,
		codec:   deps.Codec,
		config:  config,
		logger:  deps.Logger,
		wake:    make(chan struct{}, 1),
		status:  Status{State: StateCompleted},
		subs:    make(map[int]chan Snapshot),
	}, nil
}

// Run wakes the orchestrator on the periodic ticker, on transitions to connected,
// on Refresh and when the earliest backoff deadline elapses. It returns when ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	transitions, unsubscribe := o.monitor.Subscribe(4)
	defer unsubscribe()

	ticker := o.clock.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	var retry clockwork.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	o.logger.Info("sync orchestrator started", "interval", o.config.SyncInterval)
	defer o.logger.Info("sync orchestrator stopped")

	for {
		o.runCycles(ctx)
		if ctx.Err() != nil {
			return nil
		}
		retryC := o.scheduleRetry(ctx, &retry)

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				break wait
			case <-o.wake:
				break wait
			case <-retryC:
				break wait
			case tr, ok := <-transitions:
				if !ok {
					transitions = nil
					continue
				}
				o.logger.Info("connectivity changed", "from", tr.From.String(), "to", tr.To.String())
				if tr.To == netmon.Connected {
					break wait
				}
				o.publish(ctx)
			}
		}
	}
}

// Refresh requests a cycle without blocking. Requests made while a cycle runs
// collapse into a single follow-up cycle.
func (o *Orchestrator) Refresh() {
	o.mu.Lock()
	running := o.running
	if running {
		o.rerun = true
	}
	o.mu.Unlock()

	if !running {
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
}

// Reauthenticated resumes a sync paused by an authentication failure
func (o *Orchestrator) Reauthenticated() {
	o.mu.Lock()
	wasPaused := o.authPaused
	o.authPaused = false
	if wasPaused {
		o.status = Status{State: StatePending}
	}
	o.mu.Unlock()
	if wasPaused {
		o.logger.Info("re-authenticated, resuming sync")
	}
	o.Refresh()
}

// RetryFailed returns permanently failed operations to the queue and requests a cycle
func (o *Orchestrator) RetryFailed(ctx context.Context) (int, error) {
	n, err := o.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("retrying failed operations", "count", n)
		o.Refresh()
	}
	return n, nil
}

func (o *Orchestrator) runCycles(ctx context.Context) {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	for {
		if _, err := o.SyncOnce(ctx); err != nil && !errors.Is(err, ErrAuthPaused) && ctx.Err() == nil {
			o.logger.Warn("sync cycle failed", "error", err)
		}

		o.mu.Lock()
		if !o.rerun || ctx.Err() != nil {
			o.running = false
			o.rerun = false
			o.mu.Unlock()
			return
		}
		o.rerun = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, timer *clockwork.Timer) <-chan time.Time {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
	// offline or paused cycles return without sending; connectivity and Reauthenticated wake us instead
	o.mu.Lock()
	paused := o.authPaused
	o.mu.Unlock()
	if paused || o.monitor.State() != netmon.Connected {
		return nil
	}
	due, ok, err := o.queue.NextDue(ctx)
	if err != nil {
		o.logger.Warn("failed to read retry schedule", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	wait := due.Sub(o.clock.Now())
	if wait < 0 {
		wait = 0
	}
	*timer = o.clock.NewTimer(wait)
	return (*timer).Chan()
}

// SyncOnce runs one drain+reconcile cycle and returns what it did.
// Offline cycles return immediately with CycleResult.Offline set.
func (o *Orchestrator) SyncOnce(ctx context.Context) (*CycleResult, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.mu.Lock()
	paused := o.authPaused
	o.mu.Unlock()
	if paused {
		return nil, ErrAuthPaused
	}

	res := &CycleResult{}
	if o.monitor.State() != netmon.Connected {
		res.Offline = true
		o.finish(ctx, res, nil)
		return res, nil
	}

	cycleCtx, cancel := context.WithTimeout(ctx, o.config.CycleTimeout)
	defer cancel()

	o.setStatus(ctx, Status{State: StateInProgress})
	start := o.clock.Now()

	err := o.drain(cycleCtx, res)
	if err == nil {
		err = o.reconcile(cycleCtx, res)
	}
	o.finish(ctx, res, err)

	o.logger.Debug("sync cycle finished",
		"duration", o.clock.Since(start),
		"created", res.Created, "updated", res.Updated, "deleted", res.Deleted,
		"adopted", res.Adopted, "resolved_locally", res.ResolvedLocally, "failed", res.Failed,
		"pulled", res.Pulled, "linked", res.Linked, "overwritten", res.Overwritten,
		"skipped", res.Skipped, "malformed", res.Malformed, "error", err)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, res *CycleResult, err error) {
	stats, statsErr := o.queue.Stats(context.WithoutCancel(ctx))
	if statsErr != nil {
		o.logger.Warn("failed to read queue stats", "error", statsErr)
	}

	o.mu.Lock()
	switch {
	case err != nil && transport.IsAuth(err):
		o.authPaused = true
		o.lastErr = err.Error()
		o.status = Status{State: StateFailed, Reason: "authentication required"}
	case err != nil:
		o.lastErr = err.Error()
		o.status = Status{State: StateFailed, Reason: err.Error()}
	case stats.Pending > 0:
		o.status = Status{State: StatePending}
	default:
		o.status = Status{State: StateCompleted}
	}
	if err == nil && !res.Offline {
		o.lastSyncAt = o.clock.Now()
		o.lastErr = ""
	}
	o.mu.Unlock()

	if err != nil && transport.IsAuth(err) {
		o.logger.Warn("sync paused: authentication required", "error", err)
	}
	o.publish(ctx)
}

func (o *Orchestrator) setStatus(ctx context.Context, s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
	o.publish(ctx)
}

// Status returns the current sync status
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Snapshot returns status, pending count, failed operations and the last error
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	failed, err := o.queue.Failed(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Status:       o.status,
		PendingCount: stats.Pending,
		InFlight:     stats.InFlight,
		FailedOps:    failedOps(failed),
		LastError:    o.lastErr,
		LastSyncAt:   o.lastSyncAt,
		AuthPaused:   o.authPaused,
		Connectivity: o.monitor.State().String(),
	}, nil
}

// Subscribe delivers a snapshot after every status change. A slow subscriber
// only ever misses intermediate snapshots, never the latest.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context) {
	o.mu.Lock()
	n := len(o.subs)
	o.mu.Unlock()
	if n == 0 {
		return
	}

	snap, err := o.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Warn("failed to build status snapshot", "error", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		for sent := false; !sent; {
			select {
			case ch <- snap:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}
