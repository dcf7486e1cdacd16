// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/queue"
	"github.com/apptrackit/trackit-sync/transport"
)

var errNoRemoteID = errors.New("record has no remote id and no pending create")

// drain transmits eligible operations until the queue is exhausted, a transient
// failure occurs (soft disconnection) or authentication fails.
func (o *Orchestrator) drain(ctx context.Context, res *CycleResult) error {
	var listing *transport.Listing // fetched lazily for retried creates
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		op, err := o.queue.Next(ctx)
		if err != nil {
			return fmt.Errorf("failed to read next operation: %w", err)
		}
		if op == nil {
			return nil
		}

		switch op.Kind {
		case queue.OpCreate:
			err = o.sendCreate(ctx, op, &listing, res)
		case queue.OpUpdate:
			err = o.sendUpdate(ctx, op, res)
		case queue.OpDelete:
			err = o.sendDelete(ctx, op, res)
		default:
			err = o.fail(ctx, op, fmt.Errorf("%w: unknown operation kind %q", transport.ErrUnsyncable, op.Kind), res)
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) sendCreate(ctx context.Context, op *queue.Operation, listing **transport.Listing, res *CycleResult) error {
	// Already acknowledged, e.g. linked by reconciliation after an earlier attempt
	if rec, err := o.store.Get(ctx, op.RecordID); err == nil && rec.Synced() {
		return o.succeed(ctx, op, rec.RemoteID)
	}
	if op.RemoteID != 0 {
		return o.succeed(ctx, op, op.RemoteID)
	}

	// A previous attempt may have reached the backend before failing locally
	if op.Attempted {
		remoteID, err := o.findUnclaimed(ctx, op, listing)
		if err != nil {
			return o.fail(ctx, op, err, res)
		}
		if remoteID != 0 {
			o.logger.Info("adopting remote entry for retried create", "record_id", op.RecordID, "remote_id", remoteID)
			res.Adopted++
			return o.succeed(ctx, op, remoteID)
		}
	}

	req, err := o.codec.EncodeCreate(op.Record())
	if err != nil {
		return o.fail(ctx, op, err, res)
	}
	remoteID, err := o.backend.CreateMetric(ctx, req)
	if err != nil {
		return o.fail(ctx, op, err, res)
	}
	res.Created++
	return o.succeed(ctx, op, remoteID)
}

func (o *Orchestrator) sendUpdate(ctx context.Context, op *queue.Operation, res *CycleResult) error {
	remoteID, err := o.remoteIDFor(ctx, op)
	if err != nil {
		o.queue.Release(op.ID)
		return err
	}
	if remoteID == 0 {
		pending, err := o.queue.HasPendingCreate(ctx, op.RecordID)
		if err != nil {
			o.queue.Release(op.ID)
			return err
		}
		if pending {
			// stays queued behind its create
			o.queue.Release(op.ID)
			return nil
		}
		return o.fail(ctx, op, fmt.Errorf("%w: %w", transport.ErrUnsyncable, errNoRemoteID), res)
	}

	req, err := o.codec.EncodeUpdate(op.Record())
	if err != nil {
		return o.fail(ctx, op, err, res)
	}
	if err := o.backend.UpdateMetric(ctx, remoteID, req); err != nil {
		return o.fail(ctx, op, err, res)
	}
	res.Updated++
	return o.succeed(ctx, op, 0)
}

func (o *Orchestrator) sendDelete(ctx context.Context, op *queue.Operation, res *CycleResult) error {
	remoteID, err := o.remoteIDFor(ctx, op)
	if err != nil {
		o.queue.Release(op.ID)
		return err
	}
	if remoteID == 0 {
		// never reached the backend: drop the delete together with any leftover create
		o.queue.Release(op.ID)
		if _, err := o.queue.DiscardRecord(context.WithoutCancel(ctx), op.RecordID); err != nil {
			return fmt.Errorf("failed to discard operations of %s: %w", op.RecordID, err)
		}
		res.ResolvedLocally++
		return nil
	}

	if err := o.backend.DeleteMetric(ctx, remoteID); err != nil {
		if !transport.IsNotFound(err) {
			return o.fail(ctx, op, err, res)
		}
		o.logger.Debug("remote entry already gone", "remote_id", remoteID)
	}
	res.Deleted++
	return o.succeed(ctx, op, 0)
}

// remoteIDFor prefers the op snapshot and falls back to the local record
func (o *Orchestrator) remoteIDFor(ctx context.Context, op *queue.Operation) (int64, error) {
	if op.RemoteID != 0 {
		return op.RemoteID, nil
	}
	rec, err := o.store.Get(ctx, op.RecordID)
	if errors.Is(err, measure.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load record %s: %w", op.RecordID, err)
	}
	return rec.RemoteID, nil
}

// findUnclaimed looks for a remote entry matching the op that no local record owns yet
func (o *Orchestrator) findUnclaimed(ctx context.Context, op *queue.Operation, listing **transport.Listing) (int64, error) {
	if *listing == nil {
		l, err := o.backend.ListMetrics(ctx)
		if err != nil {
			return 0, err
		}
		*listing = l
	}
	key := measure.KeyOf(op.MetricKind, op.Date)
	for _, entry := range (*listing).Entries {
		if entry.Key() != key || !measure.SameValue(entry.Value, op.Value) {
			continue
		}
		_, err := o.store.FindByRemoteID(ctx, entry.ID)
		if errors.Is(err, measure.ErrNotFound) {
			return entry.ID, nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// succeed acknowledges op. It holds writeMu so the remote id cannot land between a
// local mutation reading its record and enqueueing the follow-up op.
func (o *Orchestrator) succeed(ctx context.Context, op *queue.Operation, remoteID int64) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	// the backend already applied the op; record it even if ctx was canceled meanwhile
	if err := o.queue.MarkSucceeded(context.WithoutCancel(ctx), op.ID, remoteID); err != nil {
		o.queue.Release(op.ID)
		return fmt.Errorf("failed to acknowledge operation %s: %w", op.ID, err)
	}
	return nil
}

// fail classifies err. Validation failures are permanent and the drain goes on;
// transient failures back off and stop the drain; authentication failures leave
// the op untouched and stop the drain.
func (o *Orchestrator) fail(ctx context.Context, op *queue.Operation, err error, res *CycleResult) error {
	if errors.Is(err, context.Canceled) {
		if op.Kind == queue.OpCreate && !op.Attempted {
			if markErr := o.queue.MarkAttempted(context.WithoutCancel(ctx), op.ID); markErr != nil {
				o.logger.Warn("failed to flag interrupted create", "op_id", op.ID, "error", markErr)
			}
		}
		o.queue.Release(op.ID)
		return err
	}
	if transport.IsAuth(err) {
		o.queue.Release(op.ID)
		return err
	}

	permanent := transport.IsValidation(err)
	updated, markErr := o.queue.MarkFailed(context.WithoutCancel(ctx), op.ID, err, permanent)
	if markErr != nil {
		o.queue.Release(op.ID)
		return fmt.Errorf("failed to record failure of %s: %w", op.ID, markErr)
	}
	if updated.State == queue.StateFailed {
		res.Failed++
	}
	if permanent {
		o.logger.Warn("operation rejected", "op", op.Kind, "record_id", op.RecordID, "error", err)
		return nil
	}
	o.logger.Info("operation will be retried", "op", op.Kind, "record_id", op.RecordID,
		"retry", updated.RetryCount, "next_attempt_at", updated.NextAttemptAt, "error", err)
	return err
}
