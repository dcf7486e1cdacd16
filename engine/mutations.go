// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/netmon"
	"github.com/apptrackit/trackit-sync/queue"
)

// Input describes a new measurement
type Input struct {
	Kind   measure.Kind
	Value  float64
	Date   time.Time
	Origin measure.Origin // defaults to manual
}

func (in Input) validate() error {
	if !in.Kind.Valid() {
		return fmt.Errorf("unknown measurement kind %q", in.Kind)
	}
	if in.Kind.IsDerived() {
		return fmt.Errorf("%w: %s", ErrDerivedKind, in.Kind)
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return fmt.Errorf("invalid value %v", in.Value)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("measurement date is required")
	}
	return nil
}

// Record stores a new measurement locally and queues its create.
// The op is queued before the record is written so a crash in between can only
// lose the local copy, which reconciliation restores from the backend.
func (o *Orchestrator) Record(ctx context.Context, in Input) (measure.Record, error) {
	if err := in.validate(); err != nil {
		return measure.Record{}, err
	}
	if in.Origin == "" {
		in.Origin = measure.OriginManual
	}
	rec := measure.Record{
		ID:     uuid.NewString(),
		Date:   in.Date,
		Value:  in.Value,
		Kind:   in.Kind,
		Origin: in.Origin,
	}

	o.writeMu.Lock()
	rec, err := o.apply(ctx, queue.OpCreate, rec)
	o.writeMu.Unlock()
	if err != nil {
		return measure.Record{}, err
	}
	o.logger.Debug("measurement recorded", "record_id", rec.ID, "kind", rec.Kind, "origin", rec.Origin)
	o.wakeIfOnline()
	return rec, nil
}

// ImportReading records a health-bridge reading unless the same reading was
// already imported for that day or the user deleted it. The bool reports whether
// a record was created.
func (o *Orchestrator) ImportReading(ctx context.Context, in Input) (measure.Record, bool, error) {
	in.Origin = measure.OriginHealthBridge
	if err := in.validate(); err != nil {
		return measure.Record{}, false, err
	}

	existing, err := o.store.Find(ctx, in.Kind, measure.Day(in.Date))
	if err != nil {
		return measure.Record{}, false, fmt.Errorf("failed to look up %s: %w", measure.KeyOf(in.Kind, in.Date), err)
	}
	for _, rec := range existing {
		if rec.Origin == measure.OriginHealthBridge && measure.SameValue(rec.Value, in.Value) {
			return rec, false, nil
		}
	}
	deleted, err := o.store.WasDeletedImport(ctx, in.Kind, measure.Day(in.Date), in.Value)
	if err != nil {
		return measure.Record{}, false, err
	}
	if deleted {
		o.logger.Debug("skipping reading deleted by the user", "key", measure.KeyOf(in.Kind, in.Date).String(), "value", in.Value)
		return measure.Record{}, false, nil
	}

	rec, err := o.Record(ctx, in)
	if err != nil {
		return measure.Record{}, false, err
	}
	return rec, true, nil
}

// Update changes value and date of a local record and queues the update.
// A zero date keeps the current one.
func (o *Orchestrator) Update(ctx context.Context, id string, value float64, date time.Time) (measure.Record, error) {
	o.writeMu.Lock()
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		o.writeMu.Unlock()
		return measure.Record{}, err
	}
	rec.Value = value
	if !date.IsZero() {
		rec.Date = date
	}
	if err := (Input{Kind: rec.Kind, Value: rec.Value, Date: rec.Date}).validate(); err != nil {
		o.writeMu.Unlock()
		return measure.Record{}, err
	}
	rec, err = o.apply(ctx, queue.OpUpdate, rec)
	o.writeMu.Unlock()
	if err != nil {
		return measure.Record{}, err
	}
	o.wakeIfOnline()
	return rec, nil
}

// Delete removes a local record and queues the delete
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.writeMu.Lock()
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		o.writeMu.Unlock()
		return err
	}
	_, err = o.apply(ctx, queue.OpDelete, rec)
	o.writeMu.Unlock()
	if err != nil {
		return err
	}
	o.wakeIfOnline()
	return nil
}

// apply must be called with writeMu held
func (o *Orchestrator) apply(ctx context.Context, kind queue.OpKind, rec measure.Record) (measure.Record, error) {
	if _, err := o.queue.Enqueue(ctx, queue.FromRecord(kind, rec)); err != nil {
		return rec, fmt.Errorf("failed to queue %s for %s: %w", kind, rec.ID, err)
	}
	if kind == queue.OpDelete {
		if err := o.store.Delete(ctx, rec.ID); err != nil {
			return rec, err
		}
	} else {
		stored, err := o.store.Upsert(ctx, rec)
		if err != nil {
			return rec, err
		}
		rec = stored
	}
	o.publish(ctx)
	return rec, nil
}

func (o *Orchestrator) wakeIfOnline() {
	if o.monitor.State() == netmon.Connected {
		o.Refresh()
	}
}
