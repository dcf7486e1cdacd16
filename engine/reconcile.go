// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/transport"
)

type localIndex struct {
	byKey    map[measure.Key][]measure.Record
	byRemote map[int64]measure.Record
	listed   map[int64]bool // remote ids present in the listing
}

func (ix *localIndex) put(rec measure.Record) {
	key := rec.Key()
	list := ix.byKey[key]
	replaced := false
	for i := range list {
		if list[i].ID == rec.ID {
			list[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		ix.byKey[key] = append(list, rec)
	}
	if rec.RemoteID != 0 {
		ix.byRemote[rec.RemoteID] = rec
	}
}

// reconcile pulls the full remote listing and merges it into the local store.
// Malformed entries are skipped and reported; nothing local is ever deleted.
func (o *Orchestrator) reconcile(ctx context.Context, res *CycleResult) error {
	listing, err := o.backend.ListMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch remote listing: %w", err)
	}
	res.Malformed += len(listing.Malformed)
	for _, m := range listing.Malformed {
		o.logger.Warn("skipping malformed remote entry", "index", m.Index, "remote_id", m.ID, "error", m.Err)
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	ix := &localIndex{
		byKey:    map[measure.Key][]measure.Record{},
		byRemote: map[int64]measure.Record{},
		listed:   make(map[int64]bool, len(listing.Entries)),
	}
	for _, entry := range listing.Entries {
		ix.listed[entry.ID] = true
	}
	for _, kind := range measure.SyncKinds {
		recs, err := o.store.ListByKind(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to list local %s records: %w", kind, err)
		}
		for _, rec := range recs {
			ix.put(rec)
		}
	}

	for _, entry := range listing.Entries {
		if entry.Kind.IsDerived() || !entry.Kind.Valid() {
			continue
		}
		if err := o.mergeEntry(ctx, ix, entry, res); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) mergeEntry(ctx context.Context, ix *localIndex, entry transport.RemoteMetric, res *CycleResult) error {
	// Known entry: remote wins once the record carries a remote id
	if local, ok := ix.byRemote[entry.ID]; ok {
		if measure.SameValue(local.Value, entry.Value) {
			return nil
		}
		return o.overwrite(ctx, ix, local, entry, res)
	}

	candidates := ix.byKey[entry.Key()]
	if len(candidates) == 0 {
		origin, err := measure.ParseOrigin(string(entry.Origin))
		if err != nil {
			origin = measure.OriginManual
		}
		rec, err := o.store.Upsert(ctx, measure.Record{
			ID:       uuid.NewString(),
			Date:     entry.Date,
			Value:    entry.Value,
			Kind:     entry.Kind,
			Origin:   origin,
			RemoteID: entry.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to store remote entry %d: %w", entry.ID, err)
		}
		ix.put(rec)
		res.Pulled++
		return nil
	}

	// The key waits while one of its records has an unacknowledged create
	for _, c := range candidates {
		pending, err := o.queue.HasPendingCreate(ctx, c.ID)
		if err != nil {
			return err
		}
		if pending {
			res.Skipped++
			return nil
		}
	}

	local := candidates[0]
	switch {
	case local.Synced():
		// a record whose own entry is still listed follows that entry only;
		// further entries for its key collapse into it
		if ix.listed[local.RemoteID] || local.Origin == measure.OriginHealthBridge || measure.SameValue(local.Value, entry.Value) {
			return nil
		}
		return o.overwrite(ctx, ix, local, entry, res)
	case measure.SameValue(local.Value, entry.Value):
		local.RemoteID = entry.ID
		rec, err := o.store.Upsert(ctx, local)
		if err != nil {
			return fmt.Errorf("failed to link remote entry %d: %w", entry.ID, err)
		}
		ix.put(rec)
		res.Linked++
	default:
		o.logger.Debug("remote entry collapsed into local record", "key", entry.Key().String(), "remote_id", entry.ID, "record_id", local.ID)
	}
	return nil
}

// overwrite applies the remote value locally without enqueueing anything.
// A record with local edits still queued keeps its value; the edit is pushed instead.
func (o *Orchestrator) overwrite(ctx context.Context, ix *localIndex, local measure.Record, entry transport.RemoteMetric, res *CycleResult) error {
	pending, err := o.queue.HasPendingMutation(ctx, local.ID)
	if err != nil {
		return err
	}
	if pending {
		res.Skipped++
		return nil
	}
	local.Value = entry.Value
	rec, err := o.store.Upsert(ctx, local)
	if err != nil {
		return fmt.Errorf("failed to apply remote value to %s: %w", local.ID, err)
	}
	ix.put(rec)
	res.Overwritten++
	return nil
}
