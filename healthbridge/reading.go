// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package healthbridge imports readings from an on-device health data store.
// Readings enter the sync engine as health-bridge mutations; everything past
// that point treats them like manual entries.
package healthbridge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/apptrackit/trackit-sync/measure"
)

// Reading is a single typed measurement exported by the health data store
type Reading struct {
	Kind  measure.Kind `json:"kind"`
	Value float64      `json:"value"`
	Date  time.Time    `json:"date"`
}

// Validate rejects readings the engine would never accept
func (r Reading) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown measurement kind %q", r.Kind)
	}
	if r.Kind.IsDerived() {
		return fmt.Errorf("derived kind %s is computed locally", r.Kind)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.Value <= 0 {
		return fmt.Errorf("invalid %s value %v", r.Kind, r.Value)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%s reading has no date", r.Kind)
	}
	return nil
}

// Source yields readings dated at or after since. Sources may return a reading
// more than once; the sink ignores re-imports.
type Source interface {
	Readings(ctx context.Context, since time.Time) ([]Reading, error)
}

// Notifier is implemented by sources that can push change notifications
// in addition to being polled.
type Notifier interface {
	Changes() <-chan struct{}
}
