// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthbridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/apptrackit/trackit-sync/engine"
	"github.com/apptrackit/trackit-sync/measure"
)

// Sink receives validated readings. *engine.Orchestrator implements it.
type Sink interface {
	ImportReading(ctx context.Context, in engine.Input) (measure.Record, bool, error)
}

// Config holds importer settings
type Config struct {
	PollInterval time.Duration // how often the source is polled
	Lookback     time.Duration // window of reading dates asked from the source
}

// DefaultConfig returns the default importer configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 15 * time.Minute,
		Lookback:     7 * 24 * time.Hour,
	}
}

// Result counts what one import pass did
type Result struct {
	Imported   int
	Duplicates int
	Rejected   int
}

// Importer moves readings from a Source into a Sink
type Importer struct {
	source Source
	sink   Sink
	clock  clockwork.Clock
	config *Config
	logger *slog.Logger
}

// NewImporter creates an importer. config, clock and logger may be nil.
func NewImporter(source Source, sink Sink, config *Config, clock clockwork.Clock, logger *slog.Logger) *Importer {
	if config == nil {
		config = DefaultConfig()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{source: source, sink: sink, clock: clock, config: config, logger: logger}
}

// ImportOnce pulls readings from the lookback window and hands each valid one to the sink.
// Invalid readings are skipped; a sink failure aborts the pass.
func (im *Importer) ImportOnce(ctx context.Context) (Result, error) {
	var res Result
	since := im.clock.Now().Add(-im.config.Lookback)
	readings, err := im.source.Readings(ctx, since)
	if err != nil {
		return res, fmt.Errorf("failed to read health data: %w", err)
	}

	for _, r := range readings {
		if err := r.Validate(); err != nil {
			im.logger.Warn("skipping health reading", "kind", r.Kind, "date", r.Date, "error", err)
			res.Rejected++
			continue
		}
		rec, created, err := im.sink.ImportReading(ctx, engine.Input{Kind: r.Kind, Value: r.Value, Date: r.Date})
		if err != nil {
			return res, fmt.Errorf("failed to import %s reading: %w", measure.KeyOf(r.Kind, r.Date), err)
		}
		if !created {
			res.Duplicates++
			continue
		}
		res.Imported++
		im.logger.Debug("health reading imported", "record_id", rec.ID, "key", rec.Key().String(), "value", rec.Value)
	}

	if res.Imported > 0 || res.Rejected > 0 {
		im.logger.Info("health import finished", "imported", res.Imported, "duplicates", res.Duplicates, "rejected", res.Rejected)
	}
	return res, nil
}

// Run imports immediately, then on every poll tick and on every change pushed by
// the source. It returns when ctx is done.
func (im *Importer) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if n, ok := im.source.(Notifier); ok {
		changes = n.Changes()
	}

	ticker := im.clock.NewTicker(im.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := im.ImportOnce(ctx); err != nil && ctx.Err() == nil {
			im.logger.Warn("health import failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}
