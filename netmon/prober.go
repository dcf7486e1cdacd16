// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Pinger checks whether the backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the backend and feeds the monitor
type Prober struct {
	Monitor  *Monitor
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// NewProber creates a prober with a 30s interval and 5s timeout
func NewProber(m *Monitor, p Pinger, clock clockwork.Clock) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Prober{
		Monitor:  m,
		Pinger:   p,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Clock:    clock,
		Logger:   slog.Default(),
	}
}

// ProbeOnce pings once and updates the monitor
func (p *Prober) ProbeOnce(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	state := Connected
	if err := p.Pinger.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return p.Monitor.State()
		}
		p.Logger.Debug("backend unreachable", "error", err)
		state = Disconnected
	}
	p.Monitor.Set(state)
	return state
}

// Run probes immediately and then on every interval until ctx is done
func (p *Prober) Run(ctx context.Context) {
	ticker := p.Clock.NewTicker(p.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.ProbeOnce(ctx)
		}
	}
}
