// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package netmon tracks reachability of the backend and fans out state transitions.
package netmon

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the observed connectivity
type State int

const (
	Unknown State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transition is emitted whenever the state changes
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Monitor holds the current connectivity state.
// It carries no retry logic; consumers react to transitions.
type Monitor struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	state  State
	subs   map[int]chan Transition
	nextID int
}

// NewMonitor creates a monitor in the Unknown state
func NewMonitor(clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{clock: clock, subs: make(map[int]chan Transition)}
}

// State returns the current state
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Set records a new state and notifies subscribers when it differs from the current one
func (m *Monitor) Set(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.state {
		return
	}
	tr := Transition{From: m.state, To: s, At: m.clock.Now()}
	m.state = s
	for _, ch := range m.subs {
		deliver(ch, tr)
	}
}

// Subscribe returns a channel of transitions and a cancel func.
// A slow subscriber loses its oldest undelivered transition, never the newest.
func (m *Monitor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// deliver is called with m.mu held, so it is the only sender on ch
func deliver(ch chan Transition, tr Transition) {
	for {
		select {
		case ch <- tr:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
