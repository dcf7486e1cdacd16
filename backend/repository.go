// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package backend is a reference implementation of the metrics API the device
// syncs against. Entries are scoped per user; the store is either in memory or
// PostgreSQL.
package backend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an entry does not exist for the user
var ErrNotFound = errors.New("metric entry not found")

// Entry is one stored metric
type Entry struct {
	ID             int64
	UserID         string
	MetricTypeID   int
	Value          float64
	Day            string // YYYY-MM-DD
	IsHealthBridge bool
	CreatedAt      time.Time
}

// Repository stores metric entries
type Repository interface {
	Create(ctx context.Context, e Entry) (int64, error)
	Update(ctx context.Context, userID string, id int64, value float64, day string) error
	Delete(ctx context.Context, userID string, id int64) error
	// List returns a page ordered by id plus the total number of the user's entries
	List(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error)
}

// MemoryRepository keeps entries in memory. Used for development and tests.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]Entry
	now     func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[int64]Entry), now: time.Now}
}

func (m *MemoryRepository) Create(ctx context.Context, e Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = m.now().UTC()
	m.entries[e.ID] = e
	return e.ID, nil
}

func (m *MemoryRepository) Update(ctx context.Context, userID string, id int64, value float64, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.UserID != userID {
		return ErrNotFound
	}
	e.Value = value
	e.Day = day
	m.entries[id] = e
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, userID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.UserID != userID {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
