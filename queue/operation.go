// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"time"

	"github.com/apptrackit/trackit-sync/measure"
)

// OpKind is the mutation an operation transmits
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the three operation kinds
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OpState is the durable state of a queued operation.
// In-flight is tracked in memory only so that a crash returns the op to pending.
type OpState string

const (
	StatePending OpState = "pending"
	StateFailed  OpState = "failed" // permanently failed, out of rotation
)

// Operation is a pending mutation with a snapshot of the record it applies to
type Operation struct {
	ID       string
	Seq      int64 // FIFO position
	Kind     OpKind
	RecordID string

	// Record snapshot at enqueue time
	MetricKind measure.Kind
	Value      float64
	Date       time.Time
	Origin     measure.Origin
	RemoteID   int64 // zero until the record's create was acknowledged

	CreatedAt     time.Time
	RetryCount    int
	NextAttemptAt time.Time // zero means immediately
	State         OpState
	LastError     string
	Attempted     bool // a send failed; the backend may have applied it anyway. Survives RetryFailed.
}

// Record rebuilds the record snapshot carried by the operation
func (op Operation) Record() measure.Record {
	return measure.Record{
		ID:       op.RecordID,
		Date:     op.Date,
		Value:    op.Value,
		Kind:     op.MetricKind,
		Origin:   op.Origin,
		RemoteID: op.RemoteID,
	}
}

// FromRecord builds an operation of kind k from a record snapshot
func FromRecord(k OpKind, rec measure.Record) Operation {
	return Operation{
		Kind:       k,
		RecordID:   rec.ID,
		MetricKind: rec.Kind,
		Value:      rec.Value,
		Date:       rec.Date,
		Origin:     rec.Origin,
		RemoteID:   rec.RemoteID,
	}
}

// Stats summarizes the queue for status reporting
type Stats struct {
	Pending  int
	InFlight int
	Failed   int
}
