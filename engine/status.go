// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/apptrackit/trackit-sync/queue"
)

// State is the externally visible sync state
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "inProgress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status is the single current sync status; Reason is set for StateFailed
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// FailedOp describes a permanently failed operation
type FailedOp struct {
	ID         string    `json:"id"`
	Kind       string    `json:"op"`
	RecordID   string    `json:"record_id"`
	Metric     string    `json:"metric"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot is the observability surface of the orchestrator
type Snapshot struct {
	Status       Status     `json:"status"`
	PendingCount int        `json:"pending_count"`
	InFlight     int        `json:"in_flight"`
	FailedOps    []FailedOp `json:"failed_ops"`
	LastError    string     `json:"last_error,omitempty"`
	LastSyncAt   time.Time  `json:"last_sync_at,omitempty"`
	AuthPaused   bool       `json:"auth_paused"`
	Connectivity string     `json:"connectivity"`
}

// CycleResult counts what one drain+reconcile cycle did
type CycleResult struct {
	Offline bool `json:"offline"`

	// Drain
	Created         int `json:"created"`
	Updated         int `json:"updated"`
	Deleted         int `json:"deleted"`
	Adopted         int `json:"adopted"`          // retried creates matched to an existing remote entry
	ResolvedLocally int `json:"resolved_locally"` // deletes that never needed the network
	Failed          int `json:"failed"`           // ops that became permanently failed

	// Reconcile
	Pulled      int `json:"pulled"`      // remote entries created locally
	Linked      int `json:"linked"`      // local records given a remote id
	Overwritten int `json:"overwritten"` // local values replaced by remote ones
	Skipped     int `json:"skipped"`     // keys skipped because of pending local work
	Malformed   int `json:"malformed"`
}

func failedOps(ops []queue.Operation) []FailedOp {
	out := make([]FailedOp, 0, len(ops))
	for _, op := range ops {
		out = append(out, FailedOp{
			ID:         op.ID,
			Kind:       string(op.Kind),
			RecordID:   op.RecordID,
			Metric:     string(op.MetricKind),
			RetryCount: op.RetryCount,
			LastError:  op.LastError,
			CreatedAt:  op.CreatedAt,
		})
	}
	return out
}
