// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the durable, per-record FIFO operation queue that
// holds local mutations until the backend acknowledges them.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/apptrackit/trackit-sync/internal/sqlitedb"
	"github.com/apptrackit/trackit-sync/measure"
)

var (
	// ErrNotFound is returned when an operation id is not queued
	ErrNotFound = errors.New("operation not found")
	// ErrUnsyncableKind rejects operations on derived kinds
	ErrUnsyncableKind = errors.New("derived kinds are never synced")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS _sync_operations (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		op               TEXT NOT NULL CHECK (op IN ('create','update','delete')),
		record_id        TEXT NOT NULL,
		kind             TEXT NOT NULL,
		value            REAL NOT NULL,
		date             TEXT NOT NULL,
		origin           TEXT NOT NULL,
		remote_id        INTEGER,
		state            TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','failed')),
		retry_count      INTEGER NOT NULL DEFAULT 0,
		next_attempt_at  INTEGER NOT NULL DEFAULT 0,  -- unix nanos, 0 = immediately
		last_error       TEXT NOT NULL DEFAULT '',
		attempted        INTEGER NOT NULL DEFAULT 0,  -- 1 once a send failed; may exist remotely
		created_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS _sync_operations_record ON _sync_operations (record_id, seq)`,
}

const opColumns = `seq, id, op, record_id, kind, value, date, origin, remote_id, state, retry_count, next_attempt_at, last_error, attempted, created_at`

// RecordLinker attaches a backend id to the local record within the queue's transaction
type RecordLinker interface {
	AttachRemoteID(ctx context.Context, tx *sql.Tx, recordID string, remoteID int64) error
}

// Config holds retry settings
type Config struct {
	MaxRetries int           // failures tolerated before an op is permanently failed
	BackoffMin time.Duration // delay after the first failure
	BackoffMax time.Duration // cap for the doubling delay
}

// DefaultConfig returns the default retry policy
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 5,
		BackoffMin: 30 * time.Second,
		BackoffMax: 30 * time.Minute,
	}
}

// Backoff returns the delay before attempt number retryCount+1
func (c *Config) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := c.BackoffMin
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// Queue is the SQLite-backed operation queue
type Queue struct {
	db     *sql.DB
	linker RecordLinker
	clock  clockwork.Clock
	config *Config
	logger *slog.Logger

	mu       sync.Mutex // guards inFlight and serializes read-modify-write sequences
	inFlight map[string]struct{}
}

// Open creates the queue table if needed and returns a queue over db.
// linker may be nil when no local record needs the remote id.
func Open(ctx context.Context, db *sql.DB, linker RecordLinker, clock clockwork.Clock, config *Config) (*Queue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := sqlitedb.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize operation queue: %w", err)
	}
	return &Queue{
		db:       db,
		linker:   linker,
		clock:    clock,
		config:   config,
		logger:   slog.Default(),
		inFlight: make(map[string]struct{}),
	}, nil
}

// SetLogger replaces the queue logger
func (q *Queue) SetLogger(logger *slog.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// Config returns the retry settings
func (q *Queue) Config() *Config { return q.config }

// Enqueue durably appends a mutation. Offline sequences are reduced on the way in:
//   - update after a pending create is folded into the create
//   - update after a pending update replaces it
//   - delete after a pending create drops every pending op of the record and
//     is itself dropped (nil result)
//   - delete after pending updates drops those updates
//
// Ops that are in flight or failed are never rewritten. A create that was already
// attempted may exist remotely, so it keeps the value it was sent with and later
// mutations queue behind it.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (*Operation, error) {
	if !op.Kind.Valid() {
		return nil, fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	if op.RecordID == "" {
		return nil, errors.New("operation record id is required")
	}
	if op.MetricKind.IsDerived() {
		return nil, fmt.Errorf("%w: %s", ErrUnsyncableKind, op.MetricKind)
	}
	if !op.MetricKind.Valid() {
		return nil, fmt.Errorf("unknown measurement kind %q", op.MetricKind)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var result *Operation
	err := sqlitedb.InTx(ctx, q.db, func(tx *sql.Tx) error {
		pending, err := q.recordOpsTx(ctx, tx, op.RecordID, StatePending)
		if err != nil {
			return err
		}
		var mutable []Operation
		for _, p := range pending {
			if _, busy := q.inFlight[p.ID]; !busy {
				mutable = append(mutable, p)
			}
		}
		pendingCreate := findKind(mutable, OpCreate)
		if pendingCreate != nil && pendingCreate.Attempted {
			pendingCreate = nil
		}

		switch op.Kind {
		case OpUpdate:
			if pendingCreate != nil {
				result, err = q.rewriteTx(ctx, tx, *pendingCreate, op)
				return err
			}
			if n := len(pending); n > 0 && pending[n-1].Kind == OpUpdate {
				if _, busy := q.inFlight[pending[n-1].ID]; !busy {
					result, err = q.rewriteTx(ctx, tx, pending[n-1], op)
					return err
				}
			}
		case OpDelete:
			if pendingCreate != nil {
				ids := make([]string, 0, len(mutable))
				for _, m := range mutable {
					ids = append(ids, m.ID)
				}
				q.logger.Debug("delete cancels unsent create", "record_id", op.RecordID, "dropped", len(ids))
				return deleteOpsTx(ctx, tx, ids)
			}
			var drop []string
			for _, m := range mutable {
				if m.Kind == OpUpdate {
					drop = append(drop, m.ID)
				}
			}
			if err := deleteOpsTx(ctx, tx, drop); err != nil {
				return err
			}
		}

		result, err = q.insertTx(ctx, tx, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Next returns the oldest operation that may be transmitted now and marks it in flight.
// An op is eligible when no earlier pending op exists for its record and its
// backoff has elapsed. Returns nil when nothing is eligible.
func (q *Queue) Next(ctx context.Context) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.list(ctx, `WHERE state = 'pending' ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	blocked := make(map[string]bool)
	for i := range ops {
		op := ops[i]
		if blocked[op.RecordID] {
			continue
		}
		blocked[op.RecordID] = true
		if _, busy := q.inFlight[op.ID]; busy {
			continue
		}
		if op.NextAttemptAt.After(now) {
			continue
		}
		q.inFlight[op.ID] = struct{}{}
		return &op, nil
	}
	return nil, nil
}

// MarkSucceeded removes an acknowledged op. A non-zero remoteID is written into the
// remaining ops of the record and into the local record, in the same transaction.
func (q *Queue) MarkSucceeded(ctx context.Context, opID string, remoteID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := sqlitedb.InTx(ctx, q.db, func(tx *sql.Tx) error {
		op, err := q.getTx(ctx, tx, opID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_operations WHERE id = ?`, opID); err != nil {
			return fmt.Errorf("failed to remove operation %s: %w", opID, err)
		}
		if remoteID == 0 || op.Kind == OpDelete {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_operations SET remote_id = ? WHERE record_id = ?`, remoteID, op.RecordID); err != nil {
			return fmt.Errorf("failed to propagate remote id: %w", err)
		}
		if q.linker != nil {
			return q.linker.AttachRemoteID(ctx, tx, op.RecordID, remoteID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	delete(q.inFlight, opID)
	return nil
}

// MarkAttempted flags an op whose send was interrupted; the backend may have applied it.
// Retry count and schedule are unchanged.
func (q *Queue) MarkAttempted(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, err := q.db.ExecContext(ctx, `UPDATE _sync_operations SET attempted = 1 WHERE id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to flag operation %s: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	return nil
}

// MarkFailed records a failed attempt. The op becomes permanently failed when
// permanent is set or the retry ceiling is exceeded; otherwise it waits for its backoff.
// A permanently failed create takes the rest of its record's ops with it.
func (q *Queue) MarkFailed(ctx context.Context, opID string, cause error, permanent bool) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	var result *Operation
	err := sqlitedb.InTx(ctx, q.db, func(tx *sql.Tx) error {
		op, err := q.getTx(ctx, tx, opID)
		if err != nil {
			return err
		}
		op.RetryCount++
		op.LastError = reason
		op.Attempted = true
		if permanent || op.RetryCount > q.config.MaxRetries {
			op.State = StateFailed
			op.NextAttemptAt = time.Time{}
		} else {
			op.NextAttemptAt = q.clock.Now().Add(q.config.Backoff(op.RetryCount))
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_operations SET state = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, attempted = 1
			WHERE id = ?`,
			string(op.State), op.RetryCount, unixNanos(op.NextAttemptAt), op.LastError, op.ID); err != nil {
			return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
		}

		if op.State == StateFailed && op.Kind == OpCreate {
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_operations SET state = 'failed', last_error = ?
				WHERE record_id = ? AND state = 'pending' AND seq > ?`,
				"create failed: "+reason, op.RecordID, op.Seq); err != nil {
				return fmt.Errorf("failed to cascade failure for record %s: %w", op.RecordID, err)
			}
		}
		result = &op
		return nil
	})
	if err != nil {
		return nil, err
	}
	delete(q.inFlight, opID)
	if result.State == StateFailed {
		q.logger.Warn("operation permanently failed", "op_id", opID, "op", result.Kind, "record_id", result.RecordID, "retries", result.RetryCount, "error", reason)
	}
	return result, nil
}

// Release returns an in-flight op to the queue untouched
func (q *Queue) Release(opID string) {
	q.mu.Lock()
	delete(q.inFlight, opID)
	q.mu.Unlock()
}

// Discard removes operations without transmitting them
func (q *Queue) Discard(ctx context.Context, opIDs ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := sqlitedb.InTx(ctx, q.db, func(tx *sql.Tx) error {
		return deleteOpsTx(ctx, tx, opIDs)
	})
	if err != nil {
		return err
	}
	for _, id := range opIDs {
		delete(q.inFlight, id)
	}
	return nil
}

// DiscardRecord removes every operation of a record that is not in flight
func (q *Queue) DiscardRecord(ctx context.Context, recordID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := sqlitedb.InTx(ctx, q.db, func(tx *sql.Tx) error {
		ops, err := q.recordOpsTx(ctx, tx, recordID, "")
		if err != nil {
			return err
		}
		var ids []string
		for _, op := range ops {
			if _, busy := q.inFlight[op.ID]; !busy {
				ids = append(ids, op.ID)
			}
		}
		n = len(ids)
		return deleteOpsTx(ctx, tx, ids)
	})
	return n, err
}

// RetryFailed puts every permanently failed op back into rotation with a fresh retry budget
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, err := q.db.ExecContext(ctx, `
		UPDATE _sync_operations SET state = 'pending', retry_count = 0, next_attempt_at = 0, last_error = ''
		WHERE state = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get returns an operation by id
func (q *Queue) Get(ctx context.Context, opID string) (*Operation, error) {
	ops, err := q.list(ctx, `WHERE id = ?`, opID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	return &ops[0], nil
}

// List returns every queued operation in FIFO order, failed ones included
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	return q.list(ctx, `ORDER BY seq`)
}

// Failed returns the permanently failed operations
func (q *Queue) Failed(ctx context.Context) ([]Operation, error) {
	return q.list(ctx, `WHERE state = 'failed' ORDER BY seq`)
}

// PendingCount returns the number of operations still in rotation
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_operations WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// Stats returns pending, in-flight and failed counts
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM _sync_operations`).Scan(&s.Pending, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("failed to read queue stats: %w", err)
	}
	q.mu.Lock()
	s.InFlight = len(q.inFlight)
	q.mu.Unlock()
	return s, nil
}

// HasPendingCreate reports whether the record's create is still waiting for acknowledgement
func (q *Queue) HasPendingCreate(ctx context.Context, recordID string) (bool, error) {
	return q.exists(ctx, `record_id = ? AND op = 'create' AND state = 'pending'`, recordID)
}

// HasPendingMutation reports whether any op of the record is still in rotation
func (q *Queue) HasPendingMutation(ctx context.Context, recordID string) (bool, error) {
	return q.exists(ctx, `record_id = ? AND state = 'pending'`, recordID)
}

// NextDue returns the earliest backoff deadline among pending ops that failed before.
// The deadline may already have passed.
func (q *Queue) NextDue(ctx context.Context) (time.Time, bool, error) {
	var due sql.NullInt64
	err := q.db.QueryRowContext(ctx, `SELECT MIN(next_attempt_at) FROM _sync_operations WHERE state = 'pending' AND next_attempt_at > 0`).Scan(&due)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read next due time: %w", err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, due.Int64), true, nil
}

func (q *Queue) exists(ctx context.Context, where string, args ...any) (bool, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_operations WHERE `+where, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query operations: %w", err)
	}
	return n > 0, nil
}

func (q *Queue) insertTx(ctx context.Context, tx *sql.Tx, op Operation) (*Operation, error) {
	op.ID = uuid.NewString()
	op.State = StatePending
	op.CreatedAt = q.clock.Now()
	op.RetryCount = 0
	op.NextAttemptAt = time.Time{}
	op.LastError = ""
	if op.Origin == "" {
		op.Origin = measure.OriginManual
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_operations (id, op, record_id, kind, value, date, origin, remote_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.RecordID, string(op.MetricKind), op.Value,
		sqlitedb.FormatTime(op.Date), string(op.Origin), nullInt(op.RemoteID),
		sqlitedb.FormatTime(op.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s for %s: %w", op.Kind, op.RecordID, err)
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read operation sequence: %w", err)
	}
	return &op, nil
}

// rewriteTx replaces the payload of a queued op with the newer snapshot
func (q *Queue) rewriteTx(ctx context.Context, tx *sql.Tx, target, newer Operation) (*Operation, error) {
	target.Value = newer.Value
	target.Date = newer.Date
	if target.RemoteID == 0 {
		target.RemoteID = newer.RemoteID
	}
	_, err := tx.ExecContext(ctx, `UPDATE _sync_operations SET value = ?, date = ?, remote_id = ? WHERE id = ?`,
		target.Value, sqlitedb.FormatTime(target.Date), nullInt(target.RemoteID), target.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to coalesce update into %s: %w", target.ID, err)
	}
	return &target, nil
}

func (q *Queue) getTx(ctx context.Context, tx *sql.Tx, opID string) (Operation, error) {
	ops, err := queryOps(ctx, tx, `SELECT `+opColumns+` FROM _sync_operations WHERE id = ?`, opID)
	if err != nil {
		return Operation{}, err
	}
	if len(ops) == 0 {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	return ops[0], nil
}

func (q *Queue) recordOpsTx(ctx context.Context, tx *sql.Tx, recordID string, state OpState) ([]Operation, error) {
	if state == "" {
		return queryOps(ctx, tx, `SELECT `+opColumns+` FROM _sync_operations WHERE record_id = ? ORDER BY seq`, recordID)
	}
	return queryOps(ctx, tx, `SELECT `+opColumns+` FROM _sync_operations WHERE record_id = ? AND state = ? ORDER BY seq`, recordID, string(state))
}

func (q *Queue) list(ctx context.Context, clause string, args ...any) ([]Operation, error) {
	return queryOps(ctx, q.db, `SELECT `+opColumns+` FROM _sync_operations `+clause, args...)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryOps(ctx context.Context, db querier, query string, args ...any) ([]Operation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var (
			op                  Operation
			kind, metric, state string
			origin, date, added string
			remoteID            sql.NullInt64
			nextAttempt         int64
		)
		if err := rows.Scan(&op.Seq, &op.ID, &kind, &op.RecordID, &metric, &op.Value, &date, &origin,
			&remoteID, &state, &op.RetryCount, &nextAttempt, &op.LastError, &op.Attempted, &added); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = OpKind(kind)
		op.MetricKind = measure.Kind(metric)
		op.Origin = measure.Origin(origin)
		op.State = OpState(state)
		op.RemoteID = remoteID.Int64
		if nextAttempt > 0 {
			op.NextAttemptAt = time.Unix(0, nextAttempt)
		}
		if op.Date, err = sqlitedb.ParseTime(date); err != nil {
			return nil, err
		}
		if op.CreatedAt, err = sqlitedb.ParseTime(added); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return out, nil
}

func deleteOpsTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_operations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to discard operation %s: %w", id, err)
		}
	}
	return nil
}

func findKind(ops []Operation, kind OpKind) *Operation {
	for i := range ops {
		if ops[i].Kind == kind {
			return &ops[i]
		}
	}
	return nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
