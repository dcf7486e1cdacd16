// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore keeps measurement records in the on-device SQLite database.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/apptrackit/trackit-sync/internal/sqlitedb"
	"github.com/apptrackit/trackit-sync/measure"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = measure.ErrNotFound

var schema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		value       REAL NOT NULL,
		date        TEXT NOT NULL,    -- RFC3339 with the capture offset
		day         TEXT NOT NULL,    -- YYYY-MM-DD of date, dedup key with kind
		origin      TEXT NOT NULL CHECK (origin IN ('manual','healthBridge','automated')),
		remote_id   INTEGER,          -- NULL until acknowledged by the backend
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS measurements_kind_day ON measurements (kind, day)`,
	`CREATE INDEX IF NOT EXISTS measurements_remote_id ON measurements (remote_id)`,
	// health-bridge readings the user deleted; the importer must not bring them back
	`CREATE TABLE IF NOT EXISTS deleted_imports (
		kind        TEXT NOT NULL,
		day         TEXT NOT NULL,
		value       REAL NOT NULL,
		deleted_at  TEXT NOT NULL,
		PRIMARY KEY (kind, day, value)
	)`,
}

const recordColumns = `id, kind, value, date, day, origin, remote_id, created_at, updated_at`

// Store is the SQLite-backed local record store
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// New creates the store, applying its schema to db
func New(ctx context.Context, db *sql.DB, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := sqlitedb.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize measurements table: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Upsert inserts or replaces a record. Origin is kept from the first insert.
func (s *Store) Upsert(ctx context.Context, rec measure.Record) (measure.Record, error) {
	if rec.ID == "" {
		return rec, errors.New("record id is required")
	}
	if !rec.Kind.Valid() {
		return rec, fmt.Errorf("unknown measurement kind %q", rec.Kind)
	}
	now := s.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			value = excluded.value,
			date = excluded.date,
			day = excluded.day,
			remote_id = COALESCE(excluded.remote_id, measurements.remote_id),
			updated_at = excluded.updated_at`,
		rec.ID, string(rec.Kind), rec.Value,
		sqlitedb.FormatTime(rec.Date), measure.Day(rec.Date),
		string(rec.Origin), nullRemoteID(rec.RemoteID),
		sqlitedb.FormatTime(rec.CreatedAt), sqlitedb.FormatTime(rec.UpdatedAt))
	if err != nil {
		return rec, fmt.Errorf("failed to upsert measurement %s: %w", rec.ID, err)
	}
	return s.Get(ctx, rec.ID)
}

// Delete removes a record; deleting a missing record is not an error.
// Deleting a health-bridge record also remembers its reading so it is not imported again.
func (s *Store) Delete(ctx context.Context, id string) error {
	return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			kind, day, origin string
			value             float64
		)
		err := tx.QueryRowContext(ctx, `SELECT kind, day, value, origin FROM measurements WHERE id = ?`, id).
			Scan(&kind, &day, &value, &origin)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load measurement %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete measurement %s: %w", id, err)
		}
		if measure.Origin(origin) != measure.OriginHealthBridge {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deleted_imports (kind, day, value, deleted_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(kind, day, value) DO UPDATE SET deleted_at = excluded.deleted_at`,
			kind, day, value, sqlitedb.FormatTime(s.clock.Now())); err != nil {
			return fmt.Errorf("failed to remember deleted import %s: %w", id, err)
		}
		return nil
	})
}

// WasDeletedImport reports whether the user deleted a health-bridge reading
// of kind on day with (within tolerance) this value
func (s *Store) WasDeletedImport(ctx context.Context, kind measure.Kind, day string, value float64) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM deleted_imports WHERE kind = ? AND day = ?`, string(kind), day)
	if err != nil {
		return false, fmt.Errorf("failed to query deleted imports: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return false, fmt.Errorf("failed to scan deleted import: %w", err)
		}
		if measure.SameValue(v, value) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Get returns a record by id
func (s *Store) Get(ctx context.Context, id string) (measure.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM measurements WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return measure.Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return rec, err
}

// FindByRemoteID returns the record linked to a backend id
func (s *Store) FindByRemoteID(ctx context.Context, remoteID int64) (measure.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM measurements WHERE remote_id = ? ORDER BY created_at LIMIT 1`, remoteID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return measure.Record{}, fmt.Errorf("%w: remote id %d", ErrNotFound, remoteID)
	}
	return rec, err
}

// ListByKind returns every record of a kind ordered by date
func (s *Store) ListByKind(ctx context.Context, kind measure.Kind) ([]measure.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM measurements WHERE kind = ? ORDER BY date, created_at`, string(kind))
}

// Find returns the records sharing a dedup key, oldest first
func (s *Store) Find(ctx context.Context, kind measure.Kind, day string) ([]measure.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM measurements WHERE kind = ? AND day = ? ORDER BY created_at`, string(kind), day)
}

// List returns every record ordered by date
func (s *Store) List(ctx context.Context) ([]measure.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM measurements ORDER BY date, created_at`)
}

// AttachRemoteID links a backend id to a record inside the caller's transaction.
// A record deleted in the meantime is silently skipped.
func (s *Store) AttachRemoteID(ctx context.Context, tx *sql.Tx, recordID string, remoteID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE measurements SET remote_id = ?, updated_at = ? WHERE id = ?`,
		remoteID, sqlitedb.FormatTime(s.clock.Now()), recordID)
	if err != nil {
		return fmt.Errorf("failed to attach remote id %d to %s: %w", remoteID, recordID, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]measure.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []measure.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measurements: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (measure.Record, error) {
	var (
		rec                    measure.Record
		kind, origin, day      string
		date, created, updated string
		remoteID               sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &kind, &rec.Value, &date, &day, &origin, &remoteID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan measurement: %w", err)
	}
	rec.Kind = measure.Kind(kind)
	rec.Origin = measure.Origin(origin)
	rec.RemoteID = remoteID.Int64

	var err error
	if rec.Date, err = sqlitedb.ParseTime(date); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return rec, err
	}
	return rec, nil
}

func nullRemoteID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
