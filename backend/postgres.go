// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository stores entries in PostgreSQL
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGRepository creates the metrics schema if needed and returns a repository over pool
func NewPGRepository(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	logger.Info("metrics schema initialized")
	return &PGRepository{pool: pool, logger: logger}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS trackit`); err != nil {
			return fmt.Errorf("failed to create trackit schema: %w", err)
		}
		createEntriesSQL :=
			/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS trackit.metric_entries (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	metric_type_id INTEGER NOT NULL CHECK (metric_type_id BETWEEN 1 AND 12),
	value DOUBLE PRECISION NOT NULL,
	day DATE NOT NULL,
	is_health_bridge BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`
		if _, err := tx.Exec(ctx, createEntriesSQL); err != nil {
			return fmt.Errorf("failed to create metric_entries table: %w", err)
		}
		if _, err := tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_metric_entries_user ON trackit.metric_entries(user_id, id)`); err != nil {
			return fmt.Errorf("failed to create metric_entries user index: %w", err)
		}
		return nil
	})
}

func (p *PGRepository) Create(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO trackit.metric_entries (user_id, metric_type_id, value, day, is_health_bridge)
		VALUES ($1, $2, $3, $4::date, $5)
		RETURNING id`,
		e.UserID, e.MetricTypeID, e.Value, e.Day, e.IsHealthBridge).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metric entry: %w", err)
	}
	return id, nil
}

func (p *PGRepository) Update(ctx context.Context, userID string, id int64, value float64, day string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE trackit.metric_entries SET value = $1, day = $2::date
		WHERE id = $3 AND user_id = $4`,
		value, day, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update metric entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGRepository) Delete(ctx context.Context, userID string, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM trackit.metric_entries WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete metric entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGRepository) List(ctx context.Context, userID string, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trackit.metric_entries WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count metric entries: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, metric_type_id, value, to_char(day, 'YYYY-MM-DD'), is_health_bridge, created_at
		FROM trackit.metric_entries
		WHERE user_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list metric entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			created time.Time
		)
		err := row.Scan(&e.ID, &e.UserID, &e.MetricTypeID, &e.Value, &e.Day, &e.IsHealthBridge, &created)
		e.CreatedAt = created.UTC()
		return e, err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan metric entries: %w", err)
	}
	return entries, total, nil
}
