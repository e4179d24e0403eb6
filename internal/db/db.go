// Package db is the Postgres backend of the delay history store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}

// Store implements history.Store on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS services (
    id          BIGINT PRIMARY KEY,
    slug        TEXT NOT NULL DEFAULT '',
    number      TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    operator    TEXT NOT NULL DEFAULT '',
    region_id   TEXT NOT NULL DEFAULT '',
    mode        TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS stop_facts (
    id              TEXT PRIMARY KEY,
    service_id      BIGINT NOT NULL,
    journey_id      TEXT NOT NULL,
    stop_index      INT NOT NULL,
    stop_id         TEXT NOT NULL DEFAULT '',
    stop_name       TEXT NOT NULL,
    stop_key        TEXT NOT NULL,
    date            DATE NOT NULL,
    origin          TEXT NOT NULL DEFAULT '',
    destination     TEXT NOT NULL DEFAULT '',
    destination_key TEXT NOT NULL DEFAULT '',
    scheduled_dep   TEXT NOT NULL,
    scheduled_mins  INT NOT NULL,
    actual_dep      TEXT,
    actual_mins     INT,
    delay_mins      INT,
    day_of_week     SMALLINT NOT NULL,
    is_peak         BOOLEAN NOT NULL,
    is_holiday      BOOLEAN NOT NULL,
    ingested_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS stop_facts_match_idx
    ON stop_facts (service_id, stop_key, destination_key, scheduled_mins);
`

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
