package db

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
)

// EnsureDatabase creates the DSN's database when it does not exist yet,
// going through the cluster's "postgres" maintenance database.
func EnsureDatabase(ctx context.Context, dsn string) error {
	name, err := DatabaseName(dsn)
	if err != nil {
		return err
	}
	if name == "postgres" {
		return nil
	}
	metaDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return err
	}
	meta, err := Open(ctx, metaDSN)
	if err != nil {
		return fmt.Errorf("open maintenance db: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return fmt.Errorf("ping maintenance db: %w", err)
	}

	var exists bool
	if err := meta.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("look up database %q: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := meta.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	log.Printf("db: created database %q", name)
	return nil
}
