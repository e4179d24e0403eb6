package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/transit"
)

const upsertServiceSQL = `INSERT INTO services (id, slug, number, description, operator, region_id, mode, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (id) DO UPDATE
SET slug = EXCLUDED.slug,
    number = EXCLUDED.number,
    description = EXCLUDED.description,
    operator = EXCLUDED.operator,
    region_id = EXCLUDED.region_id,
    mode = EXCLUDED.mode,
    updated_at = NOW()
RETURNING (xmax = 0) AS inserted`

const selectServiceColumns = `id, slug, number, description, operator, region_id, mode`

func (s *Store) UpsertServices(ctx context.Context, services []transit.Service) (history.UpsertResult, error) {
	var res history.UpsertResult
	if len(services) == 0 {
		return res, nil
	}
	batch := &pgx.Batch{}
	for _, svc := range services {
		batch.Queue(upsertServiceSQL, svc.ID, svc.Slug, svc.Number, svc.Description, svc.Operator, svc.Region, svc.Mode)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, svc := range services {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			return history.UpsertResult{}, fmt.Errorf("upsert service %d: %w", svc.ID, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (s *Store) GetService(ctx context.Context, id int64) (transit.Service, error) {
	var svc transit.Service
	err := s.pool.QueryRow(ctx, "SELECT "+selectServiceColumns+" FROM services WHERE id = $1", id).
		Scan(&svc.ID, &svc.Slug, &svc.Number, &svc.Description, &svc.Operator, &svc.Region, &svc.Mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return transit.Service{}, &transit.NotFoundError{Kind: transit.KindService, Detail: fmt.Sprintf("service %d", id)}
	}
	if err != nil {
		return transit.Service{}, fmt.Errorf("get service %d: %w", id, err)
	}
	return svc, nil
}

func (s *Store) ListServiceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return ids, nil
}

// SearchServices matches query case-insensitively against line number and
// description.
func (s *Store) SearchServices(ctx context.Context, query string, limit int) ([]transit.Service, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + likeEscape(query) + "%"
	rows, err := s.pool.Query(ctx,
		"SELECT "+selectServiceColumns+` FROM services
WHERE number ILIKE $1 OR description ILIKE $1
ORDER BY id
LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search services: %w", err)
	}
	defer rows.Close()

	var out []transit.Service
	for rows.Next() {
		var svc transit.Service
		if err := rows.Scan(&svc.ID, &svc.Slug, &svc.Number, &svc.Description, &svc.Operator, &svc.Region, &svc.Mode); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
