package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/transit"
)

// xmax is zero only for rows the statement inserted.
const upsertFactSQL = `INSERT INTO stop_facts (
    id, service_id, journey_id, stop_index, stop_id, stop_name, stop_key, date,
    origin, destination, destination_key, scheduled_dep, scheduled_mins,
    actual_dep, actual_mins, delay_mins, day_of_week, is_peak, is_holiday, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::date,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (id) DO UPDATE
SET service_id = EXCLUDED.service_id,
    journey_id = EXCLUDED.journey_id,
    stop_index = EXCLUDED.stop_index,
    stop_id = EXCLUDED.stop_id,
    stop_name = EXCLUDED.stop_name,
    stop_key = EXCLUDED.stop_key,
    date = EXCLUDED.date,
    origin = EXCLUDED.origin,
    destination = EXCLUDED.destination,
    destination_key = EXCLUDED.destination_key,
    scheduled_dep = EXCLUDED.scheduled_dep,
    scheduled_mins = EXCLUDED.scheduled_mins,
    actual_dep = EXCLUDED.actual_dep,
    actual_mins = EXCLUDED.actual_mins,
    delay_mins = EXCLUDED.delay_mins,
    day_of_week = EXCLUDED.day_of_week,
    is_peak = EXCLUDED.is_peak,
    is_holiday = EXCLUDED.is_holiday,
    ingested_at = EXCLUDED.ingested_at
RETURNING (xmax = 0) AS inserted`

const selectFactColumns = `id, service_id, journey_id, stop_index, stop_id, stop_name, stop_key, date::text,
    origin, destination, destination_key, scheduled_dep, scheduled_mins,
    actual_dep, actual_mins, delay_mins, day_of_week, is_peak, is_holiday, ingested_at`

// BulkUpsert writes all facts in one transaction.
func (s *Store) BulkUpsert(ctx context.Context, facts []transit.StopFact) (history.UpsertResult, error) {
	var res history.UpsertResult
	if len(facts) == 0 {
		return res, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, f := range facts {
		batch.Queue(upsertFactSQL,
			f.ID, f.ServiceID, f.JourneyID, f.StopIndex, f.StopID, f.StopName, f.StopKey, f.Date,
			f.Origin, f.Destination, f.DestinationKey, f.ScheduledDep, f.ScheduledMins,
			f.ActualDep, f.ActualMins, f.DelayMins, f.DayOfWeek, f.IsPeak, f.IsHoliday, f.IngestedAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for _, f := range facts {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			br.Close()
			return history.UpsertResult{}, fmt.Errorf("upsert fact %s: %w", f.ID, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return history.UpsertResult{}, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return history.UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *Store) Find(ctx context.Context, f history.Filter) ([]transit.StopFact, error) {
	var out []transit.StopFact
	err := s.Each(ctx, f, func(sf transit.StopFact) error {
		out = append(out, sf)
		return nil
	})
	return out, err
}

func (s *Store) Each(ctx context.Context, f history.Filter, fn func(transit.StopFact) error) error {
	where, args := buildWhere(f)
	q := "SELECT " + selectFactColumns + " FROM stop_facts" + where + " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("query stop facts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sf transit.StopFact
		if err := rows.Scan(
			&sf.ID, &sf.ServiceID, &sf.JourneyID, &sf.StopIndex, &sf.StopID, &sf.StopName, &sf.StopKey, &sf.Date,
			&sf.Origin, &sf.Destination, &sf.DestinationKey, &sf.ScheduledDep, &sf.ScheduledMins,
			&sf.ActualDep, &sf.ActualMins, &sf.DelayMins, &sf.DayOfWeek, &sf.IsPeak, &sf.IsHoliday, &sf.IngestedAt,
		); err != nil {
			return fmt.Errorf("scan stop fact: %w", err)
		}
		if err := fn(sf); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stop_facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stop facts: %w", err)
	}
	return n, nil
}

func buildWhere(f history.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.ServiceID != 0 {
		add("service_id = $%d", f.ServiceID)
	}
	if f.StopKey != "" {
		add("stop_key = $%d", f.StopKey)
	}
	if f.DestinationKey != "" {
		add("destination_key = $%d", f.DestinationKey)
	}
	if f.Scheduled != nil {
		add("scheduled_mins >= $%d", f.Scheduled.Min)
		add("scheduled_mins <= $%d", f.Scheduled.Max)
	}
	if f.DayOfWeek != nil {
		add("day_of_week = $%d", *f.DayOfWeek)
	}
	if f.IsHoliday != nil {
		add("is_holiday = $%d", *f.IsHoliday)
	}
	if f.IsPeak != nil {
		add("is_peak = $%d", *f.IsPeak)
	}
	if f.OnlyDelayed {
		conds = append(conds, "delay_mins IS NOT NULL")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
