package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DailyMetrics is one row of the metrics_daily rollup.
type DailyMetrics struct {
	Day           string  `json:"day"`
	Queries       int     `json:"queries"`
	Cancelled     int     `json:"cancelled"`
	Errors        int     `json:"errors"`
	Tokens        int     `json:"tokens"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// RecordQueryOutcome folds one terminal query into the daily rollup.
// outcome is one of completed, cancelled, error.
func (s *Store) RecordQueryOutcome(ctx context.Context, day time.Time, outcome string, tokens int, confidence float64) error {
	key := day.UTC().Format("2006-01-02")

	cancelled, errored := 0, 0
	switch outcome {
	case "cancelled":
		cancelled = 1
	case "error":
		errored = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists string
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT day FROM metrics_daily WHERE day = ?`), key).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO metrics_daily (day, queries, cancelled, errors, tokens, confidence_sum)
			 VALUES (?, 1, ?, ?, ?, ?)`),
			key, cancelled, errored, tokens, confidence)
	case err == nil:
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE metrics_daily SET queries = queries + 1, cancelled = cancelled + ?,
			 errors = errors + ?, tokens = tokens + ?, confidence_sum = confidence_sum + ?
			 WHERE day = ?`),
			cancelled, errored, tokens, confidence, key)
	default:
		return fmt.Errorf("failed to read daily metrics: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to update daily metrics: %w", err)
	}
	return tx.Commit()
}

// Metrics returns the rollup rows for days in [from, to], oldest first.
func (s *Store) Metrics(ctx context.Context, from, to time.Time) ([]DailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT day, queries, cancelled, errors, tokens, confidence_sum FROM metrics_daily
		 WHERE day >= ? AND day <= ? ORDER BY day ASC`),
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []DailyMetrics
	for rows.Next() {
		var m DailyMetrics
		var confidenceSum float64
		if err := rows.Scan(&m.Day, &m.Queries, &m.Cancelled, &m.Errors, &m.Tokens, &confidenceSum); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		if m.Queries > 0 {
			m.AvgConfidence = confidenceSum / float64(m.Queries)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
