// ABOUTME: SQLite implementation for agent run outcome tracking
// ABOUTME: Stores one record per query and aggregates them for the stats endpoint

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveQuery stores the outcome of one agent run.
func (s *SQLiteStore) SaveQuery(ctx context.Context, rec *QueryRecord) error {
	query := `
		INSERT INTO queries (
			id, session_id, status, error_code, iterations, messages_sent, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.Status,
		nullString(rec.ErrorCode),
		rec.Iterations,
		rec.MessagesSent,
		rec.Duration.Milliseconds(),
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting query record: %w", err)
	}

	s.logger.Debug("saved query record",
		"id", rec.ID,
		"session_id", rec.SessionID,
		"status", rec.Status,
		"error_code", rec.ErrorCode,
	)
	return nil
}

// GetQueryStats returns aggregated run statistics with optional filters.
func (s *SQLiteStore) GetQueryStats(ctx context.Context, filter QueryFilter) (*QueryStats, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.SessionID != nil {
		where += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		where += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}

	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(messages_sent), 0)
		FROM queries` + where

	stats := QueryStats{ByErrorCode: make(map[string]int64)}
	var avgMillis float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&avgMillis,
		&stats.MessagesSent,
	)
	if err != nil {
		return nil, fmt.Errorf("querying query stats: %w", err)
	}
	stats.AvgDuration = time.Duration(avgMillis * float64(time.Millisecond))

	rows, err := s.db.QueryContext(ctx,
		`SELECT error_code, COUNT(*) FROM queries`+where+` AND error_code IS NOT NULL GROUP BY error_code`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying error codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var code sql.NullString
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scanning error code row: %w", err)
		}
		stats.ByErrorCode[code.String] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating error code rows: %w", err)
	}

	return &stats, nil
}

// Ensure SQLiteStore implements QueryStore interface.
var _ QueryStore = (*SQLiteStore)(nil)
