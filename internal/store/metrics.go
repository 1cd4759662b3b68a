package store

import (
	"context"
	"database/sql"
	"time"

	"matchflow/internal/domain"
)

// Attempt is one observation folded into api_health_metrics.
type Attempt struct {
	Endpoint     string
	Success      bool
	Duration     time.Duration
	At           time.Time
	ErrorPattern []byte // JSON, failures only
}

// UpsertMetric folds a single attempt into the rolling row for its endpoint.
// The average is a running mean over all recorded attempts.
func (s *Store) UpsertMetric(ctx context.Context, a Attempt) error {
	var (
		success, failure int64
		lastOK, lastErr  sql.NullInt64
		pattern          sql.NullString
	)
	if a.Success {
		success = 1
		lastOK = sql.NullInt64{Int64: ms(a.At), Valid: true}
	} else {
		failure = 1
		lastErr = sql.NullInt64{Int64: ms(a.At), Valid: true}
		if len(a.ErrorPattern) > 0 {
			pattern = sql.NullString{String: string(a.ErrorPattern), Valid: true}
		}
	}
	latency := float64(a.Duration.Microseconds()) / 1000.0

	_, err := s.exec(ctx, `
INSERT INTO api_health_metrics (endpoint, success_count, error_count, avg_response_time, last_success_time, last_error_time, error_pattern, updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT (endpoint) DO UPDATE SET
  avg_response_time = (api_health_metrics.avg_response_time * (api_health_metrics.success_count + api_health_metrics.error_count) + excluded.avg_response_time)
                      / (api_health_metrics.success_count + api_health_metrics.error_count + 1),
  success_count = api_health_metrics.success_count + excluded.success_count,
  error_count = api_health_metrics.error_count + excluded.error_count,
  last_success_time = COALESCE(excluded.last_success_time, api_health_metrics.last_success_time),
  last_error_time = COALESCE(excluded.last_error_time, api_health_metrics.last_error_time),
  error_pattern = COALESCE(excluded.error_pattern, api_health_metrics.error_pattern),
  updated_at = excluded.updated_at`,
		a.Endpoint, success, failure, latency, lastOK, lastErr, pattern, ms(a.At))
	return err
}

func (s *Store) ListMetrics(ctx context.Context) ([]domain.MetricSample, error) {
	rows, err := s.query(ctx, `
SELECT endpoint, success_count, error_count, avg_response_time, last_success_time, last_error_time, error_pattern
FROM api_health_metrics ORDER BY endpoint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MetricSample
	for rows.Next() {
		var (
			m               domain.MetricSample
			lastOK, lastErr sql.NullInt64
			pattern         []byte
		)
		if err := rows.Scan(&m.Endpoint, &m.SuccessCount, &m.ErrorCount, &m.AvgResponseTime, &lastOK, &lastErr, &pattern); err != nil {
			return nil, err
		}
		m.LastSuccessTime = ptrMs(lastOK)
		m.LastErrorTime = ptrMs(lastErr)
		m.ErrorPattern = pattern
		out = append(out, m)
	}
	return out, rows.Err()
}
