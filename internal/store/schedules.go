package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"matchflow/internal/domain"
)

const scheduleColumns = `id,function_name,enabled,schedule_type,time_config,execution_config,priority,last_execution_at,next_execution_at,consecutive_failures,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		sc               domain.Schedule
		kind             string
		timeCfg, execCfg []byte
		last, next       sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&sc.ID, &sc.FunctionName, &sc.Enabled, &kind, &timeCfg, &execCfg, &sc.Priority,
		&last, &next, &sc.ConsecutiveFailures, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	sc.Kind = domain.ScheduleKind(kind)
	// A row with unreadable config is still returned so callers can reject
	// that schedule alone.
	if len(timeCfg) > 0 {
		if err := json.Unmarshal(timeCfg, &sc.TimeConfig); err != nil {
			sc.TimeConfig = domain.TimeConfig{}
			sc.DecodeErr = fmt.Errorf("time_config: %w", err)
		}
	}
	if len(execCfg) > 0 {
		if err := json.Unmarshal(execCfg, &sc.ExecutionConfig); err != nil {
			sc.ExecutionConfig = domain.ExecutionConfig{}
			sc.DecodeErr = errors.Join(sc.DecodeErr, fmt.Errorf("execution_config: %w", err))
		}
	}
	sc.LastExecutionAt = ptrMs(last)
	sc.NextExecutionAt = ptrMs(next)
	sc.CreatedAt = fromMs(created)
	sc.UpdatedAt = fromMs(updated)
	return sc, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	timeCfg, err := json.Marshal(sc.TimeConfig)
	if err != nil {
		return "", err
	}
	execCfg, err := json.Marshal(sc.ExecutionConfig)
	if err != nil {
		return "", err
	}
	now := ms(time.Now())
	_, err = s.exec(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, sc.FunctionName, sc.Enabled, string(sc.Kind), string(timeCfg), string(execCfg), sc.Priority,
		nullMs(sc.LastExecutionAt), nullMs(sc.NextExecutionAt), sc.ConsecutiveFailures, now, now)
	return id, err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	sc, err := scanSchedule(s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY function_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DueSchedules returns enabled schedules whose next execution is unset or not after now,
// highest priority first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.query(ctx, `
SELECT `+scheduleColumns+`
FROM schedules
WHERE enabled = ? AND (next_execution_at IS NULL OR next_execution_at <= ?)
ORDER BY priority DESC, next_execution_at`, true, ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// RecordRun persists the outcome fields the engine owns.
func (s *Store) RecordRun(ctx context.Context, id string, lastRun, nextRun time.Time, consecutiveFailures int) error {
	_, err := s.exec(ctx, `
UPDATE schedules SET last_execution_at=?, next_execution_at=?, consecutive_failures=?, updated_at=? WHERE id=?`,
		ms(lastRun), ms(nextRun), consecutiveFailures, ms(time.Now()), id)
	return err
}

// SetNextExecution moves the due time without touching last_execution_at.
func (s *Store) SetNextExecution(ctx context.Context, id string, next time.Time) error {
	res, err := s.exec(ctx, `UPDATE schedules SET next_execution_at=?, updated_at=? WHERE id=?`,
		ms(next), ms(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.exec(ctx, `UPDATE schedules SET enabled=?, updated_at=? WHERE id=?`, enabled, ms(time.Now()), id)
	return err
}

// UpdateSchedule rewrites the operator-owned fields; run bookkeeping is left alone.
func (s *Store) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	timeCfg, err := json.Marshal(sc.TimeConfig)
	if err != nil {
		return err
	}
	execCfg, err := json.Marshal(sc.ExecutionConfig)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
UPDATE schedules SET function_name=?, enabled=?, schedule_type=?, time_config=?, execution_config=?, priority=?, updated_at=?
WHERE id=?`,
		sc.FunctionName, sc.Enabled, string(sc.Kind), string(timeCfg), string(execCfg), sc.Priority, ms(time.Now()), sc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule with its history, logs and lock.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM schedule_states WHERE schedule_id=?`,
		`DELETE FROM schedule_execution_logs WHERE schedule_id=?`,
		`DELETE FROM schedule_locks WHERE schedule_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedules WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
