package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"matchflow/internal/domain"
)

// StartExecution inserts a running execution log row and returns its id.
func (s *Store) StartExecution(ctx context.Context, l domain.ExecutionLog) (string, error) {
	id := l.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	var execCtx sql.NullString
	if len(l.Context) > 0 {
		execCtx = sql.NullString{String: string(l.Context), Valid: true}
	}
	_, err := s.exec(ctx, `
INSERT INTO schedule_execution_logs (id, schedule_id, started_at, status, execution_context)
VALUES (?,?,?,?,?)`, id, l.ScheduleID, ms(l.StartedAt), string(domain.ExecutionRunning), execCtx)
	return id, err
}

// FinishExecution moves a running row to its terminal status. Rows already
// terminal are left untouched.
func (s *Store) FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, completedAt time.Time, duration time.Duration, errDetail string) error {
	_, err := s.exec(ctx, `
UPDATE schedule_execution_logs
SET status=?, completed_at=?, execution_duration_ms=?, error_details=?
WHERE id=? AND status=?`,
		string(status), ms(completedAt), duration.Milliseconds(), nullStr(errDetail), id, string(domain.ExecutionRunning))
	return err
}

func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]domain.ExecutionLog, error) {
	limit = listLimit(limit)
	rows, err := s.query(ctx, `
SELECT id, schedule_id, started_at, completed_at, status, error_details, execution_duration_ms, execution_context
FROM schedule_execution_logs WHERE schedule_id=? ORDER BY started_at DESC, id LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var (
			l         domain.ExecutionLog
			started   int64
			completed sql.NullInt64
			status    string
			errDetail sql.NullString
			dur       sql.NullInt64
			execCtx   []byte
		)
		if err := rows.Scan(&l.ID, &l.ScheduleID, &started, &completed, &status, &errDetail, &dur, &execCtx); err != nil {
			return nil, err
		}
		l.StartedAt = fromMs(started)
		l.CompletedAt = ptrMs(completed)
		l.Status = domain.ExecutionStatus(status)
		l.Error = errDetail.String
		l.DurationMs = dur.Int64
		l.Context = execCtx
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
