package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"matchflow/internal/domain"
)

// Events with these statuses never open a window.
const (
	EventCancelled = "cancelled"
	EventFinished  = "finished"
)

func (s *Store) UpsertEvent(ctx context.Context, e domain.Event) (string, error) {
	id := e.ID
	if id == "" {
		id = "evt_" + uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = "scheduled"
	}
	_, err := s.exec(ctx, `
INSERT INTO events (id, name, starts_at, ends_at, status) VALUES (?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET name=excluded.name, starts_at=excluded.starts_at, ends_at=excluded.ends_at, status=excluded.status`,
		id, e.Name, ms(e.StartsAt), nullMs(e.EndsAt), status)
	return id, err
}

// ActiveEvents returns events in progress at now. Events without an end are
// assumed to last defaultDuration.
func (s *Store) ActiveEvents(ctx context.Context, now time.Time, defaultDuration time.Duration) ([]domain.Event, error) {
	rows, err := s.query(ctx, `
SELECT id, name, starts_at, ends_at, status FROM events
WHERE starts_at <= ? AND COALESCE(ends_at, starts_at + ?) > ? AND status NOT IN (?, ?)
ORDER BY starts_at`, ms(now), defaultDuration.Milliseconds(), ms(now), EventCancelled, EventFinished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e      domain.Event
			starts int64
			ends   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Name, &starts, &ends, &e.Status); err != nil {
			return nil, err
		}
		e.StartsAt = fromMs(starts)
		e.EndsAt = ptrMs(ends)
		out = append(out, e)
	}
	return out, rows.Err()
}

// NextEventStart returns the earliest start strictly after now, or nil.
func (s *Store) NextEventStart(ctx context.Context, now time.Time) (*time.Time, error) {
	var next sql.NullInt64
	err := s.queryRow(ctx, `SELECT MIN(starts_at) FROM events WHERE starts_at > ? AND status NOT IN (?, ?)`,
		ms(now), EventCancelled, EventFinished).Scan(&next)
	if err != nil {
		return nil, err
	}
	return ptrMs(next), nil
}

// AppendWindowState writes an audit row; window_states is never read by the engine.
func (s *Store) AppendWindowState(ctx context.Context, w domain.WindowState) error {
	_, err := s.exec(ctx, `
INSERT INTO window_states (kind, active, window_start, window_end, active_count, next_start, checked_at)
VALUES (?,?,?,?,?,?,?)`,
		string(w.Kind), w.Active, nullMs(w.Start), nullMs(w.End), w.ActiveCount, nullMs(w.NextStart), ms(w.CheckedAt))
	return err
}
