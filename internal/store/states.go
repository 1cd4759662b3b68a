package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"matchflow/internal/domain"
)

func scanState(row rowScanner) (domain.StateEntry, error) {
	var (
		e     domain.StateEntry
		state string
		at    int64
		meta  []byte
	)
	if err := row.Scan(&e.ScheduleID, &e.Seq, &state, &at, &meta); err != nil {
		return domain.StateEntry{}, err
	}
	e.State = domain.State(state)
	e.TransitionTime = fromMs(at)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &e.Metadata)
	}
	return e, nil
}

// LatestState returns the most recent state entry; ok is false when the log is empty.
func (s *Store) LatestState(ctx context.Context, scheduleID string) (domain.StateEntry, bool, error) {
	e, err := scanState(s.queryRow(ctx, `
SELECT schedule_id, seq, state, transition_time, metadata
FROM schedule_states WHERE schedule_id=? ORDER BY seq DESC LIMIT 1`, scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateEntry{}, false, nil
	}
	if err != nil {
		return domain.StateEntry{}, false, err
	}
	return e, true, nil
}

// AppendState inserts e only if no entry with the same sequence exists yet.
// It reports false when another writer appended first.
func (s *Store) AppendState(ctx context.Context, e domain.StateEntry) (bool, error) {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return false, err
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.exec(ctx, `
INSERT INTO schedule_states (schedule_id, seq, state, transition_time, metadata)
VALUES (?,?,?,?,?)
ON CONFLICT (schedule_id, seq) DO NOTHING`,
		e.ScheduleID, e.Seq, string(e.State), ms(e.TransitionTime), meta)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListStates returns the newest entries first. A non-positive limit means DefaultListLimit.
func (s *Store) ListStates(ctx context.Context, scheduleID string, limit int) ([]domain.StateEntry, error) {
	limit = listLimit(limit)
	rows, err := s.query(ctx, `
SELECT schedule_id, seq, state, transition_time, metadata
FROM schedule_states WHERE schedule_id=? ORDER BY seq DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StateEntry
	for rows.Next() {
		e, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CurrentStates returns the latest entry of every schedule that has one.
func (s *Store) CurrentStates(ctx context.Context) ([]domain.StateEntry, error) {
	rows, err := s.query(ctx, `
SELECT st.schedule_id, st.seq, st.state, st.transition_time, st.metadata
FROM schedule_states st
JOIN (SELECT schedule_id, MAX(seq) AS seq FROM schedule_states GROUP BY schedule_id) latest
  ON st.schedule_id = latest.schedule_id AND st.seq = latest.seq
ORDER BY st.schedule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StateEntry
	for rows.Next() {
		e, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
