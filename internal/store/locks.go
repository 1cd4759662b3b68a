package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"matchflow/internal/domain"
)

// AcquireLock inserts the lock row, or takes over an expired one, in a single
// conditional upsert. It reports whether holder now owns the lock.
func (s *Store) AcquireLock(ctx context.Context, scheduleID, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := s.exec(ctx, `
INSERT INTO schedule_locks (schedule_id, holder_id, acquired_at, expires_at)
VALUES (?,?,?,?)
ON CONFLICT (schedule_id) DO UPDATE
SET holder_id = excluded.holder_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
WHERE schedule_locks.expires_at <= ?`,
		scheduleID, holder, ms(now), ms(expiresAt), ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExtendLock moves the expiry of an unexpired lock owned by holder.
func (s *Store) ExtendLock(ctx context.Context, scheduleID, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := s.exec(ctx, `
UPDATE schedule_locks SET expires_at=? WHERE schedule_id=? AND holder_id=? AND expires_at > ?`,
		ms(expiresAt), scheduleID, holder, ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, scheduleID, holder string) error {
	_, err := s.exec(ctx, `DELETE FROM schedule_locks WHERE schedule_id=? AND holder_id=?`, scheduleID, holder)
	return err
}

func (s *Store) GetLock(ctx context.Context, scheduleID string) (domain.Lock, error) {
	var (
		l   domain.Lock
		exp int64
	)
	err := s.queryRow(ctx, `SELECT schedule_id, holder_id, expires_at FROM schedule_locks WHERE schedule_id=?`, scheduleID).
		Scan(&l.ScheduleID, &l.HolderID, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lock{}, ErrNotFound
	}
	if err != nil {
		return domain.Lock{}, err
	}
	l.ExpiresAt = fromMs(exp)
	return l, nil
}

func (s *Store) PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM schedule_locks WHERE expires_at <= ?`, ms(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
