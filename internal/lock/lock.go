// Package lock grants time-leased, per-schedule mutual exclusion.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotHolder is returned by Extend when the caller no longer owns the lease.
var ErrNotHolder = errors.New("lock: not held by caller")

// Store performs the conditional writes; each call must be atomic on its own.
type Store interface {
	AcquireLock(ctx context.Context, scheduleID, holder string, now, expiresAt time.Time) (bool, error)
	ExtendLock(ctx context.Context, scheduleID, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseLock(ctx context.Context, scheduleID, holder string) error
}

type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire grants the lock only if no unexpired lock exists for scheduleID.
// A refused lock is reported as false, not as an error.
func (m *Manager) Acquire(ctx context.Context, scheduleID, holder string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, fmt.Errorf("lock: lease must be positive, got %s", lease)
	}
	now := m.now()
	ok, err := m.store.AcquireLock(ctx, scheduleID, holder, now, now.Add(lease))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", scheduleID, err)
	}
	return ok, nil
}

// Extend renews a lease the caller still holds.
func (m *Manager) Extend(ctx context.Context, scheduleID, holder string, lease time.Duration) error {
	now := m.now()
	ok, err := m.store.ExtendLock(ctx, scheduleID, holder, now, now.Add(lease))
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", scheduleID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHolder, scheduleID)
	}
	return nil
}

// Release clears the lock if holder owns it; otherwise it does nothing.
func (m *Manager) Release(ctx context.Context, scheduleID, holder string) error {
	if err := m.store.ReleaseLock(ctx, scheduleID, holder); err != nil {
		return fmt.Errorf("release lock %s: %w", scheduleID, err)
	}
	return nil
}
