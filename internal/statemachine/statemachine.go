// Package statemachine validates and records schedule lifecycle transitions
// in the append-only schedule_states log.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchflow/internal/domain"
)

var (
	// ErrInvalidTransition is returned for a transition absent from the table.
	ErrInvalidTransition = errors.New("statemachine: invalid transition")

	// ErrStaleState is returned when another writer appended a transition
	// after the caller read the current state.
	ErrStaleState = errors.New("statemachine: state changed concurrently")
)

var transitions = map[domain.State][]domain.State{
	domain.StateIdle:       {domain.StatePending, domain.StateScheduled},
	domain.StateScheduled:  {domain.StatePending},
	domain.StatePending:    {domain.StateRunning, domain.StateFailed},
	domain.StateRunning:    {domain.StateCompleted, domain.StateFailed},
	domain.StateCompleted:  {domain.StateIdle},
	domain.StateFailed:     {domain.StateRetry, domain.StateIdle},
	domain.StateRetry:      {domain.StatePending, domain.StateMaxRetries},
	domain.StateMaxRetries: {domain.StateIdle},
}

// States lists every state in declaration order.
var States = []domain.State{
	domain.StateIdle, domain.StateScheduled, domain.StatePending, domain.StateRunning,
	domain.StateCompleted, domain.StateFailed, domain.StateRetry, domain.StateMaxRetries,
}

func CanTransition(from, to domain.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Eligible reports whether a trigger cycle may start from s.
func Eligible(s domain.State) bool {
	return s == domain.StateIdle || s == domain.StateScheduled
}

// Settled reports whether s ends a previous cycle and only needs moving back to idle.
func Settled(s domain.State) bool {
	return s == domain.StateCompleted || s == domain.StateMaxRetries || s == domain.StateFailed
}

// DefaultDwell holds the maximum time a schedule may sit in each state.
var DefaultDwell = map[domain.State]time.Duration{
	domain.StateIdle:       24 * time.Hour,
	domain.StateScheduled:  60 * time.Minute,
	domain.StatePending:    5 * time.Minute,
	domain.StateRunning:    30 * time.Minute,
	domain.StateCompleted:  5 * time.Minute,
	domain.StateFailed:     15 * time.Minute,
	domain.StateRetry:      15 * time.Minute,
	domain.StateMaxRetries: 15 * time.Minute,
}

// Log is the persistence the state machine needs.
type Log interface {
	LatestState(ctx context.Context, scheduleID string) (domain.StateEntry, bool, error)
	AppendState(ctx context.Context, e domain.StateEntry) (bool, error)
}

type Machine struct {
	log Log
	now func() time.Time
}

func New(log Log) *Machine {
	return &Machine{log: log, now: time.Now}
}

// WithClock replaces the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Current returns the latest entry. A schedule with no history is idle at seq 0.
func (m *Machine) Current(ctx context.Context, scheduleID string) (domain.StateEntry, error) {
	e, ok, err := m.log.LatestState(ctx, scheduleID)
	if err != nil {
		return domain.StateEntry{}, fmt.Errorf("read state of %s: %w", scheduleID, err)
	}
	if !ok {
		return domain.StateEntry{ScheduleID: scheduleID, State: domain.StateIdle}, nil
	}
	return e, nil
}

// Transition validates from→to against the table and appends it, provided
// from is still the latest entry.
func (m *Machine) Transition(ctx context.Context, from domain.StateEntry, to domain.State, meta map[string]any) (domain.StateEntry, error) {
	if !CanTransition(from.State, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from.State, to)
	}
	return m.appendAfter(ctx, from, to, meta)
}

// Force appends to regardless of the table; the entry is marked forced.
func (m *Machine) Force(ctx context.Context, from domain.StateEntry, to domain.State, meta map[string]any) (domain.StateEntry, error) {
	md := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		md[k] = v
	}
	md["forced"] = true
	md["from"] = string(from.State)
	return m.appendAfter(ctx, from, to, md)
}

// Settle moves a schedule that finished its last cycle back to idle and
// returns the resulting current entry.
func (m *Machine) Settle(ctx context.Context, scheduleID string, meta map[string]any) (domain.StateEntry, error) {
	cur, err := m.Current(ctx, scheduleID)
	if err != nil {
		return cur, err
	}
	if !Settled(cur.State) {
		return cur, nil
	}
	return m.Transition(ctx, cur, domain.StateIdle, meta)
}

func (m *Machine) appendAfter(ctx context.Context, from domain.StateEntry, to domain.State, meta map[string]any) (domain.StateEntry, error) {
	at := m.now().UTC()
	// Keep transition_time monotonic per schedule even with clock skew between instances.
	if !from.TransitionTime.IsZero() && at.Before(from.TransitionTime) {
		at = from.TransitionTime
	}
	next := domain.StateEntry{
		ScheduleID:     from.ScheduleID,
		Seq:            from.Seq + 1,
		State:          to,
		TransitionTime: at,
		Metadata:       meta,
	}
	ok, err := m.log.AppendState(ctx, next)
	if err != nil {
		return from, fmt.Errorf("append %s -> %s for %s: %w", from.State, to, from.ScheduleID, err)
	}
	if !ok {
		return from, fmt.Errorf("%w: %s at seq %d", ErrStaleState, from.ScheduleID, next.Seq)
	}
	return next, nil
}
