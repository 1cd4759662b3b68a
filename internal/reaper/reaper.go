// Package reaper returns schedules stuck in a state past its dwell timeout
// to idle, for instances that died mid-cycle.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"matchflow/internal/alert"
	"matchflow/internal/domain"
	"matchflow/internal/health"
	"matchflow/internal/statemachine"
)

const DefaultSchedule = "@every 1m"

type Store interface {
	CurrentStates(ctx context.Context) ([]domain.StateEntry, error)
	PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error)
}

type Report struct {
	Scanned     int
	Reaped      int
	PurgedLocks int
}

type Reaper struct {
	store   Store
	machine *statemachine.Machine
	dwell   map[domain.State]time.Duration
	metrics *health.Metrics
	alerts  alert.Notifier
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds a reaper. Missing dwell entries fall back to statemachine.DefaultDwell.
func New(store Store, machine *statemachine.Machine, dwell map[domain.State]time.Duration, metrics *health.Metrics, logger zerolog.Logger) *Reaper {
	d := make(map[domain.State]time.Duration, len(statemachine.DefaultDwell))
	for s, v := range statemachine.DefaultDwell {
		d[s] = v
	}
	for s, v := range dwell {
		if v > 0 {
			d[s] = v
		}
	}
	return &Reaper{
		store:   store,
		machine: machine,
		dwell:   d,
		metrics: metrics,
		logger:  logger.With().Str("component", "reaper").Logger(),
		now:     time.Now,
	}
}

func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// WithAlerts sends a state_timeout alert for every schedule reset.
func (r *Reaper) WithAlerts(n alert.Notifier) *Reaper {
	r.alerts = n
	return r
}

// Reap forces every overdue non-idle schedule back to idle. Running it again
// right away finds nothing to do.
func (r *Reaper) Reap(ctx context.Context) (Report, error) {
	now := r.now().UTC()
	var rep Report

	n, err := r.store.PurgeExpiredLocks(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("purge expired locks: %w", err)
	}
	rep.PurgedLocks = n

	current, err := r.store.CurrentStates(ctx)
	if err != nil {
		return rep, fmt.Errorf("list current states: %w", err)
	}
	rep.Scanned = len(current)

	for _, cur := range current {
		if cur.State == domain.StateIdle {
			continue
		}
		limit := r.dwell[cur.State]
		dwelt := now.Sub(cur.TransitionTime)
		if limit <= 0 || dwelt <= limit {
			continue
		}

		_, err := r.machine.Force(ctx, cur, domain.StateIdle, map[string]any{
			"reason":   "state_timeout",
			"dwell_ms": dwelt.Milliseconds(),
		})
		if errors.Is(err, statemachine.ErrStaleState) {
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Str("schedule_id", cur.ScheduleID).Msg("failed to reap schedule")
			continue
		}
		rep.Reaped++
		if r.metrics != nil {
			r.metrics.Reaped.WithLabelValues(string(cur.State)).Inc()
		}
		r.logger.Warn().
			Str("schedule_id", cur.ScheduleID).
			Str("from", string(cur.State)).
			Dur("dwell", dwelt).
			Msg("stale schedule reset to idle")

		if r.alerts != nil {
			err := r.alerts.Notify(ctx, alert.Alert{
				Kind:       alert.KindStateTimeout,
				ScheduleID: cur.ScheduleID,
				Message:    fmt.Sprintf("stuck in %s for %s, reset to idle", cur.State, dwelt.Round(time.Second)),
				At:         now,
			})
			if err != nil && !errors.Is(err, alert.ErrThrottled) {
				r.logger.Error().Err(err).Str("schedule_id", cur.ScheduleID).Msg("failed to send alert")
			}
		}
	}
	return rep, nil
}

// Start runs Reap on a cron spec until ctx is done.
func (r *Reaper) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		rep, err := r.Reap(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("reap failed")
			return
		}
		if rep.Reaped > 0 || rep.PurgedLocks > 0 {
			r.logger.Info().Int("reaped", rep.Reaped).Int("purged_locks", rep.PurgedLocks).Msg("reap finished")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
