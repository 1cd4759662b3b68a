// Package window answers whether a tracked event window is active now.
package window

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"matchflow/internal/domain"
)

const (
	DefaultLookahead     = 2 * time.Hour
	DefaultEventDuration = 2 * time.Hour
)

// Detector is the read-only signal the interval calculator polls.
type Detector interface {
	Detect(ctx context.Context, now time.Time) (domain.WindowState, error)
}

// EventSource reads stored event records.
type EventSource interface {
	ActiveEvents(ctx context.Context, now time.Time, defaultDuration time.Duration) ([]domain.Event, error)
	NextEventStart(ctx context.Context, now time.Time) (*time.Time, error)
}

type Options struct {
	Lookahead     time.Duration
	EventDuration time.Duration
}

type StoreDetector struct {
	events EventSource
	opts   Options
}

func NewStoreDetector(events EventSource, opts Options) *StoreDetector {
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.EventDuration <= 0 {
		opts.EventDuration = DefaultEventDuration
	}
	return &StoreDetector{events: events, opts: opts}
}

func (d *StoreDetector) Detect(ctx context.Context, now time.Time) (domain.WindowState, error) {
	now = now.UTC()
	active, err := d.events.ActiveEvents(ctx, now, d.opts.EventDuration)
	if err != nil {
		return domain.WindowState{}, fmt.Errorf("active events: %w", err)
	}
	next, err := d.events.NextEventStart(ctx, now)
	if err != nil {
		return domain.WindowState{}, fmt.Errorf("next event: %w", err)
	}

	w := domain.WindowState{CheckedAt: now, NextStart: next, ActiveCount: len(active)}
	for _, e := range active {
		end := e.StartsAt.Add(d.opts.EventDuration)
		if e.EndsAt != nil {
			end = *e.EndsAt
		}
		if w.Start == nil || e.StartsAt.Before(*w.Start) {
			s := e.StartsAt
			w.Start = &s
		}
		if w.End == nil || end.After(*w.End) {
			w.End = &end
		}
	}
	w.Active = len(active) > 0
	w.Kind = Classify(w, now, d.opts.Lookahead)
	return w, nil
}

// Classify maps a window state to its kind given the near-window lookahead.
func Classify(w domain.WindowState, now time.Time, lookahead time.Duration) domain.WindowKind {
	if w.Active {
		return domain.WindowActive
	}
	if w.NextStart != nil && !w.NextStart.After(now.Add(lookahead)) {
		return domain.WindowNear
	}
	return domain.WindowIdle
}

// Static always reports the same state; useful when no event feed is configured.
type Static domain.WindowState

func (s Static) Detect(_ context.Context, now time.Time) (domain.WindowState, error) {
	w := domain.WindowState(s)
	w.CheckedAt = now
	if w.Kind == "" {
		w.Kind = domain.WindowIdle
		if w.Active {
			w.Kind = domain.WindowActive
		}
	}
	return w, nil
}

// AuditSink stores snapshots for later inspection.
type AuditSink interface {
	AppendWindowState(ctx context.Context, w domain.WindowState) error
}

// Auditor periodically snapshots the detector's answer to the audit trail.
type Auditor struct {
	detector Detector
	sink     AuditSink
	logger   zerolog.Logger
}

func NewAuditor(detector Detector, sink AuditSink, logger zerolog.Logger) *Auditor {
	return &Auditor{detector: detector, sink: sink, logger: logger.With().Str("component", "window").Logger()}
}

// Snapshot records the current window; errors are logged, not returned, so it
// can run as a cron job.
func (a *Auditor) Snapshot(ctx context.Context) {
	w, err := a.detector.Detect(ctx, time.Now())
	if err != nil {
		a.logger.Error().Err(err).Msg("window detection failed")
		return
	}
	if err := a.sink.AppendWindowState(ctx, w); err != nil {
		a.logger.Error().Err(err).Msg("failed to record window state")
		return
	}
	a.logger.Debug().Str("kind", string(w.Kind)).Int("active_count", w.ActiveCount).Msg("window state recorded")
}

// Start snapshots on the given cron spec until ctx is done.
func (a *Auditor) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { a.Snapshot(ctx) }); err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
