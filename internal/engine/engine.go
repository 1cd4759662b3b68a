// Package engine runs the trigger loop: it finds due schedules, runs each one
// through its state lifecycle under a lease, and books the outcome.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"matchflow/internal/alert"
	"matchflow/internal/domain"
	"matchflow/internal/health"
	"matchflow/internal/invoker"
	"matchflow/internal/lock"
	"matchflow/internal/retry"
	"matchflow/internal/statemachine"
)

const TracerName = "matchflow/engine"

type Config struct {
	TickInterval         time.Duration
	Workers              int
	LockMargin           time.Duration
	AutoDisableAfter     int
	InvalidConfigBackoff time.Duration

	// MaxBackoff and MaxAttemptTimeout cap per-schedule settings so a live
	// cycle never outstays the reaper's retry and running dwell timeouts.
	MaxBackoff        time.Duration
	MaxAttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:         30 * time.Second,
		Workers:              8,
		LockMargin:           30 * time.Second,
		InvalidConfigBackoff: time.Hour,
	}
}

type Store interface {
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	StartExecution(ctx context.Context, l domain.ExecutionLog) (string, error)
	FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, completedAt time.Time, duration time.Duration, errDetail string) error
	RecordRun(ctx context.Context, id string, lastRun, nextRun time.Time, consecutiveFailures int) error
	SetNextExecution(ctx context.Context, id string, next time.Time) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

type Invoker interface {
	Invoke(ctx context.Context, task string, payload json.RawMessage, timeout time.Duration) invoker.Result
}

type Intervals interface {
	Validate(s domain.Schedule) error
	Next(ctx context.Context, s domain.Schedule, now time.Time) (time.Time, error)
}

// Deps are the collaborators an Engine drives. Health, Alerts, Metrics and
// Tracer are optional.
type Deps struct {
	Store     Store
	Machine   *statemachine.Machine
	Locks     *lock.Manager
	Invoker   Invoker
	Retry     *retry.Policy
	Intervals Intervals
	Health    *health.Recorder
	Alerts    alert.Notifier
	Metrics   *health.Metrics
	Logger    zerolog.Logger
	Tracer    trace.Tracer
}

type Engine struct {
	cfg Config
	Deps

	instanceID string
	sem        chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LockMargin <= 0 {
		cfg.LockMargin = def.LockMargin
	}
	if cfg.InvalidConfigBackoff <= 0 {
		cfg.InvalidConfigBackoff = def.InvalidConfigBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DwellLimit(statemachine.DefaultDwell[domain.StateRetry], cfg.LockMargin)
	}
	if cfg.MaxAttemptTimeout <= 0 {
		cfg.MaxAttemptTimeout = DwellLimit(statemachine.DefaultDwell[domain.StateRunning], cfg.LockMargin)
	}
	if deps.Retry == nil {
		deps.Retry = retry.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(TracerName)
	}
	instanceID := "inst_" + uuid.NewString()
	deps.Logger = deps.Logger.With().Str("component", "engine").Str("instance_id", instanceID).Logger()

	return &Engine{
		cfg:        cfg,
		Deps:       deps,
		instanceID: instanceID,
		sem:        make(chan struct{}, cfg.Workers),
		stop:       make(chan struct{}),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// DwellLimit is the longest a cycle may stay in a state whose reaper
// timeout is dwell, leaving margin for bookkeeping.
func DwellLimit(dwell, margin time.Duration) time.Duration {
	if dwell-margin <= 0 {
		return dwell / 2
	}
	return dwell - margin
}

func (e *Engine) InstanceID() string { return e.instanceID }

func (e *Engine) attemptTimeout(cfg domain.ExecutionConfig) time.Duration {
	return min(cfg.Timeout(), e.cfg.MaxAttemptTimeout)
}

// Run ticks until ctx is cancelled or Stop is called. The first tick fires immediately.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.Logger.Info().Dur("interval", e.cfg.TickInterval).Int("workers", e.cfg.Workers).Msg("trigger loop started")
	e.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			e.Logger.Info().Msg("trigger loop stopped")
			return
		case <-e.stop:
			e.Logger.Info().Msg("trigger loop stopped")
			return
		case <-ticker.C:
			e.tickLogged(ctx)
		}
	}
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) tickLogged(ctx context.Context) {
	if _, err := e.Tick(ctx); err != nil {
		e.Logger.Error().Err(err).Msg("tick failed")
	}
}

// Tick processes every schedule due now and waits for all of them. One
// schedule's failure does not affect the others. It returns the number of
// schedules found due.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	start := e.now()
	ctx, span := e.Tracer.Start(ctx, "engine.tick")
	defer span.End()

	due, err := e.Store.DueSchedules(ctx, start)
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("get due schedules: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.DueSchedules.Set(float64(len(due)))
	}

	var wg sync.WaitGroup
	for _, s := range due {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return len(due), ctx.Err()
		}
		wg.Add(1)
		go func(s domain.Schedule) {
			defer wg.Done()
			defer func() { <-e.sem }()
			defer func() {
				if r := recover(); r != nil {
					e.Logger.Error().
						Str("schedule_id", s.ID).
						Str("task", s.FunctionName).
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("panic while processing schedule")
				}
			}()
			e.runCycle(ctx, s)
		}(s)
	}
	wg.Wait()

	if e.Metrics != nil {
		e.Metrics.TickDuration.Observe(e.now().Sub(start).Seconds())
	}
	if len(due) > 0 {
		e.Logger.Debug().Int("due", len(due)).Dur("elapsed", e.now().Sub(start)).Msg("tick finished")
	}
	return len(due), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
