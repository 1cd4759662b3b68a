package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"matchflow/internal/alert"
	"matchflow/internal/domain"
	"matchflow/internal/invoker"
	"matchflow/internal/statemachine"
)

type outcome int

const (
	outcomeAborted outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeMaxRetries
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	case outcomeMaxRetries:
		return "max_retries"
	default:
		return "aborted"
	}
}

type cycle struct {
	e        *Engine
	s        domain.Schedule
	cur      domain.StateEntry
	log      zerolog.Logger
	attempts int
	lastErr  error
}

// runCycle runs one schedule from lock acquisition to release.
func (e *Engine) runCycle(ctx context.Context, s domain.Schedule) {
	started := e.now()
	ctx, span := e.Tracer.Start(ctx, "engine.cycle", trace.WithAttributes(
		attribute.String("matchflow.schedule.id", s.ID),
		attribute.String("matchflow.task", s.FunctionName),
	))
	defer span.End()

	// Bookkeeping must survive shutdown of the trigger loop.
	bg := context.WithoutCancel(ctx)
	logger := e.Logger.With().Str("schedule_id", s.ID).Str("task", s.FunctionName).Logger()

	if err := e.Intervals.Validate(s); err != nil {
		e.rejectInvalidConfig(bg, s, err, started, logger)
		recordSpanError(span, err)
		return
	}

	cfg := s.ExecutionConfig
	lease := e.attemptTimeout(cfg) + e.cfg.LockMargin
	if !cfg.ConcurrentExecution {
		ok, err := e.Locks.Acquire(ctx, s.ID, e.instanceID, lease)
		if err != nil {
			logger.Error().Err(err).Msg("lock acquire failed")
			recordSpanError(span, err)
			return
		}
		if !ok {
			if e.Metrics != nil {
				e.Metrics.LockContended.WithLabelValues(s.FunctionName).Inc()
			}
			logger.Debug().Msg("lock held by another instance, skipping")
			return
		}
		defer func() {
			if err := e.Locks.Release(bg, s.ID, e.instanceID); err != nil {
				logger.Error().Err(err).Msg("lock release failed")
			}
		}()
	}

	cur, err := e.Machine.Settle(ctx, s.ID, map[string]any{"reason": "new_cycle", "instance_id": e.instanceID})
	if err != nil {
		e.logTransitionError(logger, err, "settle")
		return
	}
	if !statemachine.Eligible(cur.State) {
		logger.Debug().Str("state", string(cur.State)).Msg("schedule not eligible, skipping")
		return
	}

	c := &cycle{e: e, s: s, cur: cur, log: logger}
	if err := c.transition(ctx, domain.StatePending, map[string]any{"instance_id": e.instanceID}); err != nil {
		e.logTransitionError(logger, err, "enqueue")
		return
	}

	result := c.attemptLoop(ctx, lease)
	span.SetAttributes(
		attribute.String("matchflow.outcome", result.String()),
		attribute.Int("matchflow.attempts", c.attempts),
	)
	if c.lastErr != nil && result != outcomeSucceeded {
		recordSpanError(span, c.lastErr)
	}
	e.book(bg, c, result, started)
}

func (c *cycle) attemptLoop(ctx context.Context, lease time.Duration) outcome {
	e, s := c.e, c.s
	cfg := s.ExecutionConfig
	retries := cfg.Retries()

	for attempt := 1; ; attempt++ {
		c.attempts = attempt
		if attempt > 1 && !cfg.ConcurrentExecution {
			if err := e.Locks.Extend(ctx, s.ID, e.instanceID, lease); err != nil {
				c.lastErr = err
				c.log.Error().Err(err).Int("attempt", attempt).Msg("lost lease before attempt")
				return outcomeAborted
			}
		}
		if err := c.transition(ctx, domain.StateRunning, map[string]any{"attempt": attempt}); err != nil {
			e.logTransitionError(c.log, err, "start attempt")
			return outcomeAborted
		}

		res, err := e.attempt(ctx, s, attempt, c.log)
		if err != nil {
			c.lastErr = err
			c.log.Error().Err(err).Int("attempt", attempt).Msg("attempt could not be recorded")
			if err := c.transition(ctx, domain.StateFailed, map[string]any{"attempt": attempt, "error": err.Error()}); err != nil {
				e.logTransitionError(c.log, err, "fail unrecorded attempt")
			}
			return outcomeAborted
		}
		if res.Success {
			if err := c.transition(ctx, domain.StateCompleted, map[string]any{
				"attempt":     attempt,
				"duration_ms": res.Duration.Milliseconds(),
			}); err != nil {
				e.logTransitionError(c.log, err, "complete")
				return outcomeAborted
			}
			return outcomeSucceeded
		}

		c.lastErr = res.Err
		if err := c.transition(ctx, domain.StateFailed, map[string]any{"attempt": attempt, "error": res.Err.Error()}); err != nil {
			e.logTransitionError(c.log, err, "fail")
			return outcomeAborted
		}
		if !res.Retryable() {
			return outcomeFailed
		}

		if attempt > retries {
			if err := c.transition(ctx, domain.StateRetry, map[string]any{"attempt": attempt, "exhausted": true}); err != nil {
				e.logTransitionError(c.log, err, "retry")
				return outcomeAborted
			}
			if err := c.transition(ctx, domain.StateMaxRetries, map[string]any{"attempts": attempt}); err != nil {
				e.logTransitionError(c.log, err, "max retries")
				return outcomeAborted
			}
			return outcomeMaxRetries
		}

		delay := e.Retry.ForSchedule(cfg, attempt)
		if hint, ok := invoker.RetryAfterHint(res.Err); ok && hint > delay {
			delay = min(hint, cfg.MaxDelay())
		}
		delay = min(delay, e.cfg.MaxBackoff)
		if !cfg.ConcurrentExecution {
			// the lease must outlive the wait; it is renewed again before the attempt
			if err := e.Locks.Extend(ctx, s.ID, e.instanceID, delay+lease); err != nil {
				c.lastErr = err
				c.log.Error().Err(err).Int("attempt", attempt).Msg("lost lease before backoff")
				return outcomeAborted
			}
		}
		if err := c.transition(ctx, domain.StateRetry, map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()}); err != nil {
			e.logTransitionError(c.log, err, "retry")
			return outcomeAborted
		}
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Err(res.Err).Msg("retrying after backoff")
		if err := e.sleep(ctx, delay); err != nil {
			c.lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("backoff interrupted")
			return outcomeAborted
		}
		if err := c.transition(ctx, domain.StatePending, map[string]any{"attempt": attempt + 1}); err != nil {
			e.logTransitionError(c.log, err, "requeue")
			return outcomeAborted
		}
	}
}

func (c *cycle) transition(ctx context.Context, to domain.State, meta map[string]any) error {
	next, err := c.e.Machine.Transition(ctx, c.cur, to, meta)
	if err != nil {
		return err
	}
	c.cur = next
	if c.e.Metrics != nil {
		c.e.Metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
	return nil
}

// attempt writes the execution log, invokes the task and closes the log.
func (e *Engine) attempt(ctx context.Context, s domain.Schedule, n int, logger zerolog.Logger) (invoker.Result, error) {
	bg := context.WithoutCancel(ctx)
	payload := invoker.NewPayload(s.ID, e.instanceID, n)
	started := e.now()

	logID, err := e.Store.StartExecution(ctx, domain.ExecutionLog{
		ScheduleID: s.ID,
		StartedAt:  started,
		Status:     domain.ExecutionRunning,
		Context:    payload,
	})
	if err != nil {
		return invoker.Result{}, fmt.Errorf("start execution log: %w", err)
	}

	actx, span := e.Tracer.Start(ctx, "engine.attempt", trace.WithAttributes(
		attribute.String("matchflow.schedule.id", s.ID),
		attribute.String("matchflow.execution.id", logID),
		attribute.Int("matchflow.attempt", n),
	))
	res := e.Invoker.Invoke(actx, s.FunctionName, payload, e.attemptTimeout(s.ExecutionConfig))
	if !res.Success {
		recordSpanError(span, res.Err)
	}
	span.End()

	finished := e.now()
	status, detail := domain.ExecutionCompleted, ""
	if !res.Success {
		status = domain.ExecutionFailed
		detail = res.Err.Error()
	}
	if err := e.Store.FinishExecution(bg, logID, status, finished, res.Duration, detail); err != nil {
		logger.Error().Err(err).Str("execution_id", logID).Msg("failed to finish execution log")
	}
	if e.Health != nil {
		e.Health.Record(bg, s.FunctionName, res, finished)
	}

	if res.Success {
		logger.Info().Int("attempt", n).Dur("elapsed", res.Duration).Str("execution_id", logID).Msg("task succeeded")
	} else {
		logger.Warn().Err(res.Err).Int("attempt", n).Dur("elapsed", res.Duration).Str("execution_id", logID).Bool("retryable", res.Retryable()).Msg("task failed")
	}
	return res, nil
}

// book persists the cycle outcome and computes the next due time.
func (e *Engine) book(ctx context.Context, c *cycle, result outcome, started time.Time) {
	s := c.s
	failures := s.ConsecutiveFailures
	switch result {
	case outcomeSucceeded:
		failures = 0
	case outcomeFailed, outcomeMaxRetries:
		failures++
	}

	if result == outcomeMaxRetries {
		e.notify(ctx, alert.Alert{
			Kind:       alert.KindMaxRetries,
			ScheduleID: s.ID,
			Task:       s.FunctionName,
			Message:    fmt.Sprintf("gave up after %d attempts", c.attempts),
			Error:      errString(c.lastErr),
			At:         e.now(),
		}, c.log)
	}

	next, err := e.Intervals.Next(ctx, s, e.now())
	if err != nil {
		next = e.now().Add(e.cfg.InvalidConfigBackoff)
		c.log.Error().Err(err).Time("next", next).Msg("interval calculation failed, backing off")
	}
	if err := e.Store.RecordRun(ctx, s.ID, started, next, failures); err != nil {
		c.log.Error().Err(err).Msg("failed to record run")
	}

	if (result == outcomeFailed || result == outcomeMaxRetries) && e.cfg.AutoDisableAfter > 0 && failures >= e.cfg.AutoDisableAfter {
		if err := e.Store.SetEnabled(ctx, s.ID, false); err != nil {
			c.log.Error().Err(err).Msg("failed to disable schedule")
		} else {
			e.notify(ctx, alert.Alert{
				Kind:       alert.KindAutoDisabled,
				ScheduleID: s.ID,
				Task:       s.FunctionName,
				Message:    fmt.Sprintf("disabled after %d consecutive failures", failures),
				Error:      errString(c.lastErr),
				At:         e.now(),
			}, c.log)
		}
	}

	c.log.Info().
		Str("outcome", result.String()).
		Int("attempts", c.attempts).
		Int("consecutive_failures", failures).
		Dur("elapsed", e.now().Sub(started)).
		Time("next", next).
		Msg("cycle finished")
}

func (e *Engine) rejectInvalidConfig(ctx context.Context, s domain.Schedule, err error, at time.Time, logger zerolog.Logger) {
	next := at.Add(e.cfg.InvalidConfigBackoff)
	logger.Error().Err(err).Time("next", next).Msg("invalid schedule configuration")

	if e.Health != nil {
		e.Health.Record(ctx, s.FunctionName, invoker.Result{Err: invoker.NoRetry(err)}, at)
	}
	e.notify(ctx, alert.Alert{
		Kind:       alert.KindInvalidConfig,
		ScheduleID: s.ID,
		Task:       s.FunctionName,
		Message:    "schedule configuration is invalid",
		Error:      err.Error(),
		At:         at,
	}, logger)
	if err := e.Store.SetNextExecution(ctx, s.ID, next); err != nil {
		logger.Error().Err(err).Msg("failed to push back invalid schedule")
	}
}

func (e *Engine) notify(ctx context.Context, a alert.Alert, logger zerolog.Logger) {
	if e.Metrics != nil {
		e.Metrics.Alerts.WithLabelValues(string(a.Kind)).Inc()
	}
	if e.Alerts == nil {
		return
	}
	if err := e.Alerts.Notify(ctx, a); err != nil && !errors.Is(err, alert.ErrThrottled) {
		logger.Warn().Err(err).Str("kind", string(a.Kind)).Msg("alert delivery failed")
	}
}

func (e *Engine) logTransitionError(logger zerolog.Logger, err error, step string) {
	if errors.Is(err, statemachine.ErrStaleState) {
		logger.Debug().Err(err).Str("step", step).Msg("state moved by another instance, abandoning cycle")
		return
	}
	logger.Error().Err(err).Str("step", step).Msg("state transition failed")
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
