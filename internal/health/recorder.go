// Package health records per-task invocation health.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"matchflow/internal/interval"
	"matchflow/internal/invoker"
	"matchflow/internal/store"
)

type Sink interface {
	UpsertMetric(ctx context.Context, a store.Attempt) error
}

type Recorder struct {
	sink    Sink
	metrics *Metrics
	logger  zerolog.Logger
}

func NewRecorder(sink Sink, metrics *Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, metrics: metrics, logger: logger.With().Str("component", "health").Logger()}
}

// Record folds one attempt into the task's health row. It never fails the
// caller: storage errors are logged and dropped.
func (r *Recorder) Record(ctx context.Context, task string, res invoker.Result, at time.Time) {
	status := "success"
	if !res.Success {
		status = errorClass(res.Err)
	}
	if r.metrics != nil {
		r.metrics.AttemptsTotal.WithLabelValues(task, status).Inc()
		r.metrics.AttemptSeconds.WithLabelValues(task).Observe(res.Duration.Seconds())
	}
	if r.sink == nil {
		return
	}

	a := store.Attempt{Endpoint: task, Success: res.Success, Duration: res.Duration, At: at}
	if !res.Success && res.Err != nil {
		a.ErrorPattern, _ = json.Marshal(map[string]string{"class": status, "error": res.Err.Error()})
	}
	if err := r.sink.UpsertMetric(ctx, a); err != nil {
		r.logger.Warn().Err(err).Str("task", task).Msg("failed to record health metric")
	}
}

func errorClass(err error) string {
	var te *invoker.TimeoutError
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, invoker.ErrUnknownTask):
		return "unknown_task"
	case errors.Is(err, interval.ErrInvalidConfig):
		return "invalid_config"
	case invoker.IsNoRetry(err):
		return "permanent"
	default:
		return "error"
	}
}
