// Package invoker runs named tasks under a deadline.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const DefaultTimeout = 30 * time.Second

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Payload is the body every scheduled task receives.
type Payload struct {
	Scheduled bool           `json:"scheduled"`
	Context   PayloadContext `json:"context"`
}

type PayloadContext struct {
	ScheduleID string `json:"schedule_id"`
	InstanceID string `json:"instance_id"`
	Attempt    int    `json:"attempt"`
}

func NewPayload(scheduleID, instanceID string, attempt int) json.RawMessage {
	b, _ := json.Marshal(Payload{
		Scheduled: true,
		Context:   PayloadContext{ScheduleID: scheduleID, InstanceID: instanceID, Attempt: attempt},
	})
	return b
}

type Result struct {
	Success  bool
	Duration time.Duration
	Err      error
}

// Retryable reports whether a failed result may be retried.
func (r Result) Retryable() bool {
	return !r.Success && r.Err != nil && !IsNoRetry(r.Err)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), now: time.Now}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Invoke runs task with the given payload. The task's context is cancelled at
// the deadline and Invoke returns a *TimeoutError without waiting further.
func (r *Registry) Invoke(ctx context.Context, task string, payload json.RawMessage, timeout time.Duration) Result {
	r.mu.RLock()
	h, ok := r.handlers[task]
	r.mu.RUnlock()
	if !ok {
		return Result{Err: NoRetry(fmt.Errorf("%w: %s", ErrUnknownTask, task))}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := r.now()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("task %s panicked: %v", task, rec)
			}
		}()
		done <- h.Handle(tctx, payload)
	}()

	var err error
	select {
	case err = <-done:
	case <-tctx.Done():
		err = tctx.Err()
	}
	elapsed := r.now().Sub(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &TimeoutError{Task: task, Timeout: timeout}
	}
	return Result{Success: err == nil, Duration: elapsed, Err: err}
}
