package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestInvoke_Success(t *testing.T) {
	r := NewRegistry()
	var got Payload
	r.Register("sync-fixtures", HandlerFunc(func(_ context.Context, p json.RawMessage) error {
		return json.Unmarshal(p, &got)
	}))

	res := r.Invoke(context.Background(), "sync-fixtures", NewPayload("sch_1", "inst_a", 2), time.Second)
	if !res.Success || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if !got.Scheduled || got.Context.ScheduleID != "sch_1" || got.Context.InstanceID != "inst_a" || got.Context.Attempt != 2 {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	defer close(release)
	r.Register("stuck", HandlerFunc(func(context.Context, json.RawMessage) error {
		<-release
		return nil
	}))

	start := time.Now()
	res := r.Invoke(context.Background(), "stuck", nil, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Invoke waited %v for a non-cooperative task", elapsed)
	}
	var te *TimeoutError
	if !errors.As(res.Err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", res.Err)
	}
	if te.Task != "stuck" || te.Timeout != 50*time.Millisecond {
		t.Errorf("unexpected timeout error %+v", te)
	}
	if res.Success || !res.Retryable() {
		t.Error("timeouts must be retryable failures")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Error("TimeoutError should unwrap to context.DeadlineExceeded")
	}
}

func TestInvoke_CooperativeCancel(t *testing.T) {
	r := NewRegistry()
	cancelled := make(chan struct{})
	r.Register("poll", HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	res := r.Invoke(context.Background(), "poll", nil, 20*time.Millisecond)
	var te *TimeoutError
	if !errors.As(res.Err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", res.Err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestInvoke_Panic(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("nil fixture")
	}))

	res := r.Invoke(context.Background(), "boom", nil, time.Second)
	if res.Success || res.Err == nil {
		t.Fatal("panic must be reported as a failure")
	}
}

func TestInvoke_UnknownTask(t *testing.T) {
	r := NewRegistry()
	res := r.Invoke(context.Background(), "missing", nil, time.Second)
	if !errors.Is(res.Err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", res.Err)
	}
	if res.Retryable() {
		t.Error("unknown task must not be retryable")
	}
}

func TestInvoke_NoRetryPropagates(t *testing.T) {
	r := NewRegistry()
	r.Register("bad-input", HandlerFunc(func(context.Context, json.RawMessage) error {
		return NoRetry(errors.New("league id missing"))
	}))
	res := r.Invoke(context.Background(), "bad-input", nil, time.Second)
	if res.Retryable() {
		t.Error("NoRetry error reported as retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := RetryAfter(errors.New("slow down"), 3*time.Second)
	d, ok := RetryAfterHint(err)
	if !ok || d != 3*time.Second {
		t.Errorf("got %v/%v, want 3s/true", d, ok)
	}
	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Error("plain error should carry no hint")
	}
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, json.RawMessage) error { return nil })
	r.Register("b", noop)
	r.Register("a", noop)
	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
	if !r.Has("a") || r.Has("c") {
		t.Error("Has mismatch")
	}
}
