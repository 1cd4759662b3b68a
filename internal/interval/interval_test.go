package interval

import (
	"context"
	"errors"
	"testing"
	"time"

	"matchflow/internal/domain"
	"matchflow/internal/window"
)

var now = time.Date(2026, 9, 12, 13, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type failingDetector struct{}

func (failingDetector) Detect(context.Context, time.Time) (domain.WindowState, error) {
	return domain.WindowState{}, errors.New("feed down")
}

func TestNext_WindowDependentDefaults(t *testing.T) {
	s := domain.Schedule{ID: "sch_live", Kind: domain.KindWindowDependent}
	in30 := now.Add(30 * time.Minute)

	tests := []struct {
		name  string
		state domain.WindowState
		want  time.Duration
	}{
		{"active", domain.WindowState{Active: true}, 2 * time.Minute},
		{"next match within 30m", domain.WindowState{Active: false, NextStart: &in30}, 30 * time.Minute},
		{"no match ahead", domain.WindowState{Active: false, NextStart: nil}, 1440 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.state
			w.Kind = window.Classify(w, now, time.Hour)
			c := NewCalculator(window.Static(w), Defaults{})
			next, err := c.Next(context.Background(), s, now)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if got := next.Sub(now); got != tt.want {
				t.Errorf("interval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNext_WindowDependentOverrides(t *testing.T) {
	s := domain.Schedule{ID: "sch_live", Kind: domain.KindWindowDependent, TimeConfig: domain.TimeConfig{
		MatchDayIntervalMinutes:  1,
		NearMatchIntervalMinutes: 10,
		NonMatchIntervalMinutes:  360,
	}}
	c := NewCalculator(nil, Defaults{})
	if got := c.WindowInterval(s.TimeConfig, domain.WindowActive); got != time.Minute {
		t.Errorf("active = %v", got)
	}
	if got := c.WindowInterval(s.TimeConfig, domain.WindowNear); got != 10*time.Minute {
		t.Errorf("near = %v", got)
	}
	if got := c.WindowInterval(s.TimeConfig, domain.WindowIdle); got != 6*time.Hour {
		t.Errorf("idle = %v", got)
	}
}

func TestNext_FixedIgnoresWindow(t *testing.T) {
	s := domain.Schedule{ID: "sch_fixed", Kind: domain.KindFixedInterval, TimeConfig: domain.TimeConfig{IntervalMinutes: 15}}
	c := NewCalculator(failingDetector{}, Defaults{})
	next, err := c.Next(context.Background(), s, now)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got := next.Sub(now); got != 15*time.Minute {
		t.Errorf("interval = %v, want 15m", got)
	}
}

func TestNext_Daily(t *testing.T) {
	c := NewCalculator(nil, Defaults{})

	later := domain.Schedule{ID: "d1", Kind: domain.KindDaily, TimeConfig: domain.TimeConfig{Hour: ptr(18), Minute: 30}}
	next, err := c.Next(context.Background(), later, now)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if want := time.Date(2026, 9, 12, 18, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("later today: got %v, want %v", next, want)
	}

	passed := domain.Schedule{ID: "d2", Kind: domain.KindDaily, TimeConfig: domain.TimeConfig{Hour: ptr(6)}}
	next, err = c.Next(context.Background(), passed, now)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if want := time.Date(2026, 9, 13, 6, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("already passed: got %v, want %v", next, want)
	}
}

func TestNext_DailyTimezone(t *testing.T) {
	c := NewCalculator(nil, Defaults{})
	s := domain.Schedule{ID: "d3", Kind: domain.KindDaily, TimeConfig: domain.TimeConfig{Hour: ptr(9), Timezone: "Europe/London"}}

	next, err := c.Next(context.Background(), s, now)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	local := next.In(loc)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Errorf("got %v local, want 09:00", local)
	}
	if !next.After(now) {
		t.Errorf("next %v not after now %v", next, now)
	}
}

func TestValidate_InvalidConfig(t *testing.T) {
	c := NewCalculator(nil, Defaults{})
	bad := []domain.Schedule{
		{ID: "a", Kind: domain.KindFixedInterval},
		{ID: "b", Kind: domain.KindDaily},
		{ID: "c", Kind: domain.KindDaily, TimeConfig: domain.TimeConfig{Hour: ptr(25)}},
		{ID: "d", Kind: domain.KindDaily, TimeConfig: domain.TimeConfig{Hour: ptr(8), Timezone: "Mars/Olympus"}},
		{ID: "e", Kind: "hourly"},
		{ID: "f", Kind: domain.KindFixedInterval, TimeConfig: domain.TimeConfig{IntervalMinutes: 5}, DecodeErr: errors.New("time_config: bad json")},
	}
	for _, s := range bad {
		if err := c.Validate(s); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("schedule %s: expected ErrInvalidConfig, got %v", s.ID, err)
		}
	}
}

func TestNext_DetectorError(t *testing.T) {
	c := NewCalculator(failingDetector{}, Defaults{})
	_, err := c.Next(context.Background(), domain.Schedule{ID: "w", Kind: domain.KindWindowDependent}, now)
	if err == nil {
		t.Fatal("expected detector error to propagate")
	}
	if errors.Is(err, ErrInvalidConfig) {
		t.Error("detector failure must not be reported as invalid config")
	}
}
