// Package interval computes when a schedule is next due.
package interval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"matchflow/internal/domain"
	"matchflow/internal/window"
)

var ErrInvalidConfig = errors.New("interval: invalid schedule configuration")

type Defaults struct {
	ActiveWindow time.Duration
	NearWindow   time.Duration
	Base         time.Duration
}

func DefaultDefaults() Defaults {
	return Defaults{
		ActiveWindow: 2 * time.Minute,
		NearWindow:   30 * time.Minute,
		Base:         1440 * time.Minute,
	}
}

type Calculator struct {
	detector window.Detector
	defaults Defaults

	mu    sync.RWMutex
	specs map[string]cron.Schedule
}

func NewCalculator(detector window.Detector, defaults Defaults) *Calculator {
	d := DefaultDefaults()
	if defaults.ActiveWindow > 0 {
		d.ActiveWindow = defaults.ActiveWindow
	}
	if defaults.NearWindow > 0 {
		d.NearWindow = defaults.NearWindow
	}
	if defaults.Base > 0 {
		d.Base = defaults.Base
	}
	return &Calculator{detector: detector, defaults: d, specs: make(map[string]cron.Schedule)}
}

// Validate checks that the schedule carries the time config its kind needs.
func (c *Calculator) Validate(s domain.Schedule) error {
	if s.DecodeErr != nil {
		return fmt.Errorf("%w: schedule %s: %v", ErrInvalidConfig, s.ID, s.DecodeErr)
	}
	switch s.Kind {
	case domain.KindFixedInterval:
		if s.TimeConfig.IntervalMinutes <= 0 {
			return fmt.Errorf("%w: fixed_interval schedule %s needs intervalMinutes", ErrInvalidConfig, s.ID)
		}
	case domain.KindDaily:
		if _, err := c.dailySpec(s.TimeConfig); err != nil {
			return fmt.Errorf("%w: daily schedule %s: %v", ErrInvalidConfig, s.ID, err)
		}
	case domain.KindWindowDependent:
		tc := s.TimeConfig
		if tc.MatchDayIntervalMinutes < 0 || tc.NearMatchIntervalMinutes < 0 || tc.NonMatchIntervalMinutes < 0 || tc.IntervalMinutes < 0 {
			return fmt.Errorf("%w: window_dependent schedule %s has negative interval", ErrInvalidConfig, s.ID)
		}
	default:
		return fmt.Errorf("%w: schedule %s has unknown kind %q", ErrInvalidConfig, s.ID, s.Kind)
	}
	return nil
}

// Next returns now plus the interval the schedule calls for under the live window.
// Daily schedules return the next wall-clock occurrence instead.
func (c *Calculator) Next(ctx context.Context, s domain.Schedule, now time.Time) (time.Time, error) {
	if err := c.Validate(s); err != nil {
		return time.Time{}, err
	}
	switch s.Kind {
	case domain.KindDaily:
		spec, _ := c.dailySpec(s.TimeConfig)
		return spec.Next(now).UTC(), nil
	case domain.KindFixedInterval:
		return now.Add(minutes(s.TimeConfig.IntervalMinutes)).UTC(), nil
	}

	w, err := c.detector.Detect(ctx, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("detect window: %w", err)
	}
	return now.Add(c.WindowInterval(s.TimeConfig, w.Kind)).UTC(), nil
}

// WindowInterval picks the window-dependent interval for kind.
func (c *Calculator) WindowInterval(tc domain.TimeConfig, kind domain.WindowKind) time.Duration {
	switch kind {
	case domain.WindowActive:
		if tc.MatchDayIntervalMinutes > 0 {
			return minutes(tc.MatchDayIntervalMinutes)
		}
		return c.defaults.ActiveWindow
	case domain.WindowNear:
		if tc.NearMatchIntervalMinutes > 0 {
			return minutes(tc.NearMatchIntervalMinutes)
		}
		return c.defaults.NearWindow
	default:
		if tc.NonMatchIntervalMinutes > 0 {
			return minutes(tc.NonMatchIntervalMinutes)
		}
		if tc.IntervalMinutes > 0 {
			return minutes(tc.IntervalMinutes)
		}
		return c.defaults.Base
	}
}

func (c *Calculator) dailySpec(tc domain.TimeConfig) (cron.Schedule, error) {
	if tc.Hour == nil {
		return nil, errors.New("hour is required")
	}
	if *tc.Hour < 0 || *tc.Hour > 23 || tc.Minute < 0 || tc.Minute > 59 {
		return nil, fmt.Errorf("time %d:%02d out of range", *tc.Hour, tc.Minute)
	}
	tz := tc.Timezone
	if tz == "" {
		tz = "UTC"
	}
	expr := fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, tc.Minute, *tc.Hour)

	c.mu.RLock()
	spec, ok := c.specs[expr]
	c.mu.RUnlock()
	if ok {
		return spec, nil
	}

	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.specs[expr] = spec
	c.mu.Unlock()
	return spec, nil
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
