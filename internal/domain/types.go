package domain

import (
	"encoding/json"
	"time"
)

type ScheduleKind string

const (
	KindFixedInterval   ScheduleKind = "fixed_interval"
	KindDaily           ScheduleKind = "daily"
	KindWindowDependent ScheduleKind = "window_dependent"
)

// TimeConfig is stored as JSON in schedules.time_config. Interval fields are minutes.
type TimeConfig struct {
	Type                     string `json:"type,omitempty"`
	IntervalMinutes          int    `json:"intervalMinutes,omitempty"`
	MatchDayIntervalMinutes  int    `json:"matchDayIntervalMinutes,omitempty"`
	NearMatchIntervalMinutes int    `json:"nearMatchIntervalMinutes,omitempty"`
	NonMatchIntervalMinutes  int    `json:"nonMatchIntervalMinutes,omitempty"`
	Hour                     *int   `json:"hour,omitempty"`
	Minute                   int    `json:"minute,omitempty"`
	Timezone                 string `json:"timezone,omitempty"`
}

type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// ExecutionConfig is stored as JSON in schedules.execution_config.
type ExecutionConfig struct {
	RetryCount          int             `json:"retry_count"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	RetryDelaySeconds   int             `json:"retry_delay_seconds"`
	RetryBackoff        BackoffStrategy `json:"retry_backoff"`
	MaxRetryDelay       int             `json:"max_retry_delay"` // seconds
	ConcurrentExecution bool            `json:"concurrent_execution"`
}

const (
	DefaultTimeoutSeconds    = 30
	DefaultRetryDelaySeconds = 5
	DefaultMaxRetryDelay     = 300
)

func (c ExecutionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ExecutionConfig) RetryDelay() time.Duration {
	if c.RetryDelaySeconds <= 0 {
		return DefaultRetryDelaySeconds * time.Second
	}
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c ExecutionConfig) MaxDelay() time.Duration {
	if c.MaxRetryDelay <= 0 {
		return DefaultMaxRetryDelay * time.Second
	}
	return time.Duration(c.MaxRetryDelay) * time.Second
}

func (c ExecutionConfig) Retries() int {
	if c.RetryCount < 0 {
		return 0
	}
	return c.RetryCount
}

type Schedule struct {
	ID                  string          `json:"id"`
	FunctionName        string          `json:"function_name"`
	Enabled             bool            `json:"enabled"`
	Kind                ScheduleKind    `json:"schedule_type"`
	TimeConfig          TimeConfig      `json:"time_config"`
	ExecutionConfig     ExecutionConfig `json:"execution_config"`
	Priority            int             `json:"priority"`
	LastExecutionAt     *time.Time      `json:"last_execution_at,omitempty"`
	NextExecutionAt     *time.Time      `json:"next_execution_at,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`

	// DecodeErr is set when the stored time or execution config could not be
	// decoded; the affected config is left zero.
	DecodeErr error `json:"-"`
}

type State string

const (
	StateIdle       State = "idle"
	StateScheduled  State = "scheduled"
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetry      State = "retry"
	StateMaxRetries State = "max_retries"
)

// StateEntry is one row of the append-only schedule_states log.
type StateEntry struct {
	ScheduleID     string         `json:"schedule_id"`
	Seq            int64          `json:"seq"`
	State          State          `json:"state"`
	TransitionTime time.Time      `json:"transition_time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

type ExecutionLog struct {
	ID          string          `json:"id"`
	ScheduleID  string          `json:"schedule_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	DurationMs  int64           `json:"execution_duration_ms"`
	Error       string          `json:"error_details,omitempty"`
	Context     json.RawMessage `json:"execution_context,omitempty"`
}

type Lock struct {
	ScheduleID string    `json:"schedule_id"`
	HolderID   string    `json:"holder_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Event is a tracked sporting event; EndsAt is optional.
type Event struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Status   string     `json:"status,omitempty"`
}

type WindowKind string

const (
	WindowActive WindowKind = "active"
	WindowNear   WindowKind = "near"
	WindowIdle   WindowKind = "idle"
)

type WindowState struct {
	Kind        WindowKind `json:"kind"`
	Active      bool       `json:"active"`
	Start       *time.Time `json:"window_start,omitempty"`
	End         *time.Time `json:"window_end,omitempty"`
	ActiveCount int        `json:"active_count"`
	NextStart   *time.Time `json:"next_start,omitempty"`
	CheckedAt   time.Time  `json:"checked_at"`
}

type MetricSample struct {
	Endpoint        string          `json:"endpoint"`
	SuccessCount    int64           `json:"success_count"`
	ErrorCount      int64           `json:"error_count"`
	AvgResponseTime float64         `json:"avg_response_time"` // ms
	LastSuccessTime *time.Time      `json:"last_success_time,omitempty"`
	LastErrorTime   *time.Time      `json:"last_error_time,omitempty"`
	ErrorPattern    json.RawMessage `json:"error_pattern,omitempty"`
}
