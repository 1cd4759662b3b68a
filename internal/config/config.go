// Package config loads matchflow settings from a YAML file, MATCHFLOW_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins over file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"matchflow/internal/domain"
	"matchflow/internal/invoker"
	"matchflow/internal/invoker/httptask"
	"matchflow/internal/invoker/shelltask"
	"matchflow/internal/statemachine"
)

const EnvPrefix = "MATCHFLOW"

type Config struct {
	Log      LogConfig             `mapstructure:"log"`
	Database DatabaseConfig        `mapstructure:"database"`
	HTTP     HTTPConfig            `mapstructure:"http"`
	Engine   EngineConfig          `mapstructure:"engine"`
	Window   WindowConfig          `mapstructure:"window"`
	Reaper   ReaperConfig          `mapstructure:"reaper"`
	Alerts   AlertsConfig          `mapstructure:"alerts"`
	Tracing  TracingConfig         `mapstructure:"tracing"`
	Tasks    map[string]TaskConfig `mapstructure:"tasks"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

type EngineConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	Workers              int           `mapstructure:"workers"`
	LockMargin           time.Duration `mapstructure:"lock_margin"`
	AutoDisableAfter     int           `mapstructure:"auto_disable_after"`
	InvalidConfigBackoff time.Duration `mapstructure:"invalid_config_backoff"`
}

type WindowConfig struct {
	Lookahead      time.Duration `mapstructure:"lookahead"`
	EventDuration  time.Duration `mapstructure:"event_duration"`
	ActiveInterval time.Duration `mapstructure:"active_interval"`
	NearInterval   time.Duration `mapstructure:"near_interval"`
	BaseInterval   time.Duration `mapstructure:"base_interval"`
	AuditSchedule  string        `mapstructure:"audit_schedule"` // empty disables snapshots
}

type ReaperConfig struct {
	Schedule string                   `mapstructure:"schedule"`
	Dwell    map[string]time.Duration `mapstructure:"dwell"`
}

type AlertsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	PerMinute  int           `mapstructure:"per_minute"`
	Dedup      time.Duration `mapstructure:"dedup"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // empty disables export
	ServiceName string `mapstructure:"service_name"`
}

// TaskConfig declares how a function name is invoked.
type TaskConfig struct {
	Kind    string            `mapstructure:"kind"` // http or shell
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "matchflow.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.debug", false)

	v.SetDefault("engine.tick_interval", "30s")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.lock_margin", "30s")
	v.SetDefault("engine.auto_disable_after", 0)
	v.SetDefault("engine.invalid_config_backoff", "1h")

	v.SetDefault("window.lookahead", "2h")
	v.SetDefault("window.event_duration", "2h")
	v.SetDefault("window.active_interval", "2m")
	v.SetDefault("window.near_interval", "30m")
	v.SetDefault("window.base_interval", "24h")
	v.SetDefault("window.audit_schedule", "@every 5m")

	v.SetDefault("reaper.schedule", "@every 1m")

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.per_minute", 30)
	v.SetDefault("alerts.dedup", "15m")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "matchflow")
}

// New returns a viper instance with defaults and environment binding. When
// path is non-empty the file is read; a missing file is an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the current settings.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load(path string) (*Config, *viper.Viper, error) {
	v, err := New(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return c, v, nil
}

// Watch re-decodes the file on every change and hands the result to fn.
// Invalid edits are reported through onErr and otherwise ignored.
func Watch(v *viper.Viper, fn func(*Config), onErr func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := Decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(c)
	})
	v.WatchConfig()
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine.workers must be positive")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("config: engine.tick_interval must be positive")
	}
	for state := range c.Reaper.Dwell {
		if !knownState(state) {
			return fmt.Errorf("config: reaper.dwell has unknown state %q", state)
		}
	}
	// a cycle holds running and retry for up to a lease; the reaper must wait longer
	for _, state := range []domain.State{domain.StateRunning, domain.StateRetry} {
		if d := c.Dwell(state); d <= c.Engine.LockMargin {
			return fmt.Errorf("config: reaper.dwell.%s (%s) must exceed engine.lock_margin (%s)", state, d, c.Engine.LockMargin)
		}
	}
	for name, t := range c.Tasks {
		if _, err := t.Handler(); err != nil {
			return fmt.Errorf("config: task %s: %w", name, err)
		}
	}
	return nil
}

// DwellTimeouts converts reaper.dwell to state keys.
func (c *Config) DwellTimeouts() map[domain.State]time.Duration {
	out := make(map[domain.State]time.Duration, len(c.Reaper.Dwell))
	for k, v := range c.Reaper.Dwell {
		out[domain.State(k)] = v
	}
	return out
}

// Dwell is the reaper timeout for state, falling back to the built-in default.
func (c *Config) Dwell(state domain.State) time.Duration {
	if d, ok := c.Reaper.Dwell[string(state)]; ok && d > 0 {
		return d
	}
	return statemachine.DefaultDwell[state]
}

// Registry builds the task registry from the tasks section.
func (c *Config) Registry() (*invoker.Registry, error) {
	r := invoker.NewRegistry()
	for name, t := range c.Tasks {
		h, err := t.Handler()
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		r.Register(name, h)
	}
	return r, nil
}

func (t TaskConfig) Handler() (invoker.Handler, error) {
	switch t.Kind {
	case "http", "":
		if t.URL == "" {
			return nil, fmt.Errorf("http task needs url")
		}
		return httptask.Task{URL: t.URL, Method: t.Method, Headers: t.Headers}, nil
	case "shell":
		if t.Command == "" {
			return nil, fmt.Errorf("shell task needs command")
		}
		return shelltask.Task{Command: t.Command, Args: t.Args}, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func knownState(s string) bool {
	switch domain.State(s) {
	case domain.StateIdle, domain.StateScheduled, domain.StatePending, domain.StateRunning,
		domain.StateCompleted, domain.StateFailed, domain.StateRetry, domain.StateMaxRetries:
		return true
	}
	return false
}
