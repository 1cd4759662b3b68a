package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"matchflow/internal/alert"
	"matchflow/internal/api"
	"matchflow/internal/config"
	"matchflow/internal/domain"
	"matchflow/internal/engine"
	"matchflow/internal/health"
	"matchflow/internal/interval"
	"matchflow/internal/lock"
	"matchflow/internal/reaper"
	"matchflow/internal/retry"
	"matchflow/internal/statemachine"
	"matchflow/internal/store"
	"matchflow/internal/window"
)

// app holds one process worth of wired components.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	registry *prometheus.Registry
	metrics  *health.Metrics
	detector *window.StoreDetector
	calc     *interval.Calculator
	machine  *statemachine.Machine
	engine   *engine.Engine
	reaper   *reaper.Reaper
	auditor  *window.Auditor
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}

	tasks, err := cfg.Registry()
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := health.NewMetrics(reg)

	detector := window.NewStoreDetector(st, window.Options{
		Lookahead:     cfg.Window.Lookahead,
		EventDuration: cfg.Window.EventDuration,
	})
	calc := interval.NewCalculator(detector, interval.Defaults{
		ActiveWindow: cfg.Window.ActiveInterval,
		NearWindow:   cfg.Window.NearInterval,
		Base:         cfg.Window.BaseInterval,
	})
	machine := statemachine.New(st)

	notifiers := alert.Multi{alert.NewLog(logger)}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, &alert.Webhook{URL: cfg.Alerts.WebhookURL})
	}

	alerts := alert.NewThrottled(notifiers, cfg.Alerts.PerMinute, cfg.Alerts.Dedup)

	eng := engine.New(engine.Config{
		TickInterval:         cfg.Engine.TickInterval,
		Workers:              cfg.Engine.Workers,
		LockMargin:           cfg.Engine.LockMargin,
		AutoDisableAfter:     cfg.Engine.AutoDisableAfter,
		InvalidConfigBackoff: cfg.Engine.InvalidConfigBackoff,
		MaxBackoff:           engine.DwellLimit(cfg.Dwell(domain.StateRetry), cfg.Engine.LockMargin),
		MaxAttemptTimeout:    engine.DwellLimit(cfg.Dwell(domain.StateRunning), cfg.Engine.LockMargin),
	}, engine.Deps{
		Store:     st,
		Machine:   machine,
		Locks:     lock.NewManager(st),
		Invoker:   tasks,
		Retry:     retry.New(),
		Intervals: calc,
		Health:    health.NewRecorder(st, metrics, logger),
		Alerts:    alerts,
		Metrics:   metrics,
		Logger:    logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		metrics:  metrics,
		detector: detector,
		calc:     calc,
		machine:  machine,
		engine:   eng,
		reaper:   reaper.New(st, machine, cfg.DwellTimeouts(), metrics, logger).WithAlerts(alerts),
		auditor:  window.NewAuditor(detector, st, logger),
	}, nil
}

func (a *app) handler() http.Handler {
	return api.NewServer(api.Options{
		Store:     a.store,
		Lifecycle: a.machine,
		Validator: a.calc,
		Detector:  a.detector,
		Gatherer:  a.registry,
		Ping:      a.store.DB().PingContext,
		Logger:    a.logger,
		Debug:     a.cfg.HTTP.Debug,
	})
}

func (a *app) Close() error {
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// startBackground launches the reaper and the window audit jobs; both stop with ctx.
func (a *app) startBackground(ctx context.Context) error {
	if _, err := a.reaper.Start(ctx, a.cfg.Reaper.Schedule); err != nil {
		return err
	}
	if a.cfg.Window.AuditSchedule == "" {
		return nil
	}
	return a.auditor.Start(ctx, a.cfg.Window.AuditSchedule)
}
