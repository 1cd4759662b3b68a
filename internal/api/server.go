package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"matchflow/internal/domain"
	"matchflow/internal/statemachine"
	"matchflow/internal/store"
	"matchflow/internal/window"
)

type Store interface {
	CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sc domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	SetNextExecution(ctx context.Context, id string, next time.Time) error
	LatestState(ctx context.Context, scheduleID string) (domain.StateEntry, bool, error)
	ListStates(ctx context.Context, scheduleID string, limit int) ([]domain.StateEntry, error)
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]domain.ExecutionLog, error)
	ListMetrics(ctx context.Context) ([]domain.MetricSample, error)
	UpsertEvent(ctx context.Context, e domain.Event) (string, error)
}

// Lifecycle is the part of the state machine a manual trigger drives.
type Lifecycle interface {
	Settle(ctx context.Context, scheduleID string, meta map[string]any) (domain.StateEntry, error)
	Transition(ctx context.Context, from domain.StateEntry, to domain.State, meta map[string]any) (domain.StateEntry, error)
}

// Validator rejects schedules whose time config does not fit their kind.
type Validator interface {
	Validate(s domain.Schedule) error
}

type Options struct {
	Store     Store
	Lifecycle Lifecycle
	Validator Validator
	Detector  window.Detector
	Gatherer  prometheus.Gatherer
	Ping      func(ctx context.Context) error
	Logger    zerolog.Logger
	Debug     bool
}

type Server struct {
	r    *chi.Mux
	opts Options
}

func NewServer(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(hlog.NewHandler(opts.Logger.With().Str("component", "api").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{r: r, opts: opts}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Get("/schedules/{id}/states", s.listStates)
		r.Get("/schedules/{id}/executions", s.listExecutions)
		r.Post("/schedules/{id}/trigger", s.triggerSchedule)
		r.Get("/health-metrics", s.healthMetrics)
		r.Get("/window", s.window)
		r.Post("/events", s.createEvent)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleReq struct {
	FunctionName    *string                 `json:"function_name"`
	Kind            *domain.ScheduleKind    `json:"schedule_type"`
	TimeConfig      *domain.TimeConfig      `json:"time_config"`
	ExecutionConfig *domain.ExecutionConfig `json:"execution_config"`
	Priority        *int                    `json:"priority"`
	Enabled         *bool                   `json:"enabled"`
}

// apply copies the fields present in the request onto sc.
func (req scheduleReq) apply(sc *domain.Schedule) {
	if req.FunctionName != nil {
		sc.FunctionName = *req.FunctionName
	}
	if req.Kind != nil {
		sc.Kind = *req.Kind
	}
	if req.TimeConfig != nil {
		sc.TimeConfig = *req.TimeConfig
	}
	if req.ExecutionConfig != nil {
		sc.ExecutionConfig = *req.ExecutionConfig
	}
	if req.TimeConfig != nil || req.ExecutionConfig != nil {
		sc.DecodeErr = nil
	}
	if req.Priority != nil {
		sc.Priority = *req.Priority
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
}

type createResp struct {
	ID string `json:"id"`
}

type scheduleView struct {
	domain.Schedule
	State          domain.State `json:"state"`
	StateChangedAt *time.Time   `json:"state_changed_at,omitempty"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc := domain.Schedule{Enabled: true}
	req.apply(&sc)
	if sc.FunctionName == "" {
		http.Error(w, "function_name is required", http.StatusBadRequest)
		return
	}
	if !s.validate(w, sc) {
		return
	}

	id, err := s.opts.Store.CreateSchedule(r.Context(), sc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.opts.Store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	view := scheduleView{Schedule: sc, State: domain.StateIdle}
	cur, found, err := s.opts.Store.LatestState(r.Context(), sc.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if found {
		view.State = cur.State
		view.StateChangedAt = &cur.TransitionTime
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.apply(&sc)
	if sc.FunctionName == "" {
		http.Error(w, "function_name is required", http.StatusBadRequest)
		return
	}
	if !s.validate(w, sc) {
		return
	}
	if err := s.opts.Store.UpdateSchedule(r.Context(), sc); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStates(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	states, err := s.opts.Store.ListStates(r.Context(), sc.ID, limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []domain.StateEntry{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	logs, err := s.opts.Store.ListExecutions(r.Context(), sc.ID, limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []domain.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type triggerResp struct {
	ID    string       `json:"id"`
	State domain.State `json:"state,omitempty"`
}

// triggerSchedule makes the schedule due on the next tick. An idle schedule
// is also marked scheduled; one that is mid-cycle keeps its state.
func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Store.SetNextExecution(r.Context(), id, time.Now()); err != nil {
		writeStoreError(w, err)
		return
	}
	resp := triggerResp{ID: id}
	if s.opts.Lifecycle != nil {
		meta := map[string]any{"reason": "manual_trigger"}
		cur, err := s.opts.Lifecycle.Settle(r.Context(), id, meta)
		if err == nil && cur.State == domain.StateIdle {
			cur, err = s.opts.Lifecycle.Transition(r.Context(), cur, domain.StateScheduled, meta)
		}
		switch {
		case errors.Is(err, statemachine.ErrStaleState):
			// an engine moved the schedule first; it is due either way
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		default:
			resp.State = cur.State
		}
	}
	hlog.FromRequest(r).Info().Str("schedule_id", id).Str("state", string(resp.State)).Msg("manual trigger requested")
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) healthMetrics(w http.ResponseWriter, r *http.Request) {
	rows, err := s.opts.Store.ListMetrics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []domain.MetricSample{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) window(w http.ResponseWriter, r *http.Request) {
	if s.opts.Detector == nil {
		http.Error(w, "no window detector configured", http.StatusNotImplemented)
		return
	}
	state, err := s.opts.Detector.Detect(r.Context(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var e domain.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if e.Name == "" || e.StartsAt.IsZero() {
		http.Error(w, "name and starts_at are required", http.StatusBadRequest)
		return
	}
	if e.EndsAt != nil && !e.EndsAt.After(e.StartsAt) {
		http.Error(w, "ends_at must be after starts_at", http.StatusBadRequest)
		return
	}
	id, err := s.opts.Store.UpsertEvent(r.Context(), e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) loadSchedule(w http.ResponseWriter, r *http.Request) (domain.Schedule, bool) {
	sc, err := s.opts.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return domain.Schedule{}, false
	}
	return sc, true
}

func (s *Server) validate(w http.ResponseWriter, sc domain.Schedule) bool {
	if s.opts.Validator == nil {
		return true
	}
	if err := s.opts.Validator.Validate(sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
