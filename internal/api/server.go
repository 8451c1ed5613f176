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

	"dbtimetravel/internal/domain"
	"dbtimetravel/internal/handlers/email"
	"dbtimetravel/internal/queue"
	"dbtimetravel/internal/timetravel"
)

// Tasks is the read side of the task store.
type Tasks interface {
	List(ctx context.Context, limit int) ([]domain.TaskRecord, error)
	Get(ctx context.Context, key domain.TaskKey) (domain.TaskRecord, error)
}

type Clock interface {
	Now() time.Time
}

// TimeTraveler is implemented by *timetravel.Harness.
type TimeTraveler interface {
	Advance(ctx context.Context, delta time.Duration) error
	Now() time.Time
}

type Deps struct {
	Tasks  Tasks
	Emails *email.Scheduler
	// Clock is the engine's clock; email delays are measured from it.
	Clock Clock
	// Harness mounts the admin time-travel route when set.
	Harness  TimeTraveler
	Gatherer prometheus.Gatherer
	Debug    bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	metrics := promhttp.Handler()
	if deps.Gatherer != nil {
		metrics = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics)
	r.Post("/api/tasks/schedule-email", s.scheduleEmail)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{name}/{instance}", s.getTask)
	if deps.Harness != nil {
		r.Post("/api/admin/time-travel", s.timeTravel)
	}

	if deps.Debug {
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
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type taskView struct {
	TaskName            string     `json:"task_name"`
	TaskInstance        string     `json:"task_instance"`
	ExecutionTime       time.Time  `json:"execution_time"`
	Picked              bool       `json:"picked"`
	PickedBy            string     `json:"picked_by,omitempty"`
	Recurring           bool       `json:"recurring"`
	Version             int64      `json:"version"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

func viewOf(t domain.TaskRecord) taskView {
	return taskView{
		TaskName:            t.Key.Name,
		TaskInstance:        t.Key.Instance,
		ExecutionTime:       t.ExecutionTime,
		Picked:              t.Picked,
		PickedBy:            t.PickedBy,
		Recurring:           t.Recurring,
		Version:             t.Version,
		ConsecutiveFailures: t.ConsecutiveFailures,
		LastSuccess:         t.LastSuccess,
		LastFailure:         t.LastFailure,
	}
}

type scheduleResp struct {
	TaskName      string    `json:"task_name"`
	TaskInstance  string    `json:"task_instance"`
	ExecutionTime time.Time `json:"execution_time"`
}

func (s *Server) scheduleEmail(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("email")
	if address == "" {
		http.Error(w, "email is required", 400)
		return
	}
	delay := 10
	if raw := r.URL.Query().Get("delaySeconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "delaySeconds must be a non-negative integer", 400)
			return
		}
		delay = n
	}

	at := s.deps.Clock.Now().Add(time.Duration(delay) * time.Second)
	key, err := s.deps.Emails.ScheduleEmail(r.Context(), address, at)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResp{TaskName: key.Name, TaskInstance: key.Instance, ExecutionTime: at})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.deps.Tasks.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	key := domain.TaskKey{Name: chi.URLParam(r, "name"), Instance: chi.URLParam(r, "instance")}
	t, err := s.deps.Tasks.Get(r.Context(), key)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, viewOf(t))
}

type timeTravelReq struct {
	By string `json:"by"`
}

type timeTravelResp struct {
	Now        time.Time        `json:"now"`
	Error      string           `json:"error,omitempty"`
	Unresolved []domain.TaskKey `json:"unresolved,omitempty"`
}

func (s *Server) timeTravel(w http.ResponseWriter, r *http.Request) {
	var req timeTravelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	by, err := time.ParseDuration(req.By)
	if err != nil {
		http.Error(w, "invalid duration: "+err.Error(), 400)
		return
	}

	// A client hanging up must not push the shared harness into its terminal
	// state; the harness timeout still bounds the call.
	err = s.deps.Harness.Advance(context.WithoutCancel(r.Context()), by)
	var te *timetravel.TimeoutError
	switch {
	case err == nil:
		writeJSON(w, 200, timeTravelResp{Now: s.deps.Harness.Now()})
	case errors.As(err, &te):
		writeJSON(w, http.StatusGatewayTimeout, timeTravelResp{Now: s.deps.Harness.Now(), Error: err.Error(), Unresolved: te.Unresolved})
	default:
		writeJSON(w, 500, timeTravelResp{Now: s.deps.Harness.Now(), Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
