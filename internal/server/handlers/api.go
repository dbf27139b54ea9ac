package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/superdev/internal/errors"
	"github.com/3leaps/superdev/pkg/artifactdir"
	"github.com/3leaps/superdev/pkg/job"
	"github.com/3leaps/superdev/pkg/jobregistry"
	"github.com/3leaps/superdev/pkg/jobrunner"
	"github.com/3leaps/superdev/pkg/mirror"
	"github.com/3leaps/superdev/pkg/outbox"
)

// WaitParam is the query parameter that controls whether POST /recompile
// blocks. It is never treated as a binding override.
const WaitParam = "wait"

// Runner is the part of the job runner the API drives.
type Runner interface {
	Submit(j *job.Job) error
	Clean(ctx context.Context) error
	Pending() int
}

// API serves the recompile and job endpoints.
type API struct {
	runner      Runner
	registry    *jobregistry.Registry
	table       *outbox.Table
	store       *jobregistry.Store
	waitTimeout time.Duration
	logger      *zap.Logger
}

// APIConfig wires an API. Store is optional.
type APIConfig struct {
	Runner      Runner
	Registry    *jobregistry.Registry
	Table       *outbox.Table
	Store       *jobregistry.Store
	WaitTimeout time.Duration
	Logger      *zap.Logger
}

func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.Runner == nil || cfg.Registry == nil || cfg.Table == nil {
		return nil, fmt.Errorf("api requires a runner, registry and module table")
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &API{
		runner:      cfg.Runner,
		registry:    cfg.Registry,
		table:       cfg.Table,
		store:       cfg.Store,
		waitTimeout: cfg.WaitTimeout,
		logger:      cfg.Logger,
	}, nil
}

// RecompileResponse is the body of a finished POST /recompile.
type RecompileResponse struct {
	Status string    `json:"status"`
	Job    job.Event `json:"job"`
	Error  string    `json:"error,omitempty"`
}

// ModuleInfo is one entry of GET /modules.
type ModuleInfo struct {
	Name         string            `json:"name"`
	Bindings     map[string]string `json:"bindings,omitempty"`
	Stub         bool              `json:"stub"`
	PublishedDir string            `json:"published_dir,omitempty"`
	PublishedJob string            `json:"published_job,omitempty"`
}

// Recompile submits a job for the module in the path. Query parameters other
// than wait become binding overrides.
func (a *API) Recompile(w http.ResponseWriter, r *http.Request) {
	ob, ok := a.lookup(w, r, chi.URLParam(r, "module"))
	if !ok {
		return
	}

	overrides, err := overridesFromQuery(r)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err.Error()))
		return
	}

	j := ob.NewJob(overrides)
	if err := a.runner.Submit(j); err != nil {
		switch {
		case errors.Is(err, jobrunner.ErrClosed):
			respondWithError(w, r, apperrors.Wrap(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "runner is shutting down", err))
		case job.IsStateError(err):
			respondWithError(w, r, apperrors.Wrap(http.StatusConflict, apperrors.CodeConflict, "job rejected", err))
		default:
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "submit failed"))
		}
		return
	}
	a.logger.Info("Recompile requested",
		zap.String("job_id", j.ID()),
		zap.String("module", j.Module()),
		zap.Any("bindings", j.Bindings()),
	)

	if wait := r.URL.Query().Get(WaitParam); wait == "false" || wait == "0" {
		ev, _ := a.registry.Get(j.ID())
		apperrors.WriteJSON(w, http.StatusAccepted, ev)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.waitTimeout)
	defer cancel()
	res, err := j.Wait(ctx)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		respondWithError(w, r, apperrors.New(http.StatusGatewayTimeout, apperrors.CodeTimeout,
			fmt.Sprintf("job %s still running after %s", j.ID(), a.waitTimeout)).
			WithDetails(map[string]any{"job_id": j.ID()}))
		return
	}

	ev, _ := a.registry.Get(j.ID())
	if !res.OK() {
		apperrors.WriteJSON(w, http.StatusUnprocessableEntity, RecompileResponse{Status: "failed", Job: ev, Error: res.Err.Error()})
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, RecompileResponse{Status: "ok", Job: ev})
}

// Jobs lists active jobs in submission order.
func (a *API) Jobs(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.registry.ActiveEvents())
}

// Job returns the latest event of a job, falling back to the job store for
// jobs from earlier server runs.
func (a *API) Job(w http.ResponseWriter, r *http.Request) {
	ev, ok := a.findJob(chi.URLParam(r, "id"))
	if !ok {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("job %s not found", chi.URLParam(r, "id"))))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, ev)
}

// JobLog serves compile.log from the job's compile directory.
func (a *API) JobLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, ok := a.findJob(id)
	if !ok {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("job %s not found", id)))
		return
	}
	if ev.CompileDir == "" {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("job %s has no compile directory yet", id)))
		return
	}

	f, err := os.Open(artifactdir.Open(ev.CompileDir).LogFile())
	if err != nil {
		if os.IsNotExist(err) {
			respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("log for job %s not found", id)))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "open log"))
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "stat log"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "compile.log", info.ModTime(), f)
}

// Progress reports the compiling job, or idle.
func (a *API) Progress(w http.ResponseWriter, r *http.Request) {
	if ev, ok := a.registry.Compiling(); ok {
		apperrors.WriteJSON(w, http.StatusOK, ev)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"status": "idle", "pending": a.runner.Pending()})
}

// Clean clears compiler caches once the in-flight compile finishes.
func (a *API) Clean(w http.ResponseWriter, r *http.Request) {
	if err := a.runner.Clean(r.Context()); err != nil {
		if errors.Is(err, jobrunner.ErrClosed) {
			respondWithError(w, r, apperrors.Wrap(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "runner is shutting down", err))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "clean failed"))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

// Modules lists every module and what it currently serves.
func (a *API) Modules(w http.ResponseWriter, r *http.Request) {
	all := a.table.All()
	out := make([]ModuleInfo, 0, len(all))
	for _, ob := range all {
		info := ModuleInfo{
			Name:     ob.Module(),
			Bindings: ob.Spec().Bindings,
			Stub:     ob.ContainsStubCompile(),
		}
		if res, j := ob.Published(); res.Dir != nil {
			info.PublishedDir = res.Dir.Root()
			if j != nil {
				info.PublishedJob = j.ID()
			}
		}
		out = append(out, info)
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

// Output serves a file from the module's published war directory.
func (a *API) Output(w http.ResponseWriter, r *http.Request) {
	ob, ok := a.lookup(w, r, chi.URLParam(r, "module"))
	if !ok {
		return
	}
	rel := chi.URLParam(r, "*")

	path, err := ob.OutputFile(rel)
	if err != nil {
		if errors.Is(err, outbox.ErrNoOutput) {
			respondWithError(w, r, apperrors.NotFound(err.Error()))
			return
		}
		respondWithError(w, r, apperrors.BadRequest(err.Error()))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("%s not found in %s output", rel, ob.Module())))
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("%s not found in %s output", rel, ob.Module())))
		return
	}
	if cc := mirror.PutOptionsFor(rel).CacheControl; cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request, module string) (*outbox.Outbox, bool) {
	ob, err := a.table.Lookup(module)
	if err != nil {
		respondWithError(w, r, apperrors.NotFound(err.Error()).WithDetails(map[string]any{"module": module}))
		return nil, false
	}
	return ob, true
}

func (a *API) findJob(id string) (job.Event, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return job.Event{}, false
	}
	if ev, ok := a.registry.Get(id); ok {
		return ev, true
	}
	if a.store == nil {
		return job.Event{}, false
	}
	rec, err := a.store.Get(id)
	if err != nil {
		return job.Event{}, false
	}
	return rec.Event(), true
}

func overridesFromQuery(r *http.Request) (map[string]string, error) {
	query := r.URL.Query()
	if len(query) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(query))
	for key, values := range query {
		if key == WaitParam {
			continue
		}
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("empty binding name")
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("binding %q given %d times", key, len(values))
		}
		out[key] = values[0]
	}
	return out, nil
}
