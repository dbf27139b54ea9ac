// Package outbox owns the currently servable build output of each module.
//
// An Outbox starts in the stub state, serving a placeholder script that asks
// the server for a real compile. Every successful compile replaces the
// published output and marks the job that produced the previous output as
// gone. A failed compile never changes what is published.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/superdev/pkg/artifactdir"
	"github.com/3leaps/superdev/pkg/compiler"
	"github.com/3leaps/superdev/pkg/job"
)

// ErrNoOutput is returned when a module has nothing published yet.
var ErrNoOutput = errors.New("no output published")

// Spec is the static configuration of one module.
type Spec struct {
	Module     string
	Sources    compiler.SourceSet
	Bindings   map[string]string
	Precompile bool
}

// PublishHook runs on the worker after a successful compile was published.
// Failures are logged; they never change the job's result.
type PublishHook func(ctx context.Context, j *job.Job, dir *artifactdir.CompileDir) error

type namedHook struct {
	name string
	fn   PublishHook
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the outbox logger; job loggers derive from it.
func WithLogger(l *zap.Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublishHook adds a hook run after each successful publish.
func WithPublishHook(name string, fn PublishHook) Option {
	return func(o *Outbox) {
		if fn != nil {
			o.hooks = append(o.hooks, namedHook{name: name, fn: fn})
		}
	}
}

// Outbox is the publication point of one module.
type Outbox struct {
	spec   Spec
	dir    *artifactdir.OutboxDir
	logger *zap.Logger
	hooks  []namedHook

	mu           sync.Mutex
	published    job.Result
	publishedJob *job.Job
	fingerprint  compiler.Fingerprint
	forceFull    bool
}

// New creates an outbox in the stub state. Call Initialize before serving.
func New(spec Spec, dir *artifactdir.OutboxDir, opts ...Option) (*Outbox, error) {
	spec.Module = strings.TrimSpace(spec.Module)
	if spec.Module == "" {
		return nil, fmt.Errorf("module name is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("outbox dir is required for %s", spec.Module)
	}
	spec.Bindings = maps.Clone(spec.Bindings)

	o := &Outbox{spec: spec, dir: dir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("module", spec.Module))
	return o, nil
}

// Module returns the module name.
func (o *Outbox) Module() string { return o.spec.Module }

// Spec returns a copy of the module configuration.
func (o *Outbox) Spec() Spec {
	s := o.spec
	s.Bindings = maps.Clone(o.spec.Bindings)
	return s
}

// NewJob creates a job for this module. overrides win over the module's
// default bindings.
func (o *Outbox) NewJob(overrides map[string]string) *job.Job {
	bindings := maps.Clone(o.spec.Bindings)
	if bindings == nil {
		bindings = map[string]string{}
	}
	maps.Copy(bindings, overrides)
	return job.New(o.spec.Module, bindings, o.logger)
}

// ContainsStubCompile reports whether no real compile was published yet.
// Once a real compile is published this never becomes true again.
func (o *Outbox) ContainsStubCompile() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.publishedJob == nil
}

// Published returns the published result and the job that produced it
// (nil while in the stub state).
func (o *Outbox) Published() (job.Result, *job.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.published, o.publishedJob
}

// PublishedDir returns the published compile directory, or ErrNoOutput.
func (o *Outbox) PublishedDir() (*artifactdir.CompileDir, error) {
	r, _ := o.Published()
	if r.Dir == nil {
		return nil, fmt.Errorf("%s: %w", o.spec.Module, ErrNoOutput)
	}
	return r.Dir, nil
}

// OutputFile resolves rel inside the published servable directory. It
// rejects paths escaping that directory but does not check existence.
func (o *Outbox) OutputFile(rel string) (string, error) {
	dir, err := o.PublishedDir()
	if err != nil {
		return "", err
	}
	clean := strings.TrimPrefix(filepath.Clean("/"+strings.TrimSpace(rel)), "/")
	if clean == "" {
		return "", fmt.Errorf("output path is required")
	}
	return filepath.Join(dir.WarDir(), filepath.FromSlash(clean)), nil
}

// ForceNextRecompile drops change-detection state so the next compile
// treats every input as new.
func (o *Outbox) ForceNextRecompile() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fingerprint = nil
	o.forceFull = true
}

// Recompile runs one compile of j with c and publishes the output on
// success. It must only be called from the jobrunner worker.
//
// j must be submitted and not yet done; anything else is a state error.
// A compile or environment failure is not an error here: it resolves j
// with a failed result and leaves the published output untouched.
func (o *Outbox) Recompile(ctx context.Context, j *job.Job, c compiler.Compiler) error {
	if j == nil {
		return job.StateErrorf("", "recompile", "job is nil")
	}
	if !j.IsSubmitted() {
		return job.StateErrorf(j.ID(), "recompile", "job was not submitted")
	}
	if j.IsDone() {
		return job.StateErrorf(j.ID(), "recompile", "job is already done")
	}
	if j.Module() != o.spec.Module {
		return job.StateErrorf(j.ID(), "recompile", "job is for module %s, not %s", j.Module(), o.spec.Module)
	}

	if err := j.OnStarted(); err != nil {
		return err
	}
	logger := j.Logger()

	dir, err := o.dir.NewCompileDir()
	if err != nil {
		return o.fail(j, fmt.Errorf("allocate compile dir: %w", err))
	}
	if err := j.OnCompileDir(dir); err != nil {
		return err
	}
	if err := j.AttachLog(dir.LogFile()); err != nil {
		return o.fail(j, err)
	}
	defer func() { _ = j.CloseLog() }()
	logger = j.Logger()

	req, current := o.buildRequest(j, dir)
	logger.Info("Compiling",
		zap.String("compile_dir", dir.Root()),
		zap.String("bindings", formatBindings(req.Bindings)),
		zap.Bool("force_full", req.ForceFull),
		zap.Int("stale", len(req.Stale)))

	out, err := c.Compile(ctx, req, func(done, total int) {
		if perr := j.OnProgress(done, total); perr != nil {
			logger.Debug("Dropped progress report", zap.Error(perr))
		}
	})
	if err != nil {
		logger.Warn("Compile failed; keeping previously published output", zap.Error(err))
		return o.fail(j, err)
	}
	if out == nil {
		out = &compiler.Outcome{Strategy: job.StrategyFull}
	}

	return o.publish(ctx, j, dir, out.Strategy, current)
}

func (o *Outbox) buildRequest(j *job.Job, dir *artifactdir.CompileDir) (compiler.Request, compiler.Fingerprint) {
	req := compiler.Request{
		Module:    o.spec.Module,
		Bindings:  j.Bindings(),
		WarDir:    dir.WarDir(),
		ExtrasDir: dir.ExtrasDir(),
		GenDir:    dir.GenDir(),
		LogFile:   dir.LogFile(),
		Sources:   append([]string(nil), o.spec.Sources.Roots...),
		Log:       j.LogWriter(),
	}

	current, err := compiler.Scan(o.spec.Sources)
	if err != nil {
		j.Logger().Warn("Source scan failed; treating every input as new", zap.Error(err))
		current = nil
	}

	o.mu.Lock()
	prev, force := o.fingerprint, o.forceFull
	o.mu.Unlock()

	req.ForceFull = force
	if !force && prev != nil && current != nil {
		req.Stale = current.Diff(prev)
	}
	return req, current
}

func (o *Outbox) publish(ctx context.Context, j *job.Job, dir *artifactdir.CompileDir, strategy job.Strategy, fp compiler.Fingerprint) error {
	result := job.Ok(dir, strategy)

	o.mu.Lock()
	prev := o.publishedJob
	o.published = result
	o.publishedJob = j
	o.fingerprint = fp
	o.forceFull = false
	o.mu.Unlock()

	logger := j.Logger()
	if prev != nil && prev != j {
		if err := prev.OnGone(); err != nil {
			logger.Warn("Failed to mark replaced job as gone", zap.String("replaced_job_id", prev.ID()), zap.Error(err))
		}
	}

	err := j.OnFinished(result)
	logger.Info("Published compile",
		zap.String("compile_dir", dir.Root()),
		zap.String("strategy", string(strategy)))

	for _, h := range o.hooks {
		if herr := h.fn(ctx, j, dir); herr != nil {
			logger.Warn("Publish hook failed", zap.String("hook", h.name), zap.Error(herr))
		}
	}
	return err
}

// fail resolves j with cause. Only a lifecycle fault is returned.
func (o *Outbox) fail(j *job.Job, cause error) error {
	return j.OnFinished(job.Failed(cause))
}

func formatBindings(b map[string]string) string {
	if len(b) == 0 {
		return ""
	}
	ev := job.Event{Bindings: b}
	return ev.BindingString()
}
