// Package job models one request to rebuild a module.
//
// A Job is created by a caller, submitted exactly once, and finished exactly
// once when its write-once result is set. Every status change is published
// as a new Event to the Publisher the job was submitted with.
package job

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/superdev/pkg/artifactdir"
)

// Publisher receives a job's events. jobregistry.Registry implements it.
type Publisher interface {
	Publish(ev Event) error
}

// Job is one compile request for a module.
type Job struct {
	id       string
	module   string
	bindings map[string]string
	created  time.Time
	parent   *zap.Logger
	result   *resultCell

	mu         sync.Mutex
	submitted  bool
	publisher  Publisher
	compileDir string
	logger     *zap.Logger
	logFile    *os.File
	logSink    zapcore.WriteSyncer
}

// New creates a job for module with the given binding overrides.
// The map is copied. A nil logger disables logging.
func New(module string, bindings map[string]string, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	module = strings.TrimSpace(module)
	return &Job{
		id:       ids.next(module),
		module:   module,
		bindings: maps.Clone(bindings),
		created:  time.Now().UTC(),
		parent:   logger,
		result:   newResultCell(),
	}
}

// ID returns the process-unique job id, "<module>-<n>".
func (j *Job) ID() string { return j.id }

// Module returns the module this job compiles.
func (j *Job) Module() string { return j.module }

// CreatedAt returns when the job was created.
func (j *Job) CreatedAt() time.Time { return j.created }

// Bindings returns a copy of the binding overrides.
func (j *Job) Bindings() map[string]string {
	if len(j.bindings) == 0 {
		return nil
	}
	return maps.Clone(j.bindings)
}

func (j *Job) String() string {
	if len(j.bindings) == 0 {
		return j.id
	}
	return fmt.Sprintf("%s{%s}", j.id, formatBindings(j.bindings))
}

// MarkSubmitted records that the job was handed to a runner and publishes
// the WAITING event. A second call is a state error. If the publisher
// rejects WAITING the job is left unsubmitted.
func (j *Job) MarkSubmitted(p Publisher) error {
	if p == nil {
		return StateErrorf(j.id, "submit", "publisher is nil")
	}
	j.mu.Lock()
	if j.submitted {
		j.mu.Unlock()
		return StateErrorf(j.id, "submit", "job was already submitted")
	}
	j.submitted = true
	j.publisher = p
	j.mu.Unlock()

	if err := j.publish(StatusWaiting, EventSpec{}); err != nil {
		j.mu.Lock()
		j.submitted = false
		j.publisher = nil
		j.mu.Unlock()
		return err
	}
	return nil
}

// IsSubmitted reports whether MarkSubmitted succeeded.
func (j *Job) IsSubmitted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.submitted
}

// IsDone reports whether the result has been written.
func (j *Job) IsDone() bool {
	return j.result.isSet()
}

// Wait blocks until the result is written or ctx is done. Expiry of ctx is
// reported as ctx.Err() and says nothing about the job's own outcome.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	return j.result.wait(ctx)
}

// Result returns the result without blocking.
func (j *Job) Result() (Result, bool) {
	return j.result.peek()
}

// CompileDir returns the compile directory path once one was assigned.
func (j *Job) CompileDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compileDir
}

// OnStarted publishes COMPILING.
func (j *Job) OnStarted() error {
	return j.publish(StatusCompiling, EventSpec{})
}

// OnCompileDir records the directory this attempt writes into and
// republishes COMPILING with it.
func (j *Job) OnCompileDir(dir *artifactdir.CompileDir) error {
	j.mu.Lock()
	j.compileDir = dir.Root()
	j.mu.Unlock()
	return j.publish(StatusCompiling, EventSpec{})
}

// OnProgress republishes COMPILING with a progress report.
func (j *Job) OnProgress(done, total int) error {
	msg := "compiling"
	if total > 0 {
		msg = "compiling (" + strconv.Itoa(done) + "/" + strconv.Itoa(total) + ")"
	}
	return j.publish(StatusCompiling, EventSpec{Message: msg, Progress: &Progress{Done: done, Total: total}})
}

// OnFinished publishes SERVING or ERROR and then writes the result.
//
// The result is written even when publication fails, so callers blocked in
// Wait are always released. Finishing twice is a state error and publishes
// nothing.
func (j *Job) OnFinished(r Result) error {
	if j.result.isSet() {
		return StateErrorf(j.id, "finish", "job is already done")
	}

	var pubErr error
	if r.OK() {
		j.mu.Lock()
		j.compileDir = r.Dir.Root()
		j.mu.Unlock()
		pubErr = j.publish(StatusServing, EventSpec{Strategy: r.Strategy})
	} else {
		if r.Err == nil {
			r = Failed(nil)
		}
		pubErr = j.publish(StatusError, EventSpec{Message: r.Err.Error(), Strategy: r.Strategy})
	}

	if err := j.result.put(j.id, r); err != nil {
		return err
	}
	return pubErr
}

// OnGone publishes GONE: a later compile of the same module replaced this
// job's output. The compile directory stays on disk.
func (j *Job) OnGone() error {
	var strategy Strategy
	if r, ok := j.result.peek(); ok {
		strategy = r.Strategy
	}
	return j.publish(StatusGone, EventSpec{Strategy: strategy})
}

func (j *Job) publish(status Status, spec EventSpec) error {
	j.mu.Lock()
	p := j.publisher
	if spec.CompileDir == "" {
		spec.CompileDir = j.compileDir
	}
	j.mu.Unlock()

	if p == nil {
		return StateErrorf(j.id, "publish "+string(status), "job was never submitted")
	}
	return p.Publish(NewEvent(j, status, spec))
}
