// Package jobrunner serializes every use of the compiler on one worker.
//
// Submit never blocks: it marks the job submitted and queues it. The worker
// takes tasks in submission order and runs them to completion, one at a
// time, so compiles and cache clears never overlap. Queued jobs are never
// cancelled; an in-flight compile always finishes.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/superdev/pkg/compiler"
	"github.com/3leaps/superdev/pkg/job"
	"github.com/3leaps/superdev/pkg/outbox"
)

// ErrClosed is returned for work offered to, or left queued in, a closed
// runner.
var ErrClosed = errors.New("job runner is closed")

type taskKind int

const (
	taskRecompile taskKind = iota
	taskClean
)

type task struct {
	kind   taskKind
	job    *job.Job
	outbox *outbox.Outbox
	done   chan error
}

// Runner owns the compiler and the single worker goroutine driving it.
type Runner struct {
	table     *outbox.Table
	compiler  compiler.Compiler
	publisher job.Publisher
	logger    *zap.Logger

	mu     sync.Mutex
	queue  []task
	closed bool
	wake   chan struct{}
	exited chan struct{}
}

var _ outbox.Precompiler = (*Runner)(nil)

// New starts a runner. Events of submitted jobs go to publisher, normally
// the jobregistry.Registry.
func New(table *outbox.Table, c compiler.Compiler, publisher job.Publisher, logger *zap.Logger) (*Runner, error) {
	if table == nil {
		return nil, fmt.Errorf("outbox table is required")
	}
	if c == nil {
		return nil, fmt.Errorf("compiler is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		table:     table,
		compiler:  c,
		publisher: publisher,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		exited:    make(chan struct{}),
	}
	go r.work()
	return r, nil
}

// Submit queues j for compilation and returns immediately.
//
// It fails with ErrClosed after Close, with outbox.ErrUnknownModule when no
// outbox serves j's module, and with a state error when j was already
// submitted.
func (r *Runner) Submit(j *job.Job) error {
	if j == nil {
		return job.StateErrorf("", "submit", "job is nil")
	}
	ob, err := r.table.Lookup(j.Module())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := j.MarkSubmitted(r.publisher); err != nil {
		return err
	}
	r.push(task{kind: taskRecompile, job: j, outbox: ob})
	return nil
}

// Clean queues a cache clear followed by a forced full compile for every
// module, and blocks until the worker ran it. If ctx ends first, Clean
// returns ctx.Err() and the clear still runs in its turn.
func (r *Runner) Clean(ctx context.Context) error {
	done := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.push(task{kind: taskClean, done: done})
	r.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Precompile submits a job with o's default bindings and waits for its
// result.
func (r *Runner) Precompile(ctx context.Context, o *outbox.Outbox) (job.Result, error) {
	j := o.NewJob(nil)
	if err := r.Submit(j); err != nil {
		return job.Result{}, err
	}
	return j.Wait(ctx)
}

// Pending returns the number of queued tasks, excluding the running one.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Closed reports whether Close has been called.
func (r *Runner) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close stops intake and waits for the in-flight task. Tasks still queued
// are resolved with ErrClosed. Close is safe to call more than once.
func (r *Runner) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.signal()
	}
	r.mu.Unlock()
	<-r.exited
}

// push appends t. Callers hold r.mu.
func (r *Runner) push(t task) {
	r.queue = append(r.queue, t)
	r.signal()
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) work() {
	defer close(r.exited)
	for {
		t, ok := r.next()
		if !ok {
			return
		}
		r.run(t)
	}
}

// next blocks for the next task. After Close it drains the queue and
// reports false.
func (r *Runner) next() (task, bool) {
	for {
		r.mu.Lock()
		if r.closed {
			abandoned := r.queue
			r.queue = nil
			r.mu.Unlock()
			r.abandon(abandoned)
			return task{}, false
		}
		if len(r.queue) > 0 {
			t := r.queue[0]
			r.queue[0] = task{}
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return t, true
		}
		r.mu.Unlock()
		<-r.wake
	}
}

func (r *Runner) run(t task) {
	// The worker context is never cancelled; callers cannot abort a task
	// once it started.
	ctx := context.Background()
	switch t.kind {
	case taskRecompile:
		r.recompile(ctx, t)
	case taskClean:
		t.done <- r.clean(ctx)
	}
}

func (r *Runner) recompile(ctx context.Context, t task) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(t.job, fmt.Errorf("recompile panicked: %v", p))
		}
	}()

	r.logger.Debug("Running job", zap.String("job_id", t.job.ID()), zap.String("module", t.job.Module()))
	if err := t.outbox.Recompile(ctx, t.job, r.compiler); err != nil {
		r.fault(t.job, err)
	}
}

// fault resolves j after an unexpected failure. A fault while resolving is
// only logged.
func (r *Runner) fault(j *job.Job, cause error) {
	r.logger.Error("Recompile fault", zap.String("job_id", j.ID()), zap.Error(cause))
	if j.IsDone() {
		return
	}
	if err := j.OnFinished(job.Failed(cause)); err != nil {
		r.logger.Error("Cannot resolve job after fault", zap.String("job_id", j.ID()), zap.Error(err))
	}
}

func (r *Runner) clean(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("clean panicked: %v", p)
			r.logger.Error("Clean fault", zap.Error(err))
		}
	}()

	r.logger.Info("Clearing compiler caches")
	err = r.compiler.ClearCaches(ctx)
	if err != nil {
		r.logger.Warn("Compiler cache clear failed", zap.Error(err))
	}
	r.table.ForceNextRecompileAll()
	return err
}

func (r *Runner) abandon(tasks []task) {
	for _, t := range tasks {
		switch t.kind {
		case taskRecompile:
			if err := t.job.OnFinished(job.Failed(ErrClosed)); err != nil {
				r.logger.Warn("Cannot resolve queued job at shutdown", zap.String("job_id", t.job.ID()), zap.Error(err))
			}
		case taskClean:
			t.done <- ErrClosed
		}
	}
	if len(tasks) > 0 {
		r.logger.Info("Abandoned queued tasks at shutdown", zap.Int("count", len(tasks)))
	}
}
